package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/JMMolenaar/Fab-CIC-manager/config"
	"github.com/JMMolenaar/Fab-CIC-manager/engine"
	"github.com/JMMolenaar/Fab-CIC-manager/helper"
)

const MaxRedisConnections = 500

// Dial connects to the configured redis and checks that it keeps jobs
// durably. A redis that can't be reached is reported as ErrQueueUnavailable.
func Dial(ctx context.Context, conf *config.RedisConf, logger *logrus.Logger) (*redis.Client, error) {
	if conf.PoolSize == 0 {
		conf.PoolSize = MaxRedisConnections
	}
	cli := helper.NewRedisClient(conf, &redis.Options{
		// By Default, the timeout for RW is 3 seconds, we might get few error
		// when redis server is doing AOF rewrite. We prefer data integrity over speed.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		MinIdleConns: 4,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: can not connect to redis %s: %s", engine.ErrQueueUnavailable, conf.Addr, err)
	}
	if err := helper.ValidateRedisConfig(ctx, conf); err != nil {
		if conf.RequireDurability || !errors.Is(err, helper.ErrNotDurable) {
			cli.Close()
			return nil, err
		}
		logger.WithField("err", err).Warn("Redis may lose jobs on restart or under memory pressure")
	}
	return cli, nil
}

// OptionsFromConfig maps the config onto engine options.
func OptionsFromConfig(conf *config.Config, logger *logrus.Logger) Options {
	base := time.Duration(conf.Retry.BaseSecond) * time.Second
	max := time.Duration(conf.Retry.MaxSecond) * time.Second
	backoff := engine.Polynomial(base, max)
	if conf.Retry.Backoff == "exponential" {
		backoff = engine.Exponential(base, max)
	}
	return Options{
		Namespace:           conf.Namespace,
		Queues:              conf.Queues,
		Backoff:             backoff,
		DeadLetterRetention: time.Duration(conf.DeadLetter.RetentionHours) * time.Hour,
		PollInterval:        time.Duration(conf.Worker.PollIntervalMS) * time.Millisecond,
		MaintenanceInterval: time.Duration(conf.MaintenanceIntervalMS) * time.Millisecond,
		MonitorInterval:     5 * time.Second,
		Logger:              logger,
	}
}
