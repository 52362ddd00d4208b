package helper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/JMMolenaar/Fab-CIC-manager/config"
	"github.com/JMMolenaar/Fab-CIC-manager/helper/hooks"
)

var ErrNotDurable = errors.New("redis is not configured for durable job storage")

// NewRedisClient wrap the standalone and sentinel client
func NewRedisClient(conf *config.RedisConf, opt *redis.Options) (client *redis.Client) {
	if opt == nil {
		opt = &redis.Options{}
	}
	opt.Addr = conf.Addr
	opt.Password = conf.Password
	opt.PoolSize = conf.PoolSize
	opt.DB = conf.DB
	if conf.IsSentinel() {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    conf.MasterName,
			SentinelAddrs: strings.Split(opt.Addr, ","),
			Password:      opt.Password,
			PoolSize:      opt.PoolSize,
			ReadTimeout:   opt.ReadTimeout,
			WriteTimeout:  opt.WriteTimeout,
			MinIdleConns:  opt.MinIdleConns,
			DB:            opt.DB,
		})
		client.AddHook(hooks.NewMetricsHook(conf.MasterName))
		return client
	}
	client = redis.NewClient(opt)
	client.AddHook(hooks.NewMetricsHook(opt.Addr))
	return client
}

// ValidateRedisConfig checks that redis keeps what it was given: jobs must
// survive a restart and must never be evicted under memory pressure.
func ValidateRedisConfig(ctx context.Context, conf *config.RedisConf) error {
	cli := NewRedisClient(conf, nil)
	defer cli.Close()
	infoStr, err := cli.Info(ctx).Result()
	if err != nil {
		return err
	}
	info := parseInfo(infoStr)
	if info["aof_enabled"] != "1" {
		return fmt.Errorf("%w: appendonly should be enabled", ErrNotDurable)
	}
	if policy, ok := info["maxmemory_policy"]; ok && policy != "noeviction" {
		return fmt.Errorf("%w: maxmemory-policy is %s, noeviction was expected", ErrNotDurable, policy)
	}
	return nil
}

func parseInfo(s string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(s, "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = strings.TrimSpace(v)
		}
	}
	return fields
}
