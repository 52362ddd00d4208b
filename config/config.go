package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	DefaultQueueName = "default"
	DefaultAppName   = "fablab"
)

// Env is the deployment environment, resolved once at startup. It decides
// the namespace so staging and production never share queues or schedules.
type Env int

const (
	EnvDevelopment Env = iota + 1
	EnvStaging
	EnvProduction
)

func (e Env) String() string {
	switch e {
	case EnvDevelopment:
		return "development"
	case EnvStaging:
		return "staging"
	case EnvProduction:
		return "production"
	}
	return "unknown"
}

// ParseEnv accepts the long and the short environment names.
func ParseEnv(s string) (Env, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev", "":
		return EnvDevelopment, nil
	case "staging", "stage":
		return EnvStaging, nil
	case "production", "prod":
		return EnvProduction, nil
	}
	return 0, fmt.Errorf("invalid env: %s", s)
}

type Config struct {
	App       string
	Env       string
	Namespace string // derived from App and Env when empty

	AdminHost string
	AdminPort int

	LogLevel        string
	LogDir          string
	LogFormat       string
	EnableAccessLog bool

	Redis RedisConf

	// Queues are polled in this order, the first one has the highest priority.
	Queues []string

	ScheduleFile  string
	WatchSchedule bool

	// MaintenanceIntervalMS drives the delayed job pump, the lease reaper
	// and the dead letter trimming.
	MaintenanceIntervalMS int

	Retry      RetryConf
	DeadLetter DeadLetterConf
	Worker     WorkerConf
	Scheduler  SchedulerConf

	env Env
}

type RedisConf struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MasterName string // sentinel mode when set, Addr is a comma separated sentinel list

	// RequireDurability makes startup fail if redis is not configured with
	// appendonly and noeviction, otherwise a warning is logged.
	RequireDurability bool
}

type RetryConf struct {
	MaxAttempts int
	Backoff     string // "exponential" or "polynomial"
	BaseSecond  int
	MaxSecond   int
}

type DeadLetterConf struct {
	RetentionHours int // 0 keeps dead jobs forever
}

type WorkerConf struct {
	Concurrency          int
	DequeueTimeoutSecond int
	DefaultTimeoutSecond int
	LeaseMarginSecond    int
	DrainTimeoutSecond   int
	PollIntervalMS       int
	DisableWorkers       bool
}

type SchedulerConf struct {
	Disabled               bool
	MinSleepMS             int
	MaxSleepMS             int
	MaxCatchUp             int
	RetryBaseMS            int
	RetryMaxMS             int
	MaxConsecutiveFailures int
	LockExpirySecond       int
}

// Default returns a config with every optional field populated.
func Default() *Config {
	return &Config{
		App:                   DefaultAppName,
		Env:                   EnvDevelopment.String(),
		AdminHost:             "127.0.0.1",
		AdminPort:             7790,
		LogLevel:              "info",
		Redis:                 RedisConf{Addr: "localhost:6379"},
		Queues:                []string{DefaultQueueName},
		ScheduleFile:          "config/schedule.yml",
		MaintenanceIntervalMS: 1000,
		Retry: RetryConf{
			MaxAttempts: 25,
			Backoff:     "polynomial",
			BaseSecond:  15,
			MaxSecond:   24 * 60 * 60,
		},
		DeadLetter: DeadLetterConf{RetentionHours: 24 * 180},
		Worker: WorkerConf{
			Concurrency:          10,
			DequeueTimeoutSecond: 2,
			DefaultTimeoutSecond: 5 * 60,
			LeaseMarginSecond:    30,
			DrainTimeoutSecond:   25,
			PollIntervalMS:       100,
		},
		Scheduler: SchedulerConf{
			MinSleepMS:             1000,
			MaxSleepMS:             15 * 1000,
			MaxCatchUp:             10,
			RetryBaseMS:            500,
			RetryMaxMS:             30 * 1000,
			MaxConsecutiveFailures: 10,
			LockExpirySecond:       60,
		},
	}
}

func (rc *RedisConf) validate() error {
	if rc.Addr == "" {
		return errors.New("the redis addr must not be empty")
	}
	if rc.DB < 0 {
		return errors.New("the redis db must be greater than 0 or equal to 0")
	}
	return nil
}

// IsSentinel return whether redis was running in sentinel mode
func (rc *RedisConf) IsSentinel() bool {
	return rc.MasterName != ""
}

// EnvKind returns the parsed environment, only valid after Validate.
func (c *Config) EnvKind() Env {
	return c.env
}

// ResolveNamespace derives the namespace from the app name and environment:
// production uses the bare app name, other environments get a suffix.
func (c *Config) ResolveNamespace() string {
	if c.Namespace != "" {
		return c.Namespace
	}
	if c.env == EnvProduction {
		return c.App
	}
	return c.App + "_" + c.env.String()
}

// Validate checks the config and resolves the environment and namespace.
func (c *Config) Validate() error {
	env, err := ParseEnv(c.Env)
	if err != nil {
		return err
	}
	c.env = env
	if c.App == "" && c.Namespace == "" {
		return errors.New("either app or namespace must be set")
	}
	c.Namespace = c.ResolveNamespace()
	if strings.ContainsAny(c.Namespace, "/ ") {
		return fmt.Errorf("invalid namespace %q", c.Namespace)
	}
	if err := c.Redis.validate(); err != nil {
		return fmt.Errorf("invalid config in redis: %s", err)
	}
	if len(c.Queues) == 0 {
		return errors.New("at least one queue is required")
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q == "" || strings.ContainsAny(q, "/ ") {
			return fmt.Errorf("invalid queue name %q", q)
		}
		if seen[q] {
			return fmt.Errorf("queue '%s' was conflicts", q)
		}
		seen[q] = true
	}
	if c.AdminPort <= 0 {
		return errors.New("invalid admin port")
	}
	if c.MaintenanceIntervalMS <= 0 {
		return errors.New("maintenance interval must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry max attempts must be positive")
	}
	switch c.Retry.Backoff {
	case "exponential", "polynomial":
	default:
		return fmt.Errorf("invalid retry backoff %q", c.Retry.Backoff)
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	if c.Worker.DefaultTimeoutSecond <= 0 {
		return errors.New("worker default timeout must be positive")
	}
	if c.Scheduler.MinSleepMS <= 0 || c.Scheduler.MaxSleepMS < c.Scheduler.MinSleepMS {
		return errors.New("scheduler sleep bounds are invalid")
	}
	if c.Scheduler.MaxConsecutiveFailures <= 0 {
		return errors.New("scheduler max consecutive failures must be positive")
	}
	if c.Scheduler.LockExpirySecond*1000 <= c.Scheduler.MaxSleepMS {
		return errors.New("scheduler lock expiry must be longer than the max sleep")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.New("invalid log level")
	}
	return nil
}

// Load decodes the config file on top of the defaults without validating it,
// so callers can apply overrides first.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	conf := Default()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("failed to decode config: %s", err)
	}
	return conf, nil
}

// MustLoad load config file with specified path, an error returned if any condition not met
func MustLoad(path string) (*Config, error) {
	conf, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
