// Package config loads cadence settings. Environment variables override the
// config file, which overrides built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cadence/internal/domain"
)

const EnvPrefix = "CADENCE"

type Config struct {
	Database   Database   `mapstructure:"database"`
	Log        Log        `mapstructure:"log"`
	Scheduler  Scheduler  `mapstructure:"scheduler"`
	Executor   Executor   `mapstructure:"executor"`
	Supervisor Supervisor `mapstructure:"supervisor"`
	Reaper     Reaper     `mapstructure:"reaper"`
	Redis      Redis      `mapstructure:"redis"`
	API        API        `mapstructure:"api"`

	// ConfigFileUsed is empty when no file was read.
	ConfigFileUsed string `mapstructure:"-"`
}

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Scheduler struct {
	SleepInterval time.Duration `mapstructure:"sleep_interval"`
	CatalogTTL    time.Duration `mapstructure:"catalog_ttl"`
}

type Executor struct {
	Broker         string        `mapstructure:"broker"`
	Concurrency    int           `mapstructure:"concurrency"`
	QueueSize      int           `mapstructure:"queue_size"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	Retry          Retry         `mapstructure:"retry"`
}

type Retry struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type Supervisor struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SoftDeadline      time.Duration `mapstructure:"soft_deadline"`
	HardDeadline      time.Duration `mapstructure:"hard_deadline"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	LogDir            string        `mapstructure:"log_dir"`
	Isolation         string        `mapstructure:"isolation"`
}

type Reaper struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	HeartbeatMisses int           `mapstructure:"heartbeat_misses"`
	QueuedTimeout   time.Duration `mapstructure:"queued_timeout"`
}

type Redis struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

type API struct {
	Addr string `mapstructure:"addr"`
}

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"

	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "cadence.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("scheduler.sleep_interval", 5*time.Second)
	v.SetDefault("scheduler.catalog_ttl", 30*time.Second)

	v.SetDefault("executor.broker", BrokerMemory)
	v.SetDefault("executor.concurrency", 4)
	v.SetDefault("executor.queue_size", 256)
	v.SetDefault("executor.enqueue_timeout", 5*time.Second)
	v.SetDefault("executor.rate_per_second", 0.0)
	v.SetDefault("executor.burst", 1)
	v.SetDefault("executor.retry.max_attempts", 3)
	v.SetDefault("executor.retry.initial_delay", time.Second)
	v.SetDefault("executor.retry.max_delay", 60*time.Second)
	v.SetDefault("executor.retry.multiplier", 2.0)

	v.SetDefault("supervisor.heartbeat_interval", 10*time.Second)
	v.SetDefault("supervisor.soft_deadline", 600*time.Second)
	v.SetDefault("supervisor.hard_deadline", 720*time.Second)
	v.SetDefault("supervisor.kill_grace", 10*time.Second)
	v.SetDefault("supervisor.log_dir", "")
	v.SetDefault("supervisor.isolation", IsolationProcess)

	v.SetDefault("reaper.enabled", false)
	v.SetDefault("reaper.schedule", "@every 1m")
	v.SetDefault("reaper.heartbeat_misses", 3)
	v.SetDefault("reaper.queued_timeout", time.Hour)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key", "cadence:runs")

	v.SetDefault("api.addr", ":8080")
}

// Binding ties a command-line flag to a config key. A flag set on the
// command line beats every other source.
type Binding struct {
	Key  string
	Flag *pflag.Flag
}

// Load reads configFile, or ./cadence.{yaml,json,toml} when configFile is
// empty, and applies environment overrides such as
// CADENCE_EXECUTOR_CONCURRENCY. A missing default file is not an error; a
// missing explicit file is. The result is validated.
func Load(configFile string, binds ...Binding) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, b := range binds {
		if b.Flag == nil {
			continue
		}
		if err := v.BindPFlag(b.Key, b.Flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", b.Flag.Name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("cadence")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigFileUsed = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns a *domain.ConfigurationError naming the first setting
// that cannot work.
func (c *Config) Validate() error {
	bad := func(setting string, value any, msg string) error {
		return &domain.ConfigurationError{Setting: setting, Value: fmt.Sprint(value), Err: errors.New(msg)}
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return bad("database.driver", c.Database.Driver, "must be sqlite or postgres")
	}
	if c.Database.DSN == "" {
		return bad("database.dsn", c.Database.DSN, "must not be empty")
	}

	positive := []struct {
		setting string
		d       time.Duration
	}{
		{"scheduler.sleep_interval", c.Scheduler.SleepInterval},
		{"executor.enqueue_timeout", c.Executor.EnqueueTimeout},
		{"executor.retry.initial_delay", c.Executor.Retry.InitialDelay},
		{"executor.retry.max_delay", c.Executor.Retry.MaxDelay},
		{"supervisor.heartbeat_interval", c.Supervisor.HeartbeatInterval},
		{"supervisor.kill_grace", c.Supervisor.KillGrace},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return bad(p.setting, p.d, "must be positive")
		}
	}
	if c.Scheduler.CatalogTTL < 0 {
		return bad("scheduler.catalog_ttl", c.Scheduler.CatalogTTL, "must not be negative")
	}

	switch c.Executor.Broker {
	case BrokerMemory, BrokerRedis:
	default:
		return bad("executor.broker", c.Executor.Broker, "must be memory or redis")
	}
	if c.Executor.Concurrency < 1 {
		return bad("executor.concurrency", c.Executor.Concurrency, "must be at least 1")
	}
	if c.Executor.QueueSize < 1 {
		return bad("executor.queue_size", c.Executor.QueueSize, "must be at least 1")
	}
	if c.Executor.RatePerSecond < 0 {
		return bad("executor.rate_per_second", c.Executor.RatePerSecond, "must not be negative")
	}
	if c.Executor.Retry.MaxAttempts < 1 {
		return bad("executor.retry.max_attempts", c.Executor.Retry.MaxAttempts, "must be at least 1")
	}
	if c.Executor.Retry.Multiplier < 1 {
		return bad("executor.retry.multiplier", c.Executor.Retry.Multiplier, "must be at least 1")
	}

	if c.Supervisor.SoftDeadline < 0 || c.Supervisor.HardDeadline < 0 {
		return bad("supervisor.soft_deadline", c.Supervisor.SoftDeadline, "deadlines must not be negative")
	}
	if c.Supervisor.SoftDeadline > 0 && c.Supervisor.HardDeadline > 0 && c.Supervisor.SoftDeadline > c.Supervisor.HardDeadline {
		return bad("supervisor.soft_deadline", c.Supervisor.SoftDeadline, "must not exceed supervisor.hard_deadline")
	}
	switch c.Supervisor.Isolation {
	case IsolationProcess, IsolationGoroutine:
	default:
		return bad("supervisor.isolation", c.Supervisor.Isolation, "must be process or goroutine")
	}

	if c.Reaper.Enabled {
		if _, err := cron.ParseStandard(c.Reaper.Schedule); err != nil {
			return &domain.ConfigurationError{Setting: "reaper.schedule", Value: c.Reaper.Schedule, Err: err}
		}
		if c.Reaper.HeartbeatMisses < 1 {
			return bad("reaper.heartbeat_misses", c.Reaper.HeartbeatMisses, "must be at least 1")
		}
	}
	if c.Executor.Broker == BrokerRedis && c.Redis.Key == "" {
		return bad("redis.key", c.Redis.Key, "must not be empty")
	}
	return nil
}
