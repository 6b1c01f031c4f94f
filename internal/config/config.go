package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Broker    BrokerConfig
	Execution ExecutionConfig
	RateLimit RateLimitConfig
	Lease     LeaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Intake    IntakeConfig
	Ops       OpsConfig
	Runtime   RuntimeConfig
}

type BrokerConfig struct {
	BaseURL      string
	WSURL        string
	AccessToken  string
	TokenFile    string
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

type ExecutionConfig struct {
	Live           bool
	EntryOrderType string
	FillTimeout    time.Duration
	PollInterval   time.Duration
}

type RateLimitConfig struct {
	OrdersPerSecond  float64
	OrdersPerMinute  float64
	QueriesPerSecond float64
	MaxQueue         int
}

type LeaseConfig struct {
	Key             string
	TTL             time.Duration
	RefreshInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	DSN string
}

// IntakeConfig describes the Redis list approved decisions are pushed onto.
type IntakeConfig struct {
	Key     string
	Workers int
	Block   time.Duration
}

type OpsConfig struct {
	Listen string
}

type RuntimeConfig struct {
	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.max_retries", 3)
	v.SetDefault("broker.retry_backoff", "500ms")
	v.SetDefault("broker.timeout", "10s")

	v.SetDefault("execution.live", false)
	v.SetDefault("execution.entry_order_type", "MARKET")
	v.SetDefault("execution.fill_timeout", "30s")
	v.SetDefault("execution.poll_interval", "2s")

	// Exchange caps are 10/s and 200/min; stay under them.
	v.SetDefault("rate_limit.orders_per_second", 8)
	v.SetDefault("rate_limit.orders_per_minute", 180)
	v.SetDefault("rate_limit.queries_per_second", 5)
	v.SetDefault("rate_limit.max_queue", 32)

	v.SetDefault("lease.key", "executor:leader")
	v.SetDefault("lease.ttl", "15s")
	v.SetDefault("lease.refresh_interval", "5s")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("storage.dsn", "executor.db")
	v.SetDefault("intake.key", "executor:signals")
	v.SetDefault("intake.workers", 4)
	v.SetDefault("intake.block", "2s")
	v.SetDefault("ops.listen", ":8081")

	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
	v.SetDefault("runtime.log.max_size", 50)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 14)
}

// Load reads configs/config.yaml (or the file at path when non-empty) on top of
// the defaults. A missing file is not an error; secrets come from ${ENV} refs.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}

	cfg.Broker = BrokerConfig{
		BaseURL:      v.GetString("broker.base_url"),
		WSURL:        v.GetString("broker.ws_url"),
		AccessToken:  envSub(v, "broker.access_token"),
		TokenFile:    envSub(v, "broker.token_file"),
		MaxRetries:   v.GetInt("broker.max_retries"),
		RetryBackoff: v.GetDuration("broker.retry_backoff"),
		Timeout:      v.GetDuration("broker.timeout"),
	}

	cfg.Execution = ExecutionConfig{
		Live:           v.GetBool("execution.live"),
		EntryOrderType: strings.ToUpper(v.GetString("execution.entry_order_type")),
		FillTimeout:    v.GetDuration("execution.fill_timeout"),
		PollInterval:   v.GetDuration("execution.poll_interval"),
	}

	cfg.RateLimit = RateLimitConfig{
		OrdersPerSecond:  v.GetFloat64("rate_limit.orders_per_second"),
		OrdersPerMinute:  v.GetFloat64("rate_limit.orders_per_minute"),
		QueriesPerSecond: v.GetFloat64("rate_limit.queries_per_second"),
		MaxQueue:         v.GetInt("rate_limit.max_queue"),
	}

	cfg.Lease = LeaseConfig{
		Key:             v.GetString("lease.key"),
		TTL:             v.GetDuration("lease.ttl"),
		RefreshInterval: v.GetDuration("lease.refresh_interval"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: envSub(v, "redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Storage = StorageConfig{DSN: v.GetString("storage.dsn")}
	cfg.Intake = IntakeConfig{
		Key:     v.GetString("intake.key"),
		Workers: v.GetInt("intake.workers"),
		Block:   v.GetDuration("intake.block"),
	}
	cfg.Ops = OpsConfig{Listen: v.GetString("ops.listen")}

	cfg.Runtime = RuntimeConfig{
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Execution.EntryOrderType {
	case "MARKET", "LIMIT":
	default:
		return fmt.Errorf("execution.entry_order_type must be MARKET or LIMIT, got %q", c.Execution.EntryOrderType)
	}
	if c.Execution.FillTimeout <= 0 || c.Execution.PollInterval <= 0 {
		return fmt.Errorf("execution.fill_timeout and execution.poll_interval must be positive")
	}
	if c.RateLimit.OrdersPerSecond <= 0 || c.RateLimit.OrdersPerMinute <= 0 || c.RateLimit.QueriesPerSecond <= 0 {
		return fmt.Errorf("rate_limit caps must be positive")
	}
	if c.RateLimit.MaxQueue < 0 {
		return fmt.Errorf("rate_limit.max_queue must not be negative")
	}
	if c.Lease.TTL <= 0 || c.Lease.RefreshInterval <= 0 {
		return fmt.Errorf("lease.ttl and lease.refresh_interval must be positive")
	}
	if c.Lease.RefreshInterval*2 >= c.Lease.TTL {
		return fmt.Errorf("lease.refresh_interval %s must be under half of lease.ttl %s", c.Lease.RefreshInterval, c.Lease.TTL)
	}
	if c.Intake.Key == "" || c.Intake.Workers <= 0 || c.Intake.Block <= 0 {
		return fmt.Errorf("intake.key, intake.workers and intake.block must be set")
	}
	if c.Execution.Live && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required in live mode")
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	return envRef.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
