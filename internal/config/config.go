package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Invoker    InvokerConfig    `yaml:"invoker" mapstructure:"invoker"`
	Tracker    TrackerConfig    `yaml:"tracker" mapstructure:"tracker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the work queue.
type QueueConfig struct {
	BatchSize        int  `yaml:"batch_size" mapstructure:"batch_size"`
	PollIntervalSecs int  `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	LeaseSecs        int  `yaml:"lease_secs" mapstructure:"lease_secs"`
	DelayMode        bool `yaml:"delay_mode" mapstructure:"delay_mode"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency  int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts  int `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxRateWaits int `yaml:"max_rate_waits" mapstructure:"max_rate_waits"`

	// RateWaitBudgetSecs bounds the total sleep of one delivery on a
	// rate-limited key.
	RateWaitBudgetSecs int `yaml:"rate_wait_budget_secs" mapstructure:"rate_wait_budget_secs"`
}

// RateLimitConfig configures per-key pacing.
type RateLimitConfig struct {
	// Backend is "store" (shared, the default) or "memory" (single process).
	Backend          string  `yaml:"backend" mapstructure:"backend"`
	DefaultRPS       float64 `yaml:"default_rps" mapstructure:"default_rps"`
	FailClosedWaitMs int     `yaml:"fail_closed_wait_ms" mapstructure:"fail_closed_wait_ms"`
	ThrottleSecs     int     `yaml:"throttle_secs" mapstructure:"throttle_secs"`
	SeedFile         string  `yaml:"seed_file" mapstructure:"seed_file"`
}

// InvokerConfig configures the scraping service client.
type InvokerConfig struct {
	BaseURL                 string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ResultLimit             int     `yaml:"result_limit" mapstructure:"result_limit"`
	OutboundRPS             float64 `yaml:"outbound_rps" mapstructure:"outbound_rps"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	Mock                    bool    `yaml:"mock" mapstructure:"mock"`
}

// TrackerConfig configures task state backoff and reconciliation.
type TrackerConfig struct {
	BackoffBaseSecs       int `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffCapSecs        int `yaml:"backoff_cap_secs" mapstructure:"backoff_cap_secs"`
	StaleAfterSecs        int `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	ReconcileIntervalSecs int `yaml:"reconcile_interval_secs" mapstructure:"reconcile_interval_secs"`
}

// ServerConfig configures the stats server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// KafkaConfig configures the Kafka ingress bridge.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	GroupID string   `yaml:"group_id" mapstructure:"group_id"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.poll_interval_secs", 5)
	v.SetDefault("queue.lease_secs", 300)
	v.SetDefault("queue.delay_mode", false)
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("batch.max_rate_waits", 10)
	v.SetDefault("batch.rate_wait_budget_secs", 30)
	v.SetDefault("ratelimit.backend", "store")
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.fail_closed_wait_ms", 1000)
	v.SetDefault("ratelimit.throttle_secs", 60)
	v.SetDefault("ratelimit.seed_file", "")
	v.SetDefault("invoker.base_url", "http://localhost:8787")
	v.SetDefault("invoker.timeout_secs", 30)
	v.SetDefault("invoker.result_limit", 100)
	v.SetDefault("invoker.outbound_rps", 5.0)
	v.SetDefault("invoker.circuit_failure_threshold", 5)
	v.SetDefault("invoker.circuit_reset_secs", 30)
	v.SetDefault("invoker.mock", false)
	v.SetDefault("tracker.backoff_base_secs", 3600)
	v.SetDefault("tracker.backoff_cap_secs", 115200)
	v.SetDefault("tracker.stale_after_secs", 300)
	v.SetDefault("tracker.reconcile_interval_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "scrape-tasks")
	v.SetDefault("kafka.group_id", "scrape-consumer")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields the given command mode depends on. Every
// problem is reported, not just the first.
func (c *Config) Validate(mode string) error {
	var errs []string
	requireStore := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	switch mode {
	case "consume":
		requireStore()
		if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 50 {
			errs = append(errs, "batch.concurrency must be between 1 and 50")
		}
		if c.Batch.MaxAttempts < 1 {
			errs = append(errs, "batch.max_attempts must be >= 1")
		}
		if c.Batch.MaxRateWaits < 0 {
			errs = append(errs, "batch.max_rate_waits must be >= 0")
		}
		if c.Batch.RateWaitBudgetSecs < 1 {
			errs = append(errs, "batch.rate_wait_budget_secs must be >= 1")
		}
		if c.Queue.LeaseSecs > 0 && c.Batch.RateWaitBudgetSecs+c.Invoker.TimeoutSecs >= c.Queue.LeaseSecs {
			errs = append(errs, "batch.rate_wait_budget_secs plus invoker.timeout_secs must be below queue.lease_secs")
		}
		if c.Queue.BatchSize < 1 {
			errs = append(errs, "queue.batch_size must be >= 1")
		}
		if !c.Invoker.Mock && c.Invoker.BaseURL == "" {
			errs = append(errs, "invoker.base_url is required")
		}
		if c.Invoker.TimeoutSecs <= 0 {
			errs = append(errs, "invoker.timeout_secs must be > 0")
		}
		errs = append(errs, c.validateRateLimit()...)
	case "serve":
		requireStore()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "ratelimit":
		requireStore()
		errs = append(errs, c.validateRateLimit()...)
	case "ingest":
		requireStore()
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka.brokers is required")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka.topic is required")
		}
	case "migrate", "enqueue", "deadletter", "reconcile":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateRateLimit() []string {
	var errs []string
	switch c.RateLimit.Backend {
	case "store", "memory":
	default:
		errs = append(errs, "ratelimit.backend must be store or memory")
	}
	if c.RateLimit.DefaultRPS <= 0 {
		errs = append(errs, "ratelimit.default_rps must be > 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
