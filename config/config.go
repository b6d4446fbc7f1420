package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickerflow TickerflowConfig `yaml:"tickerflow"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Reader     ReaderConfig     `yaml:"reader"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Source     SourceConfig     `yaml:"source"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type TickerflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer    int `yaml:"raw_buffer"`
	UpdateBuffer int `yaml:"update_buffer"`
}

type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ProcessorConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type SupervisorConfig struct {
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	Jitter               float64       `yaml:"jitter"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ResetAfter           time.Duration `yaml:"reset_after"`
	StalenessTimeout     time.Duration `yaml:"staleness_timeout"`
	DegradedTimeout      time.Duration `yaml:"degraded_timeout"`
	ShutdownGrace        time.Duration `yaml:"shutdown_grace"`
}

type BufferConfig struct {
	HistorySize int `yaml:"history_size"`
	Shards      int `yaml:"shards"`
}

type DispatcherConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushThreshold int           `yaml:"flush_threshold"`
	SinkQueueSize  int           `yaml:"sink_queue_size"`
}

type SourceConfig struct {
	Okx     OkxSourceConfig     `yaml:"okx"`
	Upbit   UpbitSourceConfig   `yaml:"upbit"`
	Coinone CoinoneSourceConfig `yaml:"coinone"`
	Gate    GateSourceConfig    `yaml:"gate"`
}

type OkxSourceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	Symbols      []string      `yaml:"symbols"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type UpbitSourceConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

type CoinoneSourceConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	QuoteCurrency string        `yaml:"quote_currency"`
	Symbols       []string      `yaml:"symbols"`
	Interval      time.Duration `yaml:"interval"`
}

type GateSourceConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Symbols  []string      `yaml:"symbols"`
	Interval time.Duration `yaml:"interval"`
}

type SinksConfig struct {
	Cache     CacheSinkConfig     `yaml:"cache"`
	Broadcast BroadcastSinkConfig `yaml:"broadcast"`
	Kafka     KafkaSinkConfig     `yaml:"kafka"`
	S3        S3SinkConfig        `yaml:"s3"`
}

type KafkaSinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type CacheSinkConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

type BroadcastSinkConfig struct {
	Enabled          bool `yaml:"enabled"`
	SubscriberBuffer int  `yaml:"subscriber_buffer"`
}

type S3SinkConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	// Prefer an environment specific file when one exists and the caller
	// did not ask for a custom path.
	if envPath := resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths); envPath != path {
		if _, err := os.Stat(envPath); err == nil {
			path = envPath
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override S3 settings from environment variables if available
	if config.Sinks.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Sinks.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Sinks.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Sinks.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Sinks.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Sinks.S3.Bucket = strings.TrimSpace(config.Sinks.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.RawBuffer == 0 {
		cfg.Channels.RawBuffer = 1000
	}
	if cfg.Channels.UpdateBuffer == 0 {
		cfg.Channels.UpdateBuffer = 1000
	}
	if cfg.Processor.MaxWorkers == 0 {
		cfg.Processor.MaxWorkers = 1
	}
	if cfg.Supervisor.BaseDelay == 0 {
		cfg.Supervisor.BaseDelay = 5 * time.Second
	}
	if cfg.Supervisor.MaxDelay == 0 {
		cfg.Supervisor.MaxDelay = 60 * time.Second
	}
	if cfg.Supervisor.MaxReconnectAttempts == 0 {
		cfg.Supervisor.MaxReconnectAttempts = 10
	}
	if cfg.Supervisor.ResetAfter == 0 {
		cfg.Supervisor.ResetAfter = 5 * time.Minute
	}
	if cfg.Supervisor.StalenessTimeout == 0 {
		cfg.Supervisor.StalenessTimeout = 60 * time.Second
	}
	if cfg.Supervisor.DegradedTimeout == 0 {
		cfg.Supervisor.DegradedTimeout = 120 * time.Second
	}
	if cfg.Supervisor.ShutdownGrace == 0 {
		cfg.Supervisor.ShutdownGrace = 5 * time.Second
	}
	if cfg.Buffer.HistorySize == 0 {
		cfg.Buffer.HistorySize = 100
	}
	if cfg.Buffer.Shards == 0 {
		cfg.Buffer.Shards = 16
	}
	if cfg.Dispatcher.FlushInterval == 0 {
		cfg.Dispatcher.FlushInterval = 5 * time.Second
	}
	if cfg.Dispatcher.FlushThreshold == 0 {
		cfg.Dispatcher.FlushThreshold = 100
	}
	if cfg.Dispatcher.SinkQueueSize == 0 {
		cfg.Dispatcher.SinkQueueSize = 8
	}
	if cfg.Reader.Timeout == 0 {
		cfg.Reader.Timeout = 10 * time.Second
	}
	if cfg.Reader.RateLimit.RequestsPerSecond == 0 {
		cfg.Reader.RateLimit.RequestsPerSecond = 5
	}
	if cfg.Reader.RateLimit.BurstSize == 0 {
		cfg.Reader.RateLimit.BurstSize = 1
	}
	if cfg.Source.Okx.PingInterval == 0 {
		cfg.Source.Okx.PingInterval = 25 * time.Second
	}
	if cfg.Source.Coinone.Interval == 0 {
		cfg.Source.Coinone.Interval = 10 * time.Second
	}
	if cfg.Source.Coinone.QuoteCurrency == "" {
		cfg.Source.Coinone.QuoteCurrency = "KRW"
	}
	if cfg.Source.Gate.Interval == 0 {
		cfg.Source.Gate.Interval = 10 * time.Second
	}
	if cfg.Sinks.Cache.TTL == 0 {
		cfg.Sinks.Cache.TTL = time.Minute
	}
	if cfg.Sinks.Broadcast.SubscriberBuffer == 0 {
		cfg.Sinks.Broadcast.SubscriberBuffer = 16
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tickerflow.Name == "" {
		return fmt.Errorf("tickerflow.name is required")
	}
	if cfg.Tickerflow.Version == "" {
		return fmt.Errorf("tickerflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.UpdateBuffer <= 0 {
		return fmt.Errorf("channels.update_buffer must be greater than 0")
	}

	if cfg.Supervisor.MaxDelay < cfg.Supervisor.BaseDelay {
		return fmt.Errorf("supervisor.max_delay must not be smaller than supervisor.base_delay")
	}
	if cfg.Supervisor.Jitter < 0 || cfg.Supervisor.Jitter >= 1 {
		return fmt.Errorf("supervisor.jitter must be in [0, 1)")
	}

	if cfg.Dispatcher.FlushInterval <= 0 {
		return fmt.Errorf("dispatcher.flush_interval must be greater than 0")
	}
	if cfg.Dispatcher.FlushThreshold <= 0 {
		return fmt.Errorf("dispatcher.flush_threshold must be greater than 0")
	}

	if IsProductionLike(AppEnvironment()) {
		if !cfg.Source.Okx.Enabled && !cfg.Source.Upbit.Enabled &&
			!cfg.Source.Coinone.Enabled && !cfg.Source.Gate.Enabled {
			return fmt.Errorf("at least one source must be enabled in %s", AppEnvironment())
		}
	}

	if cfg.Source.Okx.Enabled && len(cfg.Source.Okx.Symbols) == 0 {
		return fmt.Errorf("source.okx.symbols is required when okx is enabled")
	}
	if cfg.Source.Upbit.Enabled && len(cfg.Source.Upbit.Symbols) == 0 {
		return fmt.Errorf("source.upbit.symbols is required when upbit is enabled")
	}
	if cfg.Source.Coinone.Enabled && len(cfg.Source.Coinone.Symbols) == 0 {
		return fmt.Errorf("source.coinone.symbols is required when coinone is enabled")
	}
	if cfg.Source.Gate.Enabled && len(cfg.Source.Gate.Symbols) == 0 {
		return fmt.Errorf("source.gate.symbols is required when gate is enabled")
	}

	if cfg.Sinks.Kafka.Enabled {
		if len(cfg.Sinks.Kafka.Brokers) == 0 {
			return fmt.Errorf("sinks.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Sinks.Kafka.Topic == "" {
			return fmt.Errorf("sinks.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Sinks.S3.Enabled {
		if cfg.Sinks.S3.Bucket == "" {
			return fmt.Errorf("sinks.s3.bucket is required when S3 is enabled")
		}
		if cfg.Sinks.S3.Region == "" {
			return fmt.Errorf("sinks.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Sinks.S3.Bucket) {
			return fmt.Errorf("sinks.s3.bucket '%s' is invalid", cfg.Sinks.S3.Bucket)
		}
	}

	return nil
}
