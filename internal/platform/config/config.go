package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" or "pgx".
	Driver         string `mapstructure:"driver"`
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	QueuePrefix  string        `mapstructure:"queue_prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobLease     time.Duration `mapstructure:"job_lease"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type WebhooksConfig struct {
	ProductName         string        `mapstructure:"product_name"`
	WorkerCount         int           `mapstructure:"worker_count"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	DisableThreshold    int           `mapstructure:"disable_threshold"`
	ResponseBodyLimit   int64         `mapstructure:"response_body_limit"`
	SecretEncryptionKey string        `mapstructure:"secret_encryption_key"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	StallTimeout        time.Duration `mapstructure:"stall_timeout"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// MetricsConfig.WorkerAddr is the listen address of cmd/worker's metrics server.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	WorkerAddr string `mapstructure:"worker_addr"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return &config, nil
}

// Defaults returns a configuration usable without a config file.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.URL == "" {
		c.Database.URL = "file:shiftline.db"
	}
	if c.Database.MaxConnections <= 0 {
		c.Database.MaxConnections = 10
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.QueuePrefix == "" {
		c.Redis.QueuePrefix = "shiftline:queue"
	}
	if c.Redis.PollInterval <= 0 {
		c.Redis.PollInterval = 500 * time.Millisecond
	}
	if c.Redis.JobLease <= 0 {
		c.Redis.JobLease = 2 * time.Minute
	}
	if c.Webhooks.ProductName == "" {
		c.Webhooks.ProductName = "Shiftline"
	}
	if c.Webhooks.WorkerCount <= 0 {
		c.Webhooks.WorkerCount = 4
	}
	if c.Webhooks.MaxAttempts <= 0 {
		c.Webhooks.MaxAttempts = 6
	}
	if c.Webhooks.RequestTimeout <= 0 {
		c.Webhooks.RequestTimeout = 30 * time.Second
	}
	if c.Webhooks.DisableThreshold <= 0 {
		c.Webhooks.DisableThreshold = 10
	}
	if c.Webhooks.ResponseBodyLimit <= 0 {
		c.Webhooks.ResponseBodyLimit = 10 * 1024
	}
	if c.Webhooks.SweepInterval <= 0 {
		c.Webhooks.SweepInterval = time.Minute
	}
	if c.Webhooks.StallTimeout <= 0 {
		c.Webhooks.StallTimeout = 5 * time.Minute
	}
	if c.Webhooks.StallTimeout < 2*c.Webhooks.RequestTimeout {
		c.Webhooks.StallTimeout = 2 * c.Webhooks.RequestTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.WorkerAddr == "" {
		c.Metrics.WorkerAddr = ":9091"
	}
}
