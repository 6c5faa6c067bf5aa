// Package config loads and validates fetch pool configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetchpool/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	FailedLog FailedLogConfig `mapstructure:"failed_log"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ServerConfig controls the control API listener.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// PoolConfig sizes the worker pool and its retry policy.
type PoolConfig struct {
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// HTTPConfig configures each fetch attempt.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// ProxyConfig describes the provisioning service and rotation thresholds.
type ProxyConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Endpoint         string        `mapstructure:"endpoint"`
	SecretID         string        `mapstructure:"secret_id"`
	Signature        string        `mapstructure:"signature"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	PoolSize         int           `mapstructure:"pool_size"`
	MaxErrors        int           `mapstructure:"max_errors"`
	ProvisionRetries int           `mapstructure:"provision_retries"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
}

// FailedLogConfig points at the append-only record of exhausted tasks.
type FailedLogConfig struct {
	Path string `mapstructure:"path"`
}

// DBConfig enables the optional Postgres mirror of the failed-task log.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	FailedTable     string        `mapstructure:"failed_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	InsertTimeout   time.Duration `mapstructure:"insert_timeout"`
}

// StorageConfig selects where fetched bodies are written by the built-in handler.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.max_retries", 3)
	v.SetDefault("pool.backoff", "1s")
	v.SetDefault("http.timeout", "10s")
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.endpoint", "")
	v.SetDefault("proxy.secret_id", "")
	v.SetDefault("proxy.signature", "")
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.pool_size", 10)
	v.SetDefault("proxy.max_errors", 3)
	v.SetDefault("proxy.provision_retries", 3)
	v.SetDefault("proxy.provision_timeout", "10s")
	v.SetDefault("failed_log.path", "failed_urls.txt")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.failed_table", "failed_tasks")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.insert_timeout", "5s")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local_dir", "data/bodies")
	v.SetDefault("storage.prefix", "bodies")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.report_interval", "5s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dir", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0")
	}
	if c.Pool.MaxRetries <= 0 {
		return fmt.Errorf("pool.max_retries must be > 0")
	}
	if c.Pool.Backoff < 0 {
		return fmt.Errorf("pool.backoff must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.FailedLog.Path == "" {
		return fmt.Errorf("failed_log.path is required")
	}
	if c.Proxy.Enabled {
		if c.Proxy.Endpoint == "" {
			return fmt.Errorf("proxy.endpoint must be set when proxy is enabled")
		}
		if c.Proxy.PoolSize <= 0 {
			return fmt.Errorf("proxy.pool_size must be > 0 when proxy is enabled")
		}
		if c.Proxy.MaxErrors <= 0 {
			return fmt.Errorf("proxy.max_errors must be > 0 when proxy is enabled")
		}
	}
	switch c.Storage.Backend {
	case "", "memory", "local", "none":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// AttemptBudget is the longest a single task can occupy a worker.
func (c Config) AttemptBudget() time.Duration {
	return time.Duration(c.Pool.MaxRetries) * (c.HTTP.Timeout + c.Pool.Backoff)
}
