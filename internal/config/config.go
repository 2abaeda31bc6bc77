// Package config loads and validates application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Queue    QueueConfig    `koanf:"queue"`
	SMTP     SMTPConfig     `koanf:"smtp"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gt=0"`
	Migrate         bool          `koanf:"migrate"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// QueueConfig contains queue processing settings.
type QueueConfig struct {
	BatchSize          int           `koanf:"batch_size" validate:"gt=0"`
	MaxAttempts        int           `koanf:"max_attempts" validate:"gt=0"`
	Parallelism        int           `koanf:"parallelism" validate:"gt=0"`
	BaseDelay          time.Duration `koanf:"base_delay" validate:"gt=0"`
	MaxDelay           time.Duration `koanf:"max_delay" validate:"gt=0"`
	RunBudget          time.Duration `koanf:"run_budget" validate:"gt=0"`
	StaleLockThreshold time.Duration `koanf:"stale_lock_threshold" validate:"gt=0"`
}

// SMTPConfig contains delivery gateway settings.
type SMTPConfig struct {
	Host        string        `koanf:"host" validate:"required"`
	Port        int           `koanf:"port"`
	User        string        `koanf:"user"`
	Password    string        `koanf:"password"`
	FromAddress string        `koanf:"from_address" validate:"required"`
	RateLimit   float64       `koanf:"rate_limit" validate:"gte=0"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// Default returns configuration defaults. File and environment values are
// merged on top.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			Migrate:         true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			BatchSize:          100,
			MaxAttempts:        3,
			Parallelism:        5,
			BaseDelay:          1 * time.Second,
			MaxDelay:           5 * time.Minute,
			RunBudget:          30 * time.Second,
			StaleLockThreshold: 10 * time.Minute,
		},
		SMTP: SMTPConfig{
			Port:        587,
			DialTimeout: 10 * time.Second,
		},
	}
}

// envPrefix is the prefix for environment overrides. Double underscore
// separates nesting levels so single underscores survive in key names,
// e.g. MAILFLOW_QUEUE__BATCH_SIZE -> queue.batch_size.
const envPrefix = "MAILFLOW_"

// Load reads configuration from an optional YAML file and the environment,
// merged over defaults, and validates the result. An empty path skips the
// file; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
