// Package config loads worklog settings from the config file and WORKLOG_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env     string
	Server  ServerConfig
	Storage StorageConfig
	Redis   RedisConfig
	LLM     LLMConfig
	Queue   QueueConfig
	DB      DBConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string
}

type StorageConfig struct {
	Driver  string // sqlite or postgres
	DataDir string
	DSN     string
}

// RedisConfig locates the cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type QueueConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ChunkDelay   time.Duration
}

type DBConfig struct {
	MaxRetries int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Queue: QueueConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    5,
			ChunkDelay:   2 * time.Second,
		},
		DB: DBConfig{
			MaxRetries: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file and environment variables.
//
// The file is $WORKLOG_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/worklog/config.yaml (config.json is used when only it
// exists). Keys may be written flat ("server.port: 4100") or nested.
// Secrets are only read from the environment.
//
// Environment variables (WORKLOG_*) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every setting that prevents the server from starting.
func (c Config) Validate() error {
	var errs []error
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		errs = append(errs, fmt.Errorf("env must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Env))
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.driver postgres needs WORKLOG_STORAGE_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize))
	}
	if c.IsProduction() {
		if c.Server.APIToken == "" {
			errs = append(errs, errors.New("missing required config: API token. Set WORKLOG_API_TOKEN"))
		}
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("missing required config: LLM API key. Set WORKLOG_LLM_API_KEY"))
		}
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool { return c.Env == EnvProduction }

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// SlogLevel maps Log.Level onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
