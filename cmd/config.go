package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/porthorian/planauth"
	"github.com/porthorian/planauth/pkg/refresh"
)

// cliConfig is the on-disk CLI configuration. Values are resolved in the
// order flag > PLANAUTH_* environment variable > config file > default.
type cliConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       string        `yaml:"timeout"`
	ExpiredStatus int           `yaml:"expired_status"`
	RefreshPath   string        `yaml:"refresh_path"`
	LogLevel      string        `yaml:"log_level"`
	Renewal       renewalConfig `yaml:"renewal"`
	Storage       storageConfig `yaml:"storage"`
}

type renewalConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
}

type storageConfig struct {
	Backend  string         `yaml:"backend"`
	File     fileConfig     `yaml:"file"`
	Redis    redisConfig    `yaml:"redis"`
	Postgres postgresConfig `yaml:"postgres"`
}

type fileConfig struct {
	Path string `yaml:"path"`
}

type redisConfig struct {
	Address   string `yaml:"address"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Database  int    `yaml:"database"`
	Namespace string `yaml:"namespace"`
}

type postgresConfig struct {
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
}

func defaultCLIConfig() *cliConfig {
	sessionPath := "planauth-session.cbor"
	if dir, err := os.UserConfigDir(); err == nil {
		sessionPath = filepath.Join(dir, "planauth", "session.cbor")
	}

	return &cliConfig{
		BaseURL:  "http://localhost:5001",
		Timeout:  "10s",
		LogLevel: "error",
		Renewal: renewalConfig{
			MaxAttempts: 1,
		},
		Storage: storageConfig{
			Backend: string(planauth.StorageBackendFile),
			File:    fileConfig{Path: sessionPath},
		},
	}
}

// loadCLIConfig reads path, or PLANAUTH_CONFIG when path is empty, over the
// defaults and then applies environment overrides. A missing config file is
// only an error when it was named explicitly.
func loadCLIConfig(path string) (*cliConfig, error) {
	cfg := defaultCLIConfig()

	explicit := path != ""
	if path == "" {
		path = lookupEnv("PLANAUTH_CONFIG")
		explicit = path != ""
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cliConfig) applyEnv() error {
	setString := func(key string, target *string) {
		if value := lookupEnv(key); value != "" {
			*target = value
		}
	}

	setString("PLANAUTH_BASE_URL", &c.BaseURL)
	setString("PLANAUTH_TIMEOUT", &c.Timeout)
	setString("PLANAUTH_REFRESH_PATH", &c.RefreshPath)
	setString("PLANAUTH_LOG_LEVEL", &c.LogLevel)
	setString("PLANAUTH_STORAGE", &c.Storage.Backend)
	setString("PLANAUTH_SESSION_FILE", &c.Storage.File.Path)
	setString("PLANAUTH_REDIS_ADDR", &c.Storage.Redis.Address)
	setString("PLANAUTH_REDIS_PASSWORD", &c.Storage.Redis.Password)
	setString("PLANAUTH_REDIS_NAMESPACE", &c.Storage.Redis.Namespace)
	setString("PLANAUTH_POSTGRES_DSN", &c.Storage.Postgres.DSN)

	if value := lookupEnv("PLANAUTH_EXPIRED_STATUS"); value != "" {
		status, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid PLANAUTH_EXPIRED_STATUS %q: %w", value, err)
		}
		c.ExpiredStatus = status
	}
	return nil
}

func (c *cliConfig) clientConfig(logger logr.Logger) (planauth.Config, error) {
	timeout, err := parseDuration("timeout", c.Timeout)
	if err != nil {
		return planauth.Config{}, err
	}
	backoff, err := parseDuration("renewal.backoff", c.Renewal.Backoff)
	if err != nil {
		return planauth.Config{}, err
	}

	return planauth.Config{
		BaseURL:       c.BaseURL,
		Timeout:       timeout,
		ExpiredStatus: c.ExpiredStatus,
		RefreshPath:   c.RefreshPath,
		Renewal: refresh.RetryPolicy{
			MaxAttempts: c.Renewal.MaxAttempts,
			Backoff:     backoff,
		},
		Logger: logger,
		Runtime: planauth.RuntimeConfig{
			Storage: planauth.StorageConfig{
				Backend: planauth.StorageBackend(strings.ToLower(c.Storage.Backend)),
				File:    planauth.FileStorageConfig{Path: c.Storage.File.Path},
				Redis: planauth.RedisStorageConfig{
					Address:   c.Storage.Redis.Address,
					Username:  c.Storage.Redis.Username,
					Password:  c.Storage.Redis.Password,
					Database:  c.Storage.Redis.Database,
					Namespace: c.Storage.Redis.Namespace,
				},
				Postgres: planauth.PostgresConfig{
					DSN:       c.Storage.Postgres.DSN,
					Namespace: c.Storage.Postgres.Namespace,
				},
			},
		},
	}, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}

// newLogger builds a JSON logger. debug maps to logr V(1), trace to V(2).
func newLogger(level string, w io.Writer) logr.Logger {
	lvl := slog.LevelError

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		lvl = slog.Level(-2)
	case "debug":
		lvl = slog.Level(-1)
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	return logr.FromSlogHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
