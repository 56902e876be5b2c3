package planauth

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/porthorian/planauth/pkg/metrics"
	"github.com/porthorian/planauth/pkg/storage/file"
	"github.com/porthorian/planauth/pkg/storage/memory"
	"github.com/porthorian/planauth/pkg/storage/postgres"
	redisstorage "github.com/porthorian/planauth/pkg/storage/redis"
	httptransport "github.com/porthorian/planauth/pkg/transport/http"
)

type StorageBackend string

const (
	StorageBackendNone     StorageBackend = "none"
	StorageBackendMemory   StorageBackend = "memory"
	StorageBackendFile     StorageBackend = "file"
	StorageBackendRedis    StorageBackend = "redis"
	StorageBackendPostgres StorageBackend = "postgres"
)

// RuntimeConfig selects the infrastructure the client builds for itself
// when the matching Config field is left nil.
type RuntimeConfig struct {
	Storage StorageConfig
}

type StorageConfig struct {
	Backend  StorageBackend
	File     FileStorageConfig
	Redis    RedisStorageConfig
	Postgres PostgresConfig
}

type FileStorageConfig struct {
	Path string
}

type RedisStorageConfig struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration
	PingTimeout time.Duration
}

type PostgresConfig struct {
	DriverName      string
	DSN             string
	Namespace       string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	OpenDB          func(driverName string, dsn string) (*sql.DB, error)
}

func (c Config) initialize(ctx context.Context) (func() error, Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	config := c
	config.Logger = resolveLogger(config.Logger)

	if config.Transport == nil {
		transport, err := httptransport.NewHTTPTransport(httptransport.HTTPTransportConfig{
			BaseURL: config.BaseURL,
			Client:  config.HTTPClient,
			Timeout: config.Timeout,
			Header:  config.Header,
		})
		if err != nil {
			return nil, Config{}, fmt.Errorf("planauth config: %w", err)
		}
		config.Transport = transport
		config.Logger.V(1).Info("initialized http transport", "base_url", transport.BaseURL())
	}

	if err := initializeMetrics(&config); err != nil {
		return nil, Config{}, err
	}

	closeStorage, config, err := initializeStorage(ctx, config)
	if err != nil {
		return nil, Config{}, err
	}

	return joinClosers(closeStorage), config, nil
}

func initializeMetrics(config *Config) error {
	if config.Metrics != nil || config.MetricsRegisterer == nil {
		config.Metrics = metrics.OrNoop(config.Metrics)
		return nil
	}

	recorder, err := metrics.NewPrometheus(config.MetricsRegisterer, config.MetricsNamespace)
	if err != nil {
		return fmt.Errorf("planauth config: failed to register metrics: %w", err)
	}
	config.Metrics = recorder
	config.Logger.V(1).Info("initialized prometheus metrics", "namespace", config.MetricsNamespace)
	return nil
}

func initializeStorage(ctx context.Context, config Config) (func() error, Config, error) {
	if config.Storage != nil {
		return noopCloser, config, nil
	}

	backend := config.Runtime.Storage.Backend
	if backend == "" {
		backend = StorageBackendNone
	}

	switch backend {
	case StorageBackendNone:
		return noopCloser, config, nil
	case StorageBackendMemory:
		config.Storage = memory.NewAdapter()
		config.Logger.V(1).Info("initialized memory storage backend")
		return noopCloser, config, nil
	case StorageBackendFile:
		return initializeFileStorage(config)
	case StorageBackendRedis:
		return initializeRedisStorage(ctx, config)
	case StorageBackendPostgres:
		return initializePostgres(ctx, config)
	default:
		return nil, Config{}, fmt.Errorf("planauth config: unsupported runtime.storage.backend %q", backend)
	}
}

func initializeFileStorage(config Config) (func() error, Config, error) {
	path := config.Runtime.Storage.File.Path
	if path == "" {
		return nil, Config{}, fmt.Errorf("planauth config: runtime.storage.file.path is required")
	}

	adapter, err := file.NewAdapter(path)
	if err != nil {
		return nil, Config{}, fmt.Errorf("planauth config: failed to initialize file storage: %w", err)
	}
	config.Storage = adapter
	config.Logger.V(1).Info("initialized file storage backend", "path", adapter.Path())
	return noopCloser, config, nil
}

func initializeRedisStorage(ctx context.Context, config Config) (func() error, Config, error) {
	redisConfig := config.Runtime.Storage.Redis
	if redisConfig.Address == "" {
		return nil, Config{}, fmt.Errorf("planauth config: runtime.storage.redis.address is required")
	}
	if redisConfig.DialTimeout <= 0 {
		redisConfig.DialTimeout = 5 * time.Second
	}
	if redisConfig.PingTimeout <= 0 {
		redisConfig.PingTimeout = 5 * time.Second
	}

	adapter := redisstorage.NewAdapter(redisstorage.Config{
		Address:     redisConfig.Address,
		Username:    redisConfig.Username,
		Password:    redisConfig.Password,
		Database:    redisConfig.Database,
		Namespace:   redisConfig.Namespace,
		DialTimeout: redisConfig.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisConfig.PingTimeout)
	defer cancel()
	if err := adapter.Ping(pingCtx); err != nil {
		_ = adapter.Close()
		return nil, Config{}, fmt.Errorf("planauth config: failed to ping redis: %w", err)
	}

	config.Storage = adapter
	config.Runtime.Storage.Redis = redisConfig
	config.Logger.V(1).Info("initialized redis storage backend", "address", redisConfig.Address, "database", redisConfig.Database, "namespace", redisConfig.Namespace)
	return adapter.Close, config, nil
}

func initializePostgres(ctx context.Context, config Config) (func() error, Config, error) {
	pgConfig := config.Runtime.Storage.Postgres
	if pgConfig.DSN == "" {
		return nil, Config{}, fmt.Errorf("planauth config: runtime.storage.postgres.dsn is required")
	}

	if pgConfig.DriverName == "" {
		pgConfig.DriverName = "pgx"
	}
	if pgConfig.PingTimeout <= 0 {
		pgConfig.PingTimeout = 5 * time.Second
	}
	if pgConfig.OpenDB == nil {
		pgConfig.OpenDB = sql.Open
	}

	db, err := pgConfig.OpenDB(pgConfig.DriverName, pgConfig.DSN)
	if err != nil {
		return nil, Config{}, fmt.Errorf("planauth config: failed to open postgres database: %w", err)
	}

	if pgConfig.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pgConfig.MaxOpenConns)
	}
	if pgConfig.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pgConfig.MaxIdleConns)
	}
	if pgConfig.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pgConfig.ConnMaxLifetime)
	}
	if pgConfig.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pgConfig.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pgConfig.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("planauth config: failed to ping postgres database: %w", err)
	}

	adapter, err := postgres.NewAdapter(db, pgConfig.Namespace)
	if err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("planauth config: failed to initialize postgres adapter: %w", err)
	}

	config.Storage = adapter
	config.Runtime.Storage.Postgres = pgConfig
	config.Logger.V(1).Info("initialized postgres storage backend", "driver", pgConfig.DriverName, "max_open_conns", pgConfig.MaxOpenConns, "max_idle_conns", pgConfig.MaxIdleConns)
	return joinClosers(db.Close, adapter.Close), config, nil
}

func joinClosers(closers ...func() error) func() error {
	return func() error {
		var errs []error

		for i := len(closers) - 1; i >= 0; i-- {
			if closers[i] == nil {
				continue
			}
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		return stderrors.Join(errs...)
	}
}

func noopCloser() error {
	return nil
}
