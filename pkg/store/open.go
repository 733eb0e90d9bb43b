package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Supported drivers for Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverLibsql   = "libsql"
)

// Config selects and configures a backend.
type Config struct {
	Driver string `mapstructure:"driver"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
	AuditMaxLen   int64  `mapstructure:"audit_max_len"`

	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int    `mapstructure:"postgres_max_conns"`

	LibsqlPath string `mapstructure:"libsql_path"`
}

// Backend bundles a Store with the audit sink living next to it.
type Backend struct {
	Store  Store
	Audit  AuditSink
	Driver string

	// Redis is the client of the redis driver, nil for other drivers.
	Redis *redis.Client

	closer io.Closer
}

// Close releases backend resources.
func (b *Backend) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Open connects the configured backend and, for SQL backends, runs Migrate.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return &Backend{Store: NewMemoryStore(), Audit: NewMemoryAuditSink(), Driver: driver}, nil

	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		st := NewRedisStore(client, cfg.RedisPrefix)
		return &Backend{
			Store:  st,
			Audit:  NewRedisAuditSink(client, cfg.RedisPrefix, cfg.AuditMaxLen),
			Driver: driver,
			Redis:  client,
			closer: st,
		}, nil

	case DriverPostgres:
		st, err := OpenPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return &Backend{Store: st, Audit: st, Driver: driver, closer: st}, nil

	case DriverLibsql:
		st, err := OpenSQL(ctx, cfg.LibsqlPath)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return &Backend{Store: st, Audit: st, Driver: driver, closer: st}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
