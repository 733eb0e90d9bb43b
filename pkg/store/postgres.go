package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const backendPostgres = "postgres"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ingest_records (
		namespace  TEXT        NOT NULL,
		key        TEXT        NOT NULL,
		blob       BYTEA,
		payload    JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (namespace, key)
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_audit (
		id          UUID PRIMARY KEY,
		at          TIMESTAMPTZ NOT NULL,
		source      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		status_code INTEGER,
		error_class TEXT,
		attempt     INTEGER,
		message     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_audit_at ON ingest_audit (at)`,
}

// PostgresStore persists records in a single table keyed by
// (namespace, key). Payloads must be valid JSON.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool with at most maxConns connections.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migration failed: %w", err)
		}
	}
	return nil
}

// ReadAll returns every record in namespace ordered by key.
func (s *PostgresStore) ReadAll(ctx context.Context, namespace string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, blob, payload, updated_at
		FROM ingest_records
		WHERE namespace = $1
		ORDER BY key`, namespace)
	if err != nil {
		storeErrors.WithLabelValues(backendPostgres, "read_all").Inc()
		return nil, fmt.Errorf("query records: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.Key, &rec.Blob, &rec.Payload, &rec.UpdatedAt)
		return rec, err
	})
	if err != nil {
		storeErrors.WithLabelValues(backendPostgres, "read_all").Inc()
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return recs, nil
}

// Read returns one record or ErrNotFound.
func (s *PostgresStore) Read(ctx context.Context, namespace, key string) (*Record, error) {
	rec := Record{Key: key}
	err := s.pool.QueryRow(ctx, `
		SELECT blob, payload, updated_at
		FROM ingest_records
		WHERE namespace = $1 AND key = $2`, namespace, key).
		Scan(&rec.Blob, &rec.Payload, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		storeErrors.WithLabelValues(backendPostgres, "read").Inc()
		return nil, fmt.Errorf("read record: %w", err)
	}
	return &rec, nil
}

// Upsert inserts or replaces a record.
func (s *PostgresStore) Upsert(ctx context.Context, namespace string, rec Record) error {
	if err := validate(namespace, rec.Key); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_records (namespace, key, blob, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, key) DO UPDATE
		SET blob = EXCLUDED.blob,
		    payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at`,
		namespace, rec.Key, rec.Blob, rec.Payload, time.Now().UTC())
	if err != nil {
		storeErrors.WithLabelValues(backendPostgres, "upsert").Inc()
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Delete removes a record if present.
func (s *PostgresStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validate(namespace, key); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM ingest_records WHERE namespace = $1 AND key = $2`, namespace, key); err != nil {
		storeErrors.WithLabelValues(backendPostgres, "delete").Inc()
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Append implements AuditSink on the same pool.
func (s *PostgresStore) Append(ctx context.Context, ev AuditEvent) error {
	ev = withID(ev)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_audit (id, at, source, kind, status_code, error_class, attempt, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.At.UTC(), ev.Source, ev.Kind, ev.StatusCode, ev.ErrorClass, ev.Attempt, ev.Message)
	if err != nil {
		storeErrors.WithLabelValues(backendPostgres, "audit").Inc()
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
