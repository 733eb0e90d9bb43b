package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS ingest_records (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		blob BLOB,
		payload TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);`,
	`CREATE TABLE IF NOT EXISTS ingest_audit (
		id TEXT PRIMARY KEY,
		at INTEGER NOT NULL,
		source TEXT NOT NULL,
		kind TEXT NOT NULL,
		status_code INTEGER,
		error_class TEXT,
		attempt INTEGER,
		message TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_audit_at ON ingest_audit(at);`,
}

// SQLStore persists records in an embedded libsql database file.
type SQLStore struct {
	DB *sql.DB
}

// OpenSQL opens a libsql database. path may be ":memory:", a file path, or a
// "file:" / "libsql:" URL.
func OpenSQL(ctx context.Context, path string) (*SQLStore, error) {
	dsn, err := buildLibsqlDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverLibsql, dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping libsql store: %w", err)
	}
	return &SQLStore{DB: db}, nil
}

func buildLibsqlDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("libsql path is required")
	case path == ":memory:", strings.HasPrefix(path, "libsql:"), strings.HasPrefix(path, "file:"):
		return path, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create store dir: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqlSchema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}
	return nil
}

// ReadAll returns every record in namespace ordered by key.
func (s *SQLStore) ReadAll(ctx context.Context, namespace string) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT key, blob, payload, updated_at
		FROM ingest_records
		WHERE namespace = ?
		ORDER BY key
	`, namespace)
	if err != nil {
		storeErrors.WithLabelValues(driverLibsql, "read_all").Inc()
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var rec Record
		if err := scanSQLRecord(rows, &rec); err != nil {
			storeErrors.WithLabelValues(driverLibsql, "read_all").Inc()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		storeErrors.WithLabelValues(driverLibsql, "read_all").Inc()
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Read returns one record or ErrNotFound.
func (s *SQLStore) Read(ctx context.Context, namespace, key string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT key, blob, payload, updated_at
		FROM ingest_records
		WHERE namespace = ? AND key = ?
	`, namespace, key)

	var rec Record
	if err := scanSQLRecord(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		storeErrors.WithLabelValues(driverLibsql, "read").Inc()
		return nil, err
	}
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLRecord(row scanner, rec *Record) error {
	var (
		blob      []byte
		payload   sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&rec.Key, &blob, &payload, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("scan record: %w", err)
	}
	if len(blob) > 0 {
		rec.Blob = blob
	}
	if payload.Valid && payload.String != "" {
		rec.Payload = []byte(payload.String)
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return nil
}

// Upsert inserts or replaces a record.
func (s *SQLStore) Upsert(ctx context.Context, namespace string, rec Record) error {
	if err := validate(namespace, rec.Key); err != nil {
		return err
	}

	var payload sql.NullString
	if rec.Payload != nil {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO ingest_records (namespace, key, blob, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			blob = excluded.blob,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, namespace, rec.Key, rec.Blob, payload, time.Now().UTC().UnixMilli())
	if err != nil {
		storeErrors.WithLabelValues(driverLibsql, "upsert").Inc()
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Delete removes a record if present.
func (s *SQLStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validate(namespace, key); err != nil {
		return err
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM ingest_records WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		storeErrors.WithLabelValues(driverLibsql, "delete").Inc()
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Append implements AuditSink on the same database.
func (s *SQLStore) Append(ctx context.Context, ev AuditEvent) error {
	ev = withID(ev)
	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO ingest_audit (id, at, source, kind, status_code, error_class, attempt, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.At.UTC().UnixMilli(), ev.Source, ev.Kind, ev.StatusCode, ev.ErrorClass, ev.Attempt, ev.Message)
	if err != nil {
		storeErrors.WithLabelValues(driverLibsql, "audit").Inc()
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
