// Package store persists the small set of records the ingest core owns:
// exclusion buckets, batch progress, stored item payloads and the append-only
// audit trail. Every backend satisfies the same key→blob contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespaces used by the core.
const (
	NamespaceExclusion = "exclusion"
	NamespaceCursor    = "cursor"
	NamespaceItems     = "items"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord indicates a record without a key or namespace.
	ErrInvalidRecord = errors.New("invalid record")
)

// storeErrors tracks persistence failures by backend and operation.
var storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_store_errors_total",
	Help: "Total number of persistence operation errors",
}, []string{"backend", "operation"})

// Record is one persisted key→blob row.
type Record struct {
	// Key is unique within a namespace.
	Key string `json:"key"`

	// Blob is an opaque binary value (for example a bitmap).
	Blob []byte `json:"blob,omitempty"`

	// Payload is a small structured JSON document.
	Payload []byte `json:"payload,omitempty"`

	// UpdatedAt is set by the backend on upsert.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the key→blob persistence contract.
type Store interface {
	// ReadAll returns every record in a namespace in unspecified order.
	ReadAll(ctx context.Context, namespace string) ([]Record, error)

	// Read returns a single record or ErrNotFound.
	Read(ctx context.Context, namespace, key string) (*Record, error)

	// Upsert inserts or replaces a record.
	Upsert(ctx context.Context, namespace string, rec Record) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, namespace, key string) error
}

// AuditEvent is one entry in the append-only audit trail.
type AuditEvent struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Source     string    `json:"source"`
	Kind       string    `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// AuditSink appends audit events.
type AuditSink interface {
	Append(ctx context.Context, ev AuditEvent) error
}

func validate(namespace, key string) error {
	if namespace == "" || key == "" {
		return ErrInvalidRecord
	}
	return nil
}
