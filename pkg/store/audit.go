package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewAuditEvent returns an event with a fresh id.
func NewAuditEvent(at time.Time, source, kind string) AuditEvent {
	return AuditEvent{
		ID:     uuid.NewString(),
		At:     at.UTC(),
		Source: source,
		Kind:   kind,
	}
}

// MemoryAuditSink keeps audit events in memory. Useful for tests and
// development; events are lost on restart.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryAuditSink creates an empty in-memory audit sink.
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

// Append records an event.
func (s *MemoryAuditSink) Append(_ context.Context, ev AuditEvent) error {
	ev = withID(ev)
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of all recorded events.
func (s *MemoryAuditSink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

func withID(ev AuditEvent) AuditEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}
