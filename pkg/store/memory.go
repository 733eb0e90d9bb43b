package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Record
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]Record),
		now:  time.Now,
	}
}

// ReadAll returns every record in namespace ordered by key.
func (s *MemoryStore) ReadAll(ctx context.Context, namespace string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.data[namespace]))
	for _, rec := range s.data[namespace] {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Read returns one record or ErrNotFound.
func (s *MemoryStore) Read(ctx context.Context, namespace, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

// Upsert inserts or replaces a record.
func (s *MemoryStore) Upsert(ctx context.Context, namespace string, rec Record) error {
	if err := validate(namespace, rec.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec = cloneRecord(rec)
	rec.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]Record)
		s.data[namespace] = ns
	}
	ns[rec.Key] = rec
	return nil
}

// Delete removes a record if present.
func (s *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validate(namespace, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data[namespace], key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Blob != nil {
		out.Blob = append([]byte(nil), rec.Blob...)
	}
	if rec.Payload != nil {
		out.Payload = append([]byte(nil), rec.Payload...)
	}
	return out
}
