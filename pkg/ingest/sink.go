package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

// Sink durably stores fetched detail documents.
type Sink interface {
	Put(ctx context.Context, id int64, payload []byte) error
}

// StoreSink writes payloads into the items namespace of a store.
type StoreSink struct {
	store store.Store
}

// NewStoreSink creates a sink on st.
func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{store: st}
}

// Put upserts the payload keyed by id.
func (s *StoreSink) Put(ctx context.Context, id int64, payload []byte) error {
	rec := store.Record{Key: strconv.FormatInt(id, 10), Payload: payload}
	if err := s.store.Upsert(ctx, store.NamespaceItems, rec); err != nil {
		return fmt.Errorf("store item %d: %w", id, err)
	}
	return nil
}
