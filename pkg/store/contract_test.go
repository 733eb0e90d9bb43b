package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	bitmap := make([]byte, 1024)
	bitmap[0], bitmap[1023] = 0x81, 0xff

	_, err := s.Read(ctx, NamespaceExclusion, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Upsert(ctx, NamespaceExclusion, Record{
		Key:     "3",
		Blob:    bitmap,
		Payload: []byte(`{"total":9,"counts":{"manual_exclusion":9}}`),
	}))
	require.NoError(t, s.Upsert(ctx, NamespaceExclusion, Record{Key: "1", Blob: bitmap}))
	require.NoError(t, s.Upsert(ctx, NamespaceCursor, Record{Key: "catalog", Payload: []byte(`{"total_processed":5}`)}))

	rec, err := s.Read(ctx, NamespaceExclusion, "3")
	require.NoError(t, err)
	require.Equal(t, bitmap, rec.Blob)
	require.JSONEq(t, `{"total":9,"counts":{"manual_exclusion":9}}`, string(rec.Payload))
	require.WithinDuration(t, time.Now(), rec.UpdatedAt, time.Minute)

	all, err := s.ReadAll(ctx, NamespaceExclusion)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Upsert(ctx, NamespaceExclusion, Record{Key: "3", Blob: bitmap, Payload: []byte(`{"total":1}`)}))
	rec, err = s.Read(ctx, NamespaceExclusion, "3")
	require.NoError(t, err)
	require.JSONEq(t, `{"total":1}`, string(rec.Payload))

	require.NoError(t, s.Delete(ctx, NamespaceExclusion, "3"))
	require.NoError(t, s.Delete(ctx, NamespaceExclusion, "3"))

	all, err = s.ReadAll(ctx, NamespaceExclusion)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "1", all[0].Key)
	require.Nil(t, all[0].Payload)

	all, err = s.ReadAll(ctx, NamespaceItems)
	require.NoError(t, err)
	require.Empty(t, all)

	require.ErrorIs(t, s.Upsert(ctx, NamespaceItems, Record{}), ErrInvalidRecord)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}
