package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.Equal(t, DriverMemory, b.Driver)
	require.IsType(t, &MemoryStore{}, b.Store)
	require.IsType(t, &MemoryAuditSink{}, b.Audit)
	require.NoError(t, b.Close())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "cassandra"})
	require.ErrorContains(t, err, "unsupported store driver")
}

func TestBuildLibsqlDSN(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"memory", ":memory:", ":memory:"},
		{"file url", "file:/tmp/x.db", "file:/tmp/x.db"},
		{"remote", "libsql://db.example.com", "libsql://db.example.com"},
		{"plain path", dir + "/nested/ingest.db", "file:" + dir + "/nested/ingest.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildLibsqlDSN(tt.path)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := buildLibsqlDSN("  ")
	require.Error(t, err)
	require.DirExists(t, dir+"/nested")
}
