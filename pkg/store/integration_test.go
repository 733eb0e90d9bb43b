//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// setupPostgres starts a Postgres container and returns its DSN
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ingest",
				"POSTGRES_PASSWORD": "ingest",
				"POSTGRES_DB":       "ingest",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://ingest:ingest@%s/ingest?sslmode=disable", endpoint)
}

func TestRedisStore_Integration_Contract(t *testing.T) {
	client := setupRedis(t)
	runStoreContract(t, NewRedisStore(client, "test"))
}

func TestRedisAuditSink_Integration(t *testing.T) {
	ctx := context.Background()
	client := setupRedis(t)
	sink := NewRedisAuditSink(client, "test", 100)

	ev := NewAuditEvent(time.Now(), "igdb", "upstream_fault")
	ev.StatusCode = 502
	require.NoError(t, sink.Append(ctx, ev))

	entries, err := client.XRange(ctx, sink.Stream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ev.ID, entries[0].Values["id"])
	require.Equal(t, "502", entries[0].Values["status_code"])
}

func TestPostgresStore_Integration_Contract(t *testing.T) {
	ctx := context.Background()
	dsn := setupPostgres(t)

	b, err := Open(ctx, Config{Driver: DriverPostgres, PostgresDSN: dsn})
	require.NoError(t, err)
	defer b.Close()

	runStoreContract(t, b.Store)

	pg := b.Store.(*PostgresStore)
	require.NoError(t, pg.Migrate(ctx), "migrate is idempotent")
	require.NoError(t, b.Audit.Append(ctx, NewAuditEvent(time.Now(), "igdb", "upstream_fault")))
	require.NoError(t, b.Audit.Append(ctx, AuditEvent{At: time.Now(), Source: "igdb", Kind: "manual"}))
}
