package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// DefaultRedisPrefix namespaces every key written by the Redis backends.
const DefaultRedisPrefix = "ingest"

// RedisStore keeps each record in a hash and tracks the keys of a namespace
// in a set so ReadAll does not need SCAN.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) recordKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, namespace, key)
}

func (s *RedisStore) indexKey(namespace string) string {
	return fmt.Sprintf("%s:%s:_keys", s.prefix, namespace)
}

// ReadAll returns every record in namespace.
func (s *RedisStore) ReadAll(ctx context.Context, namespace string) ([]Record, error) {
	keys, err := s.redis.SMembers(ctx, s.indexKey(namespace)).Result()
	if err != nil {
		storeErrors.WithLabelValues(backendRedis, "read_all").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(keys) == 0 {
		return []Record{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(namespace, key))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		storeErrors.WithLabelValues(backendRedis, "read_all").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	out := make([]Record, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Index entry without a hash: a delete raced us.
			continue
		}
		out = append(out, recordFromHash(keys[i], fields))
	}
	return out, nil
}

// Read returns one record or ErrNotFound.
func (s *RedisStore) Read(ctx context.Context, namespace, key string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(namespace, key)).Result()
	if err != nil {
		storeErrors.WithLabelValues(backendRedis, "read").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec := recordFromHash(key, fields)
	return &rec, nil
}

// Upsert writes the record hash and its index entry in one transaction.
func (s *RedisStore) Upsert(ctx context.Context, namespace string, rec Record) error {
	if err := validate(namespace, rec.Key); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordKey(namespace, rec.Key),
			"blob", rec.Blob,
			"payload", rec.Payload,
			"updated_at", now.UnixMilli(),
		)
		pipe.SAdd(ctx, s.indexKey(namespace), rec.Key)
		return nil
	})
	if err != nil {
		storeErrors.WithLabelValues(backendRedis, "upsert").Inc()
		return fmt.Errorf("redis upsert: %w", err)
	}
	return nil
}

// Delete removes the record hash and its index entry.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validate(namespace, key); err != nil {
		return err
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(namespace, key))
		pipe.SRem(ctx, s.indexKey(namespace), key)
		return nil
	})
	if err != nil {
		storeErrors.WithLabelValues(backendRedis, "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}

func recordFromHash(key string, fields map[string]string) Record {
	rec := Record{Key: key}
	if v := fields["blob"]; v != "" {
		rec.Blob = []byte(v)
	}
	if v := fields["payload"]; v != "" {
		rec.Payload = []byte(v)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec
}

// RedisAuditSink appends audit events to a capped Redis stream.
type RedisAuditSink struct {
	redis  *redis.Client
	stream string
	maxLen int64
}

// NewRedisAuditSink creates a sink writing to "<prefix>:audit", keeping
// roughly the newest maxLen entries (0 keeps everything).
func NewRedisAuditSink(client *redis.Client, prefix string, maxLen int64) *RedisAuditSink {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisAuditSink{redis: client, stream: prefix + ":audit", maxLen: maxLen}
}

// Append adds one event with XADD.
func (s *RedisAuditSink) Append(ctx context.Context, ev AuditEvent) error {
	ev = withID(ev)
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":          ev.ID,
			"at":          ev.At.UTC().Format(time.RFC3339Nano),
			"source":      ev.Source,
			"kind":        ev.Kind,
			"status_code": ev.StatusCode,
			"error_class": ev.ErrorClass,
			"attempt":     ev.Attempt,
			"message":     ev.Message,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.redis.XAdd(ctx, args).Err(); err != nil {
		storeErrors.WithLabelValues(backendRedis, "audit").Inc()
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Stream returns the stream key events are written to.
func (s *RedisAuditSink) Stream() string {
	return s.stream
}
