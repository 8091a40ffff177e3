package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchardproj/orchard/pkg/lock"
)

const lockKeyPrefix = "orchard:lock:"

// RedisLockStore implements lock.RecordStore on Redis for deployments where
// several orchestrator processes share the lock space. Records are JSON
// values created with SET NX.
type RedisLockStore struct {
	client *redis.Client
}

type redisLockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NewRedisLockStore creates a RedisLockStore from a Redis URL.
func NewRedisLockStore(redisURL string) (*RedisLockStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisLockStore{client: redis.NewClient(opts)}, nil
}

// Ping verifies the Redis connection.
func (s *RedisLockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisLockStore) Close() error {
	return s.client.Close()
}

func lockKey(resource string) string {
	return lockKeyPrefix + resource
}

// FindRecord returns the lock record for a resource, or nil when absent.
func (s *RedisLockStore) FindRecord(ctx context.Context, resource string) (*lock.Record, error) {
	val, err := s.client.Get(ctx, lockKey(resource)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lock record: %w", err)
	}

	var rec redisLockRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode lock record: %w", err)
	}

	return &lock.Record{
		Resource:   resource,
		Owner:      rec.Owner,
		AcquiredAt: rec.AcquiredAt,
	}, nil
}

// CreateRecord stores a lock record with SET NX, which is an atomic
// create-if-absent. An existing key maps to lock.ErrRecordExists.
func (s *RedisLockStore) CreateRecord(ctx context.Context, record *lock.Record) error {
	val, err := json.Marshal(redisLockRecord{
		Owner:      record.Owner,
		AcquiredAt: record.AcquiredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}

	// No TTL: locks are held until released, matching the SQLite backend.
	created, err := s.client.SetNX(ctx, lockKey(record.Resource), val, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create lock record: %w", err)
	}
	if !created {
		return lock.ErrRecordExists
	}

	return nil
}

// DeleteRecord removes the lock record for a resource. It reports whether a
// record was deleted.
func (s *RedisLockStore) DeleteRecord(ctx context.Context, resource string) (bool, error) {
	deleted, err := s.client.Del(ctx, lockKey(resource)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete lock record: %w", err)
	}
	return deleted > 0, nil
}

// ListLockRecords scans the lock keyspace and returns all held records.
func (s *RedisLockStore) ListLockRecords(ctx context.Context) ([]lock.Record, error) {
	records := []lock.Record{}

	iter := s.client.Scan(ctx, 0, lockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		resource := key[len(lockKeyPrefix):]
		rec, err := s.FindRecord(ctx, resource)
		if err != nil {
			return nil, err
		}
		// A record deleted between scan and fetch is skipped.
		if rec == nil {
			continue
		}
		records = append(records, *rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan lock records: %w", err)
	}

	return records, nil
}
