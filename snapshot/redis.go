/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-governor/log"
)

// DefaultRedisKey is the default Redis key of the list holding the snapshot.
const DefaultRedisKey = "governor:cache:snapshot"

// RedisStorage stores a snapshot as a Redis list, one JSON-encoded entry per item.
type RedisStorage struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger log.FieldLogger
}

var _ Storage = (*RedisStorage)(nil)

// RedisStorageOpts represents options for the RedisStorage.
type RedisStorageOpts struct {
	// Key is the name of the Redis list. DefaultRedisKey is used if empty.
	Key string

	// TTL is set on the list after every Save. Zero means no expiration.
	TTL time.Duration

	// Logger is used for reporting skipped malformed items. Disabled by default.
	Logger log.FieldLogger
}

// NewRedisStorage creates a new RedisStorage with the given client.
func NewRedisStorage(client redis.UniversalClient) *RedisStorage {
	return NewRedisStorageWithOpts(client, RedisStorageOpts{})
}

// NewRedisStorageWithOpts creates a new RedisStorage with the given client and options.
func NewRedisStorageWithOpts(client redis.UniversalClient, opts RedisStorageOpts) *RedisStorage {
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	return &RedisStorage{client: client, key: opts.Key, ttl: opts.TTL, logger: log.OrDisabled(opts.Logger)}
}

type redisItem struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Save replaces the list with the given entries in a single MULTI/EXEC transaction.
func (rs *RedisStorage) Save(ctx context.Context, entries []Entry) error {
	items := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(redisItem{Key: entry.Key, Value: entry.Value, Timestamp: entry.Timestamp})
		if err != nil {
			return fmt.Errorf("marshal snapshot entry %s: %w", entry.Key, err)
		}
		items = append(items, data)
	}

	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rs.key)
		if len(items) == 0 {
			return nil
		}
		pipe.RPush(ctx, rs.key, items...)
		if rs.ttl > 0 {
			pipe.Expire(ctx, rs.key, rs.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot to redis list %q: %w", rs.key, err)
	}
	return nil
}

// Load reads all list items in order. Items that cannot be decoded are skipped.
func (rs *RedisStorage) Load(ctx context.Context) ([]Entry, error) {
	items, err := rs.client.LRange(ctx, rs.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshot from redis list %q: %w", rs.key, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	entries := make([]Entry, 0, len(items))
	for i, item := range items {
		var ri redisItem
		if err = json.Unmarshal([]byte(item), &ri); err != nil || ri.Key == "" || len(ri.Value) == 0 || ri.Timestamp.IsZero() {
			rs.logger.Warn("skipping malformed snapshot item", log.Int("index", i), log.String("redis_key", rs.key))
			continue
		}
		entries = append(entries, Entry{Key: ri.Key, Value: ri.Value, Timestamp: ri.Timestamp})
	}
	return entries, nil
}
