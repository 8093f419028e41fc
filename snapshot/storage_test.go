/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-governor/log/logtest"
)

func makeTestEntries() []Entry {
	ts := time.Date(2024, 5, 10, 9, 15, 0, 0, time.UTC)
	return []Entry{
		{Key: "c0ffee", Value: json.RawMessage(`{"answer":42}`), Timestamp: ts},
		{Key: "beef", Value: json.RawMessage(`"plain string"`), Timestamp: ts.Add(time.Second)},
		{Key: "0a0b", Value: json.RawMessage(`[1,2,3]`), Timestamp: ts.Add(2 * time.Second)},
	}
}

func requireEntriesEqual(t *testing.T, want, got []Entry) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Key, got[i].Key)
		require.JSONEq(t, string(want[i].Value), string(got[i].Value))
		require.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "timestamps differ: %s != %s", want[i].Timestamp, got[i].Timestamp)
	}
}

func TestStorages_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	sqliteStorage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStorage.Close() })

	storages := map[string]Storage{
		"file":   NewFileStorage(filepath.Join(t.TempDir(), "snapshot.json")),
		"sqlite": sqliteStorage,
		"redis":  NewRedisStorage(redisClient),
	}
	for name, storage := range storages {
		storage := storage
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			loaded, err := storage.Load(ctx)
			require.NoError(t, err)
			require.Empty(t, loaded)

			entries := makeTestEntries()
			require.NoError(t, storage.Save(ctx, entries))
			loaded, err = storage.Load(ctx)
			require.NoError(t, err)
			requireEntriesEqual(t, entries, loaded)

			// Save replaces the previous snapshot as a whole.
			require.NoError(t, storage.Save(ctx, entries[1:2]))
			loaded, err = storage.Load(ctx)
			require.NoError(t, err)
			requireEntriesEqual(t, entries[1:2], loaded)
		})
	}
}

func TestFileStorage_Format(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	storage := NewFileStorage(path)
	require.NoError(t, storage.Save(context.Background(), makeTestEntries()[:1]))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"c0ffee":{"value":{"answer":42},"timestamp":"2024-05-10T09:15:00Z"}}`, string(data))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	tmpFiles, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp"))
	require.NoError(t, err)
	require.Empty(t, tmpFiles)
}

func TestFileStorage_SkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	content := `{
		"first": {"value": 1, "timestamp": "2024-05-10T09:15:00Z"},
		"not-an-object": 42,
		"no-timestamp": {"value": 2},
		"bad-timestamp": {"value": 3, "timestamp": "yesterday"},
		"no-value": {"timestamp": "2024-05-10T09:15:00Z"},
		"last": {"value": {"k": "v"}, "timestamp": "2024-05-10T09:16:00Z"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	logRecorder := logtest.NewRecorder()
	storage := NewFileStorageWithOpts(path, FileStorageOpts{Logger: logRecorder})
	loaded, err := storage.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "first", loaded[0].Key)
	require.Equal(t, "last", loaded[1].Key)
	require.Len(t, logRecorder.FindAllEntries("skipping malformed snapshot entry"), 4)
}

func TestFileStorage_CorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`[1, 2, 3]`), 0o600))
	_, err := NewFileStorage(path).Load(context.Background())
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(``), 0o600))
	loaded, err := NewFileStorage(path).Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestRedisStorage_SkipsMalformedItemsAndSetsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage := NewRedisStorageWithOpts(client, RedisStorageOpts{Key: "test:snapshot", TTL: time.Hour})
	require.NoError(t, storage.Save(context.Background(), makeTestEntries()))
	require.Equal(t, time.Hour, mr.TTL("test:snapshot"))

	_, err := mr.Lpush("test:snapshot", "{broken")
	require.NoError(t, err)
	loaded, err := storage.Load(context.Background())
	require.NoError(t, err)
	requireEntriesEqual(t, makeTestEntries(), loaded)

	require.NoError(t, storage.Save(context.Background(), nil))
	require.False(t, mr.Exists("test:snapshot"))
}

func TestSQLiteStorage_KeepsOnlyLatestSnapshot(t *testing.T) {
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	defer func() { _ = storage.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, storage.Save(ctx, makeTestEntries()))
	}
	var snapshots, entries int
	require.NoError(t, storage.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&snapshots))
	require.NoError(t, storage.db.QueryRow(`SELECT COUNT(*) FROM snapshot_entries`).Scan(&entries))
	require.Equal(t, 1, snapshots)
	require.Equal(t, 3, entries)

	_, err = NewSQLiteStorage("")
	require.EqualError(t, err, "db path cannot be empty")
}

type flakyStorage struct {
	failures int
	calls    int
	saved    []Entry
}

func (fs *flakyStorage) Save(_ context.Context, entries []Entry) error {
	fs.calls++
	if fs.calls <= fs.failures {
		return errors.New("storage is temporarily unavailable")
	}
	fs.saved = entries
	return nil
}

func (fs *flakyStorage) Load(_ context.Context) ([]Entry, error) {
	fs.calls++
	if fs.calls <= fs.failures {
		return nil, errors.New("storage is temporarily unavailable")
	}
	return fs.saved, nil
}

func TestRetryingStorage(t *testing.T) {
	constantPolicy := func(maxAttempts uint64) BackoffPolicy {
		return func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), maxAttempts)
		}
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		delegate := &flakyStorage{failures: 2}
		logRecorder := logtest.NewRecorder()
		storage := NewRetryingStorageWithOpts(delegate, RetryingStorageOpts{Policy: constantPolicy(3), Logger: logRecorder})

		require.NoError(t, storage.Save(context.Background(), makeTestEntries()))
		require.Equal(t, 3, delegate.calls)
		require.Len(t, logRecorder.FindAllEntries("snapshot storage operation failed, retrying"), 2)

		delegate.calls, delegate.failures = 0, 1
		loaded, err := storage.Load(context.Background())
		require.NoError(t, err)
		requireEntriesEqual(t, makeTestEntries(), loaded)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		delegate := &flakyStorage{failures: 10}
		storage := NewRetryingStorageWithOpts(delegate, RetryingStorageOpts{Policy: constantPolicy(2)})
		require.EqualError(t, storage.Save(context.Background(), nil), "storage is temporarily unavailable")
		require.Equal(t, 3, delegate.calls)
	})

	t.Run("stops on canceled context", func(t *testing.T) {
		delegate := &flakyStorage{failures: 10}
		storage := NewRetryingStorage(delegate)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := storage.Load(ctx)
		require.Error(t, err)
		require.LessOrEqual(t, delegate.calls, 1)
	})
}
