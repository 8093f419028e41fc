/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultSQLiteBusyTimeout is the default time to wait for a database lock.
const DefaultSQLiteBusyTimeout = 5 * time.Second

// SQLiteStorage stores snapshots in a SQLite database.
// Every Save creates a new snapshot identified by UUID and removes the older ones in the same transaction,
// so a crash during Save leaves the previous snapshot intact.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

var _ Storage = (*SQLiteStorage)(nil)

// SQLiteStorageOpts represents options for the SQLiteStorage.
type SQLiteStorageOpts struct {
	// BusyTimeout is how long to wait for locks before failing.
	// DefaultSQLiteBusyTimeout is used if zero.
	BusyTimeout time.Duration
}

// NewSQLiteStorage opens (creating if needed) the SQLite database at the given path.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	return NewSQLiteStorageWithOpts(dbPath, SQLiteStorageOpts{})
}

// NewSQLiteStorageWithOpts opens (creating if needed) the SQLite database at the given path with options.
func NewSQLiteStorageWithOpts(dbPath string, opts SQLiteStorageOpts) (*SQLiteStorage, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = DefaultSQLiteBusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		dbPath, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStorage{db: db, now: time.Now}
	if err = s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshot_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		stored_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshot_entries_snapshot ON snapshot_entries(snapshot_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save writes entries as a new snapshot and deletes all previous ones.
func (s *SQLiteStorage) Save(ctx context.Context, entries []Entry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	snapshotID := uuid.NewString()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, created_at) VALUES (?, ?)`, snapshotID, s.now().UnixNano()); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshot_entries (snapshot_id, key, value, stored_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare entry insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		if _, err = stmt.ExecContext(ctx, snapshotID, entry.Key, []byte(entry.Value), entry.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("insert snapshot entry %s: %w", entry.Key, err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM snapshot_entries WHERE snapshot_id <> ?`, snapshotID); err != nil {
		return fmt.Errorf("delete previous snapshot entries: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id <> ?`, snapshotID); err != nil {
		return fmt.Errorf("delete previous snapshots: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load reads entries of the latest snapshot in the order they were saved.
func (s *SQLiteStorage) Load(ctx context.Context) ([]Entry, error) {
	var snapshotID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&snapshotID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select latest snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, stored_at FROM snapshot_entries WHERE snapshot_id = ? ORDER BY seq`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("select snapshot entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			key      string
			value    []byte
			storedAt int64
		)
		if err = rows.Scan(&key, &value, &storedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot entry: %w", err)
		}
		entries = append(entries, Entry{Key: key, Value: json.RawMessage(value), Timestamp: time.Unix(0, storedAt)})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot entries: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
