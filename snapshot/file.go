/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/acronis/go-governor/log"
)

// FileStorage stores a snapshot as a single JSON object in a file.
// Object members are written in snapshot order, so the order survives a round trip:
//
//	{"<key>": {"value": <json>, "timestamp": "<RFC3339Nano>"}, ...}
type FileStorage struct {
	path   string
	logger log.FieldLogger
}

var _ Storage = (*FileStorage)(nil)

// FileStorageOpts represents options for the FileStorage.
type FileStorageOpts struct {
	// Logger is used for reporting skipped malformed entries. Disabled by default.
	Logger log.FieldLogger
}

// NewFileStorage creates a new FileStorage that reads and writes the given path.
func NewFileStorage(path string) *FileStorage {
	return NewFileStorageWithOpts(path, FileStorageOpts{})
}

// NewFileStorageWithOpts creates a new FileStorage with the given options.
func NewFileStorageWithOpts(path string, opts FileStorageOpts) *FileStorage {
	return &FileStorage{path: path, logger: log.OrDisabled(opts.Logger)}
}

// Path returns the path of the snapshot file.
func (fs *FileStorage) Path() string {
	return fs.path
}

type fileRecord struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Save atomically replaces the snapshot file: entries are written into a temporary file
// in the same directory which is then renamed over the target path.
func (fs *FileStorage) Save(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeFileSnapshot(entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fs.path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(fs.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary snapshot file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temporary snapshot file: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temporary snapshot file: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temporary snapshot file: %w", err)
	}
	if err = tmpFile.Close(); err != nil {
		return fmt.Errorf("close temporary snapshot file: %w", err)
	}
	if err = os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("rename temporary snapshot file: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file is not an error, nil slice is returned.
// Members that are not objects of the expected shape are skipped.
func (fs *FileStorage) Load(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open snapshot file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return fs.decode(bufio.NewReader(f))
}

func encodeFileSnapshot(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyData, err := json.Marshal(entry.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot key: %w", err)
		}
		recData, err := json.Marshal(fileRecord{Value: entry.Value, Timestamp: entry.Timestamp})
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot entry %s: %w", entry.Key, err)
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		buf.Write(recData)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (fs *FileStorage) decode(r io.Reader) ([]Entry, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode snapshot file: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("decode snapshot file: top-level value is not an object")
	}

	var entries []Entry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return entries, fmt.Errorf("decode snapshot file: %w", err)
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err = dec.Decode(&raw); err != nil {
			return entries, fmt.Errorf("decode snapshot file: %w", err)
		}
		entry, ok := parseFileRecord(key, raw)
		if !ok {
			fs.logger.Warn("skipping malformed snapshot entry", log.String("key", key), log.String("path", fs.path))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseFileRecord(key string, raw json.RawMessage) (Entry, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Entry{}, false
	}
	var rec fileRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return Entry{}, false
	}
	if len(rec.Value) == 0 || rec.Timestamp.IsZero() {
		return Entry{}, false
	}
	return Entry{Key: key, Value: rec.Value, Timestamp: rec.Timestamp}, true
}
