/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package snapshot

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is a single persisted cache entry.
type Entry struct {
	Key       string
	Value     json.RawMessage
	Timestamp time.Time
}

// Storage saves and loads ordered lists of entries.
// Save replaces the previously saved snapshot as a whole.
// Load returns nil slice and nil error if nothing has been saved yet.
type Storage interface {
	Save(ctx context.Context, entries []Entry) error
	Load(ctx context.Context) ([]Entry, error)
}
