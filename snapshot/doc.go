/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package snapshot provides persistence backends for cache snapshots.
// A snapshot is an ordered list of entries (least recently used first) where each entry carries
// a hex-encoded content key, a JSON-encoded value and the time the value was stored.
// Persistence is best-effort: callers are expected to log and swallow storage errors.
package snapshot
