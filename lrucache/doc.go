/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides in-memory content-addressed cache with LRU eviction policy, TTL expiration,
// Prometheus metrics, and best-effort snapshotting to a persistent storage.
//
// Entries are keyed by the SHA-256 hash of the request payload (see keyhash package).
// An entry is considered absent once more than TTL has elapsed since it was inserted or overwritten.
// Reads refresh the recency of an entry but not its insertion time.
package lrucache
