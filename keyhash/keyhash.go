/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package keyhash provides content addressing for cached results:
// a request payload is mapped to a fixed-length SHA-256 key,
// so identical requests always resolve to the same cache entry.
package keyhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Size is the length of Key in bytes.
const Size = sha256.Size

// Key is a content-addressed cache key.
type Key [Size]byte

// Sum returns the key of the given payload.
func Sum(payload []byte) Key {
	return sha256.Sum256(payload)
}

// SumString returns the key of the given string payload.
func SumString(payload string) Key {
	return sha256.Sum256([]byte(payload))
}

// SumJSON returns the key of the JSON representation of v.
// Map keys are sorted by encoding/json, so structurally equal values produce equal keys.
func SumJSON(v interface{}) (Key, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Key{}, fmt.Errorf("marshal payload: %w", err)
	}
	return sha256.Sum256(data), nil
}

// ParseKey parses a key from its hex representation.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(Size) {
		return k, fmt.Errorf("invalid key length %d, want %d", len(s), hex.EncodedLen(Size))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("decode key: %w", err)
	}
	return k, nil
}

// String returns the lowercase hex representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 12 hex characters of the key. It's used in logs.
func (k Key) Short() string {
	return hex.EncodeToString(k[:6])
}
