// Package cache implements the caching engine that sits between the proxy
// coordinator and the pluggable store: an in-memory index of known keys with
// optional byte-budgeted LRU eviction, lazy age-based expiry, and the
// protect/unprotect protocol that keeps asynchronous evictions and explicit
// deletes from double-deleting the same key out of the store.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreProtocol reports that the store resolved a value that cannot
	// be interpreted as a cache entry. The offending key is purged from the
	// index and the in-flight call fails; the store misbehaving is never
	// silently treated as a miss.
	ErrStoreProtocol = errors.New("cache: store returned a malformed entry")

	// ErrDecode reports that a stored cached response could not be
	// reconstructed into status, headers, and body bytes.
	ErrDecode = errors.New("cache: cached response cannot be decoded")
)

// Entry is the value record persisted through the store: the key it was
// stored under, an opaque JSON value, and the creation time age checks are
// measured against. Entries are immutable after construction.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Age returns how long ago the entry was created.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

func (e *Entry) validate() error {
	if e.Key == "" {
		return fmt.Errorf("missing key")
	}
	if len(e.Value) == 0 {
		return fmt.Errorf("missing value")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("missing creation time")
	}
	return nil
}
