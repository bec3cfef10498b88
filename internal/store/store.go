// Package store defines the pluggable key-value backend the cache engine
// persists entries through, plus the bundled implementations.
//
// The engine treats stored values as opaque byte payloads and is the source
// of truth for nothing: whatever the backend returns wins. Backends only
// promise per-key serialization, never cross-key atomicity.
package store

import "context"

// Store is the contract every pluggable backend must satisfy.
type Store interface {
	// Get returns the stored value for key. A missing key reports
	// (nil, false, nil), never an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set persists value under key, overwriting any prior value.
	Set(ctx context.Context, key string, value []byte) error

	// Del removes key and reports true whether or not the key existed.
	Del(ctx context.Context, key string) (bool, error)
}

// Closer is implemented by backends that hold external connections and need
// an orderly shutdown.
type Closer interface {
	Close(ctx context.Context) error
}
