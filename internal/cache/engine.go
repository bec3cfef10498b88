package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/nickpisacane/middleman/internal/metrics"
	"github.com/nickpisacane/middleman/internal/store"
)

// Options configures an Engine. The zero value means: unbounded age,
// unbounded size, size eviction enabled, in-memory store.
type Options struct {
	// MaxAge bounds how old an entry may be before Get reports it stale.
	// Zero means entries never expire.
	MaxAge time.Duration

	// MaxSize bounds the total byte size of indexed entries. Zero means
	// unbounded. Enforcement is eventual: a set that pushes over budget is
	// accepted and eviction runs immediately after it.
	MaxSize int64

	// DisableSizeEviction turns off the byte budget entirely; the index
	// degenerates to an ordered set of known keys and nothing is ever
	// evicted on the engine's initiative.
	DisableSizeEviction bool

	// Store is the backend entries persist through. Defaults to NewMemory.
	Store store.Store

	// Logger receives structured records for store failures and evictions.
	Logger *slog.Logger

	// Metrics, when set, observes store operations and evictions.
	Metrics *metrics.Recorder
}

// Engine mediates all reads, writes, and deletes against the store while
// keeping an advisory in-memory index of known keys and their sizes. The
// index drives eviction without querying the store; the store remains the
// source of truth for values.
type Engine struct {
	store   store.Store
	maxAge  time.Duration
	maxSize int64
	evict   bool
	logger  *slog.Logger
	metrics *metrics.Recorder

	// mu guards the index, the size accounting, the protected set, and the
	// listener slices. Store I/O always happens with mu released, so the
	// bookkeeping between any two store calls is atomic.
	mu        sync.Mutex
	index     *simplelru.LRU[string, int64]
	totalSize int64
	protected map[string]struct{}

	onDelete []func(key string)
	onError  []func(err error)
}

// New constructs an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("cache: negative max size %d", opts.MaxSize)
	}
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("cache: negative max age %s", opts.MaxAge)
	}

	backing := opts.Store
	if backing == nil {
		backing = store.NewMemory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		store:     backing,
		maxAge:    opts.MaxAge,
		maxSize:   opts.MaxSize,
		evict:     !opts.DisableSizeEviction,
		logger:    logger,
		metrics:   opts.Metrics,
		protected: make(map[string]struct{}),
	}

	// The LRU only tracks recency and sizes; the byte budget is enforced by
	// the engine, so the entry-count capacity is effectively unbounded.
	index, err := simplelru.NewLRU[string, int64](math.MaxInt, e.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: index: %w", err)
	}
	e.index = index
	return e, nil
}

// OnDelete registers a listener invoked with the key of every entry the
// size-eviction policy successfully removed from the store.
func (e *Engine) OnDelete(fn func(key string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDelete = append(e.onDelete, fn)
}

// OnError registers a listener invoked whenever a store operation fails in
// the background or the store resolves an unparsable value.
func (e *Engine) OnError(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

// Get resolves the entry stored under key. It reports (nil, false, nil) when
// the store has no record, (nil, true, nil) when the entry's age exceeded
// MaxAge while the index still tracked the key, and the entry otherwise.
// Both miss and stale drop any index record for the key without touching the
// store, so a repeated read of an expired entry resolves as a miss; a hit
// touches recency and lazily indexes keys that were seeded into the store
// out-of-band.
func (e *Engine) Get(ctx context.Context, key string) (*Entry, bool, error) {
	payload, found, err := e.store.Get(ctx, key)
	if err != nil {
		e.metrics.ObserveStore(metrics.StoreOpGet, metrics.ResultError)
		return nil, false, fmt.Errorf("cache: store get %q: %w", key, err)
	}
	if !found {
		e.dropIndex(key)
		e.metrics.ObserveStore(metrics.StoreOpGet, metrics.ResultMiss)
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, false, e.protocolViolation(key, err)
	}
	if err := entry.validate(); err != nil {
		return nil, false, e.protocolViolation(key, err)
	}

	if e.maxAge > 0 && entry.Age() > e.maxAge {
		// Only a key the index still tracked reports stale; once the index
		// has let go of it, the retained store payload reads as a plain
		// miss. The store-side value is never deleted on expiry.
		if !e.dropIndex(key) {
			e.metrics.ObserveStore(metrics.StoreOpGet, metrics.ResultMiss)
			return nil, false, nil
		}
		e.metrics.ObserveStore(metrics.StoreOpGet, metrics.ResultStale)
		return nil, true, nil
	}

	e.touch(key, int64(len(payload)))
	e.metrics.ObserveStore(metrics.StoreOpGet, metrics.ResultOK)
	return &entry, false, nil
}

// Set constructs a fresh entry with the current timestamp, persists it, and
// then inserts or refreshes the index record. A prior record for the same key
// is removed first so a re-set never double-counts its size.
func (e *Engine) Set(ctx context.Context, key string, value any) (*Entry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal value for %q: %w", key, err)
	}
	entry := Entry{Key: key, Value: raw, CreatedAt: time.Now().UTC()}
	payload, err := json.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal entry %q: %w", key, err)
	}

	if err := e.store.Set(ctx, key, payload); err != nil {
		e.metrics.ObserveStore(metrics.StoreOpSet, metrics.ResultError)
		return nil, fmt.Errorf("cache: store set %q: %w", key, err)
	}

	e.mu.Lock()
	if e.index.Contains(key) {
		// When another operation already protects the key its store delete
		// is still in flight; removing the index record under that
		// protection must not unprotect it, that is the owning operation's
		// job once its delete settles.
		_, inflight := e.protected[key]
		if !inflight {
			e.protected[key] = struct{}{}
		}
		e.index.Remove(key)
		if !inflight {
			delete(e.protected, key)
		}
	}
	e.index.Add(key, int64(len(payload)))
	e.totalSize += int64(len(payload))
	e.evictOverBudget()
	e.metrics.SetIndexSize(e.index.Len(), e.totalSize)
	e.mu.Unlock()

	e.metrics.ObserveStore(metrics.StoreOpSet, metrics.ResultOK)
	return &entry, nil
}

// Del removes key from both the store and the index. The key is protected
// for the duration of the store delete so a concurrent size eviction cannot
// issue a second delete for it. On store failure the index record is kept,
// since the store's state is unknown, and the failure propagates.
func (e *Engine) Del(ctx context.Context, key string) error {
	e.mu.Lock()
	if _, inflight := e.protected[key]; inflight {
		// A delete for this key is already on its way to the store.
		e.mu.Unlock()
		return nil
	}
	e.protected[key] = struct{}{}
	e.mu.Unlock()

	_, err := e.store.Del(ctx, key)

	e.mu.Lock()
	if err == nil {
		e.index.Remove(key)
	}
	delete(e.protected, key)
	e.metrics.SetIndexSize(e.index.Len(), e.totalSize)
	e.mu.Unlock()

	if err != nil {
		e.metrics.ObserveStore(metrics.StoreOpDel, metrics.ResultError)
		return fmt.Errorf("cache: store del %q: %w", key, err)
	}
	e.metrics.ObserveStore(metrics.StoreOpDel, metrics.ResultOK)
	return nil
}

// Clear deletes every indexed key. All keys are protected up front so a
// size eviction firing mid-clear cannot race the bulk deletes; the store
// deletes then run in parallel. Keys whose deletes fail are unprotected and
// left indexed, keys whose deletes succeeded stay removed, and the first
// failure makes the whole call report an error. Best effort, not
// transactional.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	indexed := e.index.Keys()
	keys := make([]string, 0, len(indexed))
	for _, key := range indexed {
		if _, inflight := e.protected[key]; inflight {
			continue
		}
		e.protected[key] = struct{}{}
		keys = append(keys, key)
	}
	e.mu.Unlock()

	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, err := e.store.Del(ctx, key)

			e.mu.Lock()
			if err == nil {
				e.index.Remove(key)
			}
			delete(e.protected, key)
			e.metrics.SetIndexSize(e.index.Len(), e.totalSize)
			e.mu.Unlock()

			if err != nil {
				e.metrics.ObserveStore(metrics.StoreOpDel, metrics.ResultError)
				errs[i] = fmt.Errorf("cache: store del %q: %w", key, err)
			} else {
				e.metrics.ObserveStore(metrics.StoreOpDel, metrics.ResultOK)
			}
		}(i, key)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Len reports how many keys the index currently tracks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Len()
}

// Size reports the total byte size of indexed entries.
func (e *Engine) Size() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalSize
}

// onEvict is the single choke point for index removals; simplelru invokes it
// for RemoveOldest and explicit Remove alike, which is exactly where an
// eviction can race an explicit delete already in flight. Size accounting
// always happens here; the store-side delete is only launched when no other
// operation has protected the key. Runs with mu held.
func (e *Engine) onEvict(key string, size int64) {
	e.totalSize -= size
	if _, inflight := e.protected[key]; inflight {
		return
	}
	e.protected[key] = struct{}{}
	go e.completeEviction(key)
}

// completeEviction settles the store side of a size eviction. There is no
// caller to propagate to, so the outcome surfaces through the delete and
// error listeners: exactly one of the two fires per victim.
func (e *Engine) completeEviction(key string) {
	_, err := e.store.Del(context.Background(), key)

	e.mu.Lock()
	delete(e.protected, key)
	deleteFns := slices.Clone(e.onDelete)
	errorFns := slices.Clone(e.onError)
	e.mu.Unlock()

	if err != nil {
		// The store-side value survives even though the index no longer
		// tracks it; a later get fails the shape check or the next set
		// overwrites it.
		e.logger.Error("cache eviction failed", slog.String("key", key), slog.Any("error", err))
		e.metrics.ObserveStore(metrics.StoreOpEvict, metrics.ResultError)
		for _, fn := range errorFns {
			fn(fmt.Errorf("cache: evict %q: %w", key, err))
		}
		return
	}

	e.logger.Debug("cache entry evicted", slog.String("key", key))
	e.metrics.ObserveStore(metrics.StoreOpEvict, metrics.ResultOK)
	for _, fn := range deleteFns {
		fn(key)
	}
}

// evictOverBudget removes least-recently-used records until the byte budget
// is respected. Runs with mu held; the store deletes it triggers settle in
// the background.
func (e *Engine) evictOverBudget() {
	if !e.evict || e.maxSize <= 0 {
		return
	}
	for e.totalSize > e.maxSize && e.index.Len() > 0 {
		if _, _, ok := e.index.RemoveOldest(); !ok {
			return
		}
	}
}

// touch refreshes recency for key, materializing an index record when the
// engine had not seen the key before. That matters when the store was seeded
// out-of-band; the lazily indexed size counts against the budget like any
// other record.
func (e *Engine) touch(key string, size int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.index.Get(key); ok {
		return
	}
	e.index.Add(key, size)
	e.totalSize += size
	e.evictOverBudget()
	e.metrics.SetIndexSize(e.index.Len(), e.totalSize)
}

// dropIndex forgets key without any store-side effect and reports whether
// the index had a record for it. The removal is protect-wrapped purely to
// keep onEvict from starting a store delete; there is nothing to delete when
// the store already reported the key absent, and expired entries are left
// for the store's own retention.
func (e *Engine) dropIndex(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, inflight := e.protected[key]; inflight {
		// Another operation owns the key; its index record is that
		// operation's to remove once its store delete settles.
		return e.index.Contains(key)
	}
	e.protected[key] = struct{}{}
	present := e.index.Remove(key)
	delete(e.protected, key)
	e.metrics.SetIndexSize(e.index.Len(), e.totalSize)
	return present
}

// protocolViolation purges key from the index, notifies error listeners, and
// builds the error the in-flight call fails with.
func (e *Engine) protocolViolation(key string, cause error) error {
	e.dropIndex(key)
	err := fmt.Errorf("%w: key %q: %v", ErrStoreProtocol, key, cause)

	e.mu.Lock()
	errorFns := slices.Clone(e.onError)
	e.mu.Unlock()

	e.logger.Error("store protocol violation", slog.String("key", key), slog.Any("error", cause))
	e.metrics.ObserveStore(metrics.StoreOpGet, metrics.ResultError)
	for _, fn := range errorFns {
		fn(err)
	}
	return err
}
