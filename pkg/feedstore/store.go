// Package feedstore caches a single feed snapshot in a key-value backend.
//
// Every operation is queued on a serializing executor, so operations run one at
// a time in the order they were issued, each finishing its backend I/O before
// the next starts. A caller can issue Insert followed immediately by Retrieve
// and is guaranteed to read what it wrote. The executor is the only mutual
// exclusion around the backend calls.
//
// Completions are always invoked asynchronously on the executor's goroutine,
// exactly once, before the next operation starts. A completion must therefore
// not wait for another operation on the same store.
package feedstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/richardartoul/feedcache/backends"
	"github.com/richardartoul/feedcache/pkg/locking"
	"github.com/richardartoul/feedcache/pkg/metrics"
)

// DefaultKey is the backend key the snapshot is stored under.
const DefaultKey = "feed.cache"

// Store implements retrieve, insert and delete for one cached feed.
type Store struct {
	backend  backends.Backend
	executor locking.Executor
	serial   *locking.Serial // non-nil when the store created its own executor
	key      string
	logger   *slog.Logger
	latency  *metrics.LatencyTracker

	// mu orders the closed check in enqueue against Close, so nothing
	// submitted after Close reaches the backend.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides DefaultKey.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithLatencyTracker records per-operation latencies into lt.
func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(s *Store) { s.latency = lt }
}

// WithExecutor shares an existing executor instead of creating one. The caller
// keeps ownership of it.
func WithExecutor(e locking.Executor) Option {
	return func(s *Store) { s.executor = e }
}

// New creates a store on top of backend.
func New(backend backends.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		key:     DefaultKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "feedstore", "key", s.key)
	if s.executor == nil {
		s.serial = locking.NewSerial(s.logger)
		s.executor = s.serial
	}
	return s
}

// Retrieve reads the cached snapshot. It never modifies the backend, even when
// the stored bytes cannot be decoded.
func (s *Store) Retrieve(ctx context.Context, completion func(RetrievalResult)) {
	s.enqueue(metrics.OpRetrieve, func() func() {
		result := s.retrieve(ctx)
		return func() { completion(result) }
	}, func(err error) {
		completion(Failure(err))
	})
}

// Insert replaces whatever is cached with items and timestamp. Backend write
// errors are delivered unmodified.
func (s *Store) Insert(ctx context.Context, items []CachedItem, timestamp time.Time, completion func(error)) {
	items = cloneItems(items)
	s.enqueue(metrics.OpInsert, func() func() {
		err := s.insert(ctx, items, timestamp)
		return func() { completion(err) }
	}, completion)
}

// Delete removes the cached snapshot. Deleting when nothing is cached
// succeeds.
func (s *Store) Delete(ctx context.Context, completion func(error)) {
	s.enqueue(metrics.OpDelete, func() func() {
		err := s.delete(ctx)
		return func() { completion(err) }
	}, completion)
}

// Pending returns the number of operations waiting behind the one in flight.
// It is always zero when the store was given an external executor.
func (s *Store) Pending() int {
	if s.serial == nil {
		return 0
	}
	return s.serial.Len()
}

// Close waits for queued operations to finish and closes the backend.
// Operations issued afterwards complete with ErrClosed. A shared executor is
// left running for its owner. Calling Close again returns the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.serial != nil {
			s.serial.Close()
		} else {
			barrier := make(chan struct{})
			if err := s.executor.Submit(func(done func()) {
				close(barrier)
				done()
			}); err == nil {
				<-barrier
			}
		}
		s.closeErr = s.backend.Close()
	})
	return s.closeErr
}

// enqueue submits run to the executor. run does the backend work and returns
// the completion to fire, which is called before the executor moves on.
// If the store is closed or the executor refuses the work, rejected is called
// on a new goroutine so completions stay asynchronous. If run panics, rejected
// is called with the panic as an error.
func (s *Store) enqueue(op string, run func() func(), rejected func(error)) {
	submitted := time.Now()

	s.mu.RLock()
	err := ErrClosed
	if !s.closed {
		err = s.executor.Submit(func(done func()) {
			defer done()
			s.latency.Since(metrics.OpQueueWait, submitted)

			start := time.Now()
			complete, runErr := s.guard(op, run)
			s.latency.Since(op, start)

			if runErr != nil {
				rejected(runErr)
				return
			}
			complete()
		})
	}
	s.mu.RUnlock()

	if err != nil {
		s.logger.Warn("feed store operation rejected", "op", op, "error", err)
		go rejected(err)
	}
}

// guard calls run and turns a panic into an error wrapping ErrPanicked.
func (s *Store) guard(op string, run func() func()) (complete func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("feed store operation panicked", "op", op, "panic", r)
			err = fmt.Errorf("%w: %s: %v", ErrPanicked, op, r)
		}
	}()
	return run(), nil
}

func (s *Store) retrieve(ctx context.Context) RetrievalResult {
	var (
		data []byte
		ok   bool
	)
	err := s.latency.RecordFunc(metrics.OpBackendGet, func() error {
		var err error
		data, ok, err = s.backend.Get(ctx, s.key)
		return err
	})
	if err != nil {
		s.logger.Warn("failed to read cached feed", "error", err)
		return Failure(err)
	}
	if !ok {
		return Empty()
	}

	start := time.Now()
	feed, err := Decode(data)
	s.latency.Since(metrics.OpDecode, start)
	if err != nil {
		s.logger.Warn("cached feed is corrupt", "size", len(data), "error", err)
		return Failure(err)
	}
	return Found(feed.Items, feed.Timestamp)
}

func (s *Store) insert(ctx context.Context, items []CachedItem, timestamp time.Time) error {
	data, err := Encode(items, timestamp)
	if err != nil {
		return err
	}
	err = s.latency.RecordFunc(metrics.OpBackendSet, func() error {
		return s.backend.Set(ctx, s.key, data)
	})
	if err != nil {
		s.logger.Warn("failed to write cached feed", "size", len(data), "error", err)
		return err
	}
	s.logger.Debug("cached feed stored", "items", len(items), "size", len(data))
	return nil
}

func (s *Store) delete(ctx context.Context) error {
	err := s.latency.RecordFunc(metrics.OpBackendRemove, func() error {
		return s.backend.Remove(ctx, s.key)
	})
	if err != nil {
		if backends.IsNotFound(err) {
			return nil
		}
		s.logger.Warn("failed to delete cached feed", "error", err)
		return err
	}
	s.logger.Debug("cached feed deleted")
	return nil
}
