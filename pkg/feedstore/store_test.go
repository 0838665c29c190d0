package feedstore

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/feedcache/backends"
	"github.com/richardartoul/feedcache/pkg/locking"
	"github.com/richardartoul/feedcache/pkg/metrics"
)

// instrumentedBackend wraps a backend, optionally slows it down, injects errors
// or panics and records whether two calls ever overlapped.
type instrumentedBackend struct {
	backends.Backend

	delay     time.Duration
	getErr    error
	setErr    error
	removeErr error
	panicWith any

	inFlight   atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32
}

func (p *instrumentedBackend) enter() func() {
	p.calls.Add(1)
	if p.inFlight.Add(1) > 1 {
		p.overlapped.Store(true)
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return func() { p.inFlight.Add(-1) }
}

func (p *instrumentedBackend) maybePanic() {
	if p.panicWith != nil {
		panic(p.panicWith)
	}
}

func (p *instrumentedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	defer p.enter()()
	p.maybePanic()
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	return p.Backend.Get(ctx, key)
}

func (p *instrumentedBackend) Set(ctx context.Context, key string, data []byte) error {
	defer p.enter()()
	p.maybePanic()
	if p.setErr != nil {
		return p.setErr
	}
	return p.Backend.Set(ctx, key, data)
}

func (p *instrumentedBackend) Remove(ctx context.Context, key string) error {
	defer p.enter()()
	p.maybePanic()
	if p.removeErr != nil {
		return p.removeErr
	}
	return p.Backend.Remove(ctx, key)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *instrumentedBackend) {
	t.Helper()
	backend := &instrumentedBackend{Backend: backends.NewMemory()}
	s := New(backend, opts...)
	t.Cleanup(func() { s.Close() })
	return s, backend
}

func retrieve(t *testing.T, s *Store) RetrievalResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := s.RetrieveSync(ctx)
	if err != nil {
		t.Fatalf("Retrieve did not complete: %v", err)
	}
	return r
}

func insert(t *testing.T, s *Store, items []CachedItem, ts time.Time) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.InsertSync(ctx, items, ts)
}

func deleteFeed(t *testing.T, s *Store) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.DeleteSync(ctx)
}

func expectKind(t *testing.T, r RetrievalResult, want ResultKind) {
	t.Helper()
	if r.Kind != want {
		t.Fatalf("Expected %s result, got %s (err=%v)", want, r.Kind, r.Err)
	}
}

func TestRetrieveOnEmptyCacheHasNoSideEffects(t *testing.T) {
	s, backend := newTestStore(t)

	expectKind(t, retrieve(t, s), ResultEmpty)
	expectKind(t, retrieve(t, s), ResultEmpty)

	if got := backend.Backend.(*backends.Memory).Len(); got != 0 {
		t.Errorf("Expected backend to stay empty, has %d keys", got)
	}
}

func TestRetrieveAfterInsertReturnsInsertedFeed(t *testing.T) {
	s, _ := newTestStore(t)
	items := uniqueFeed()
	ts := time.Now()

	if err := insert(t, s, items, ts); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		r := retrieve(t, s)
		expectKind(t, r, ResultFound)
		assertItemsEqual(t, items, r.Feed.Items)
		if !r.Feed.Timestamp.Equal(ts) {
			t.Errorf("Expected timestamp %v, got %v", ts, r.Feed.Timestamp)
		}
	}
}

func TestInsertOverridesPreviousValue(t *testing.T) {
	s, _ := newTestStore(t)

	if err := insert(t, s, uniqueFeed(), time.Now()); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	latest := uniqueFeed()[:2]
	latestTS := time.Now().Add(time.Hour)
	if err := insert(t, s, latest, latestTS); err != nil {
		t.Fatalf("Second insert failed: %v", err)
	}

	r := retrieve(t, s)
	expectKind(t, r, ResultFound)
	assertItemsEqual(t, latest, r.Feed.Items)
	if !r.Feed.Timestamp.Equal(latestTS) {
		t.Errorf("Expected timestamp %v, got %v", latestTS, r.Feed.Timestamp)
	}
}

func TestDeleteEmptiesCache(t *testing.T) {
	s, _ := newTestStore(t)

	if err := insert(t, s, uniqueFeed(), time.Now()); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := deleteFeed(t, s); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectKind(t, retrieve(t, s), ResultEmpty)
}

func TestDeleteOnEmptyCacheSucceeds(t *testing.T) {
	s, _ := newTestStore(t)

	if err := deleteFeed(t, s); err != nil {
		t.Fatalf("Expected delete of empty cache to succeed, got %v", err)
	}
	expectKind(t, retrieve(t, s), ResultEmpty)
}

func TestDeleteSwallowsNotFoundFromBackend(t *testing.T) {
	for _, notFound := range []error{
		backends.ErrNotFound,
		&fs.PathError{Op: "remove", Path: DefaultKey, Err: fs.ErrNotExist},
	} {
		s, backend := newTestStore(t)
		backend.removeErr = notFound
		if err := deleteFeed(t, s); err != nil {
			t.Errorf("Expected %v to be swallowed, got %v", notFound, err)
		}
	}
}

func TestRetrieveCorruptDataFailsWithoutDeleting(t *testing.T) {
	s, backend := newTestStore(t)
	corrupt := []byte("invalid data")
	if err := backend.Backend.Set(context.Background(), DefaultKey, corrupt); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		r := retrieve(t, s)
		expectKind(t, r, ResultFailure)
		if !errors.Is(r.Err, ErrDecode) {
			t.Errorf("Expected decode error, got %v", r.Err)
		}
	}

	data, ok, _ := backend.Backend.Get(context.Background(), DefaultKey)
	if !ok || string(data) != string(corrupt) {
		t.Errorf("Expected corrupt bytes to be left in place, got %q ok=%v", data, ok)
	}
}

func TestRetrieveDeliversBackendReadErrors(t *testing.T) {
	s, backend := newTestStore(t)
	backend.getErr = errors.New("connection reset")

	r := retrieve(t, s)
	expectKind(t, r, ResultFailure)
	if !errors.Is(r.Err, backend.getErr) {
		t.Errorf("Expected %v, got %v", backend.getErr, r.Err)
	}
}

func TestInsertDeliversBackendErrorUnmodified(t *testing.T) {
	s, backend := newTestStore(t)
	backend.setErr = errors.New("quota exceeded")

	if err := insert(t, s, uniqueFeed(), time.Now()); err != backend.setErr {
		t.Errorf("Expected %v, got %v", backend.setErr, err)
	}
	expectKind(t, retrieve(t, s), ResultEmpty)
}

func TestInsertFailureKeepsPreviousValue(t *testing.T) {
	s, backend := newTestStore(t)
	items := uniqueFeed()
	if err := insert(t, s, items, time.Unix(100, 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	backend.setErr = errors.New("disk full")
	if err := insert(t, s, uniqueFeed(), time.Unix(200, 0)); err == nil {
		t.Fatal("Expected insert to fail")
	}

	r := retrieve(t, s)
	expectKind(t, r, ResultFound)
	assertItemsEqual(t, items, r.Feed.Items)
}

func TestDeleteDeliversBackendErrorUnmodified(t *testing.T) {
	s, backend := newTestStore(t)
	items := uniqueFeed()
	if err := insert(t, s, items, time.Now()); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	backend.removeErr = errors.New("permission denied")
	if err := deleteFeed(t, s); err != backend.removeErr {
		t.Errorf("Expected %v, got %v", backend.removeErr, err)
	}

	r := retrieve(t, s)
	expectKind(t, r, ResultFound)
	assertItemsEqual(t, items, r.Feed.Items)
}

func TestSideEffectsRunSerially(t *testing.T) {
	for run := 0; run < 50; run++ {
		s, backend := newTestStore(t)
		backend.delay = 200 * time.Microsecond

		var (
			mu        sync.Mutex
			completed []string
			wg        sync.WaitGroup
			result    RetrievalResult
		)
		record := func(op string) {
			mu.Lock()
			completed = append(completed, op)
			mu.Unlock()
			wg.Done()
		}

		wg.Add(3)
		ctx := context.Background()
		s.Insert(ctx, uniqueFeed(), time.Now(), func(err error) {
			if err != nil {
				t.Errorf("Insert failed: %v", err)
			}
			record("insert")
		})
		s.Delete(ctx, func(err error) {
			if err != nil {
				t.Errorf("Delete failed: %v", err)
			}
			record("delete")
		})
		s.Retrieve(ctx, func(r RetrievalResult) {
			result = r
			record("retrieve")
		})
		wg.Wait()

		if result.Kind != ResultEmpty {
			t.Fatalf("Run %d: expected empty result, got %s", run, result.Kind)
		}
		want := []string{"insert", "delete", "retrieve"}
		for i := range want {
			if completed[i] != want[i] {
				t.Fatalf("Run %d: expected completion order %v, got %v", run, want, completed)
			}
		}
		if backend.overlapped.Load() {
			t.Fatalf("Run %d: backend calls overlapped", run)
		}
	}
}

func TestConcurrentCallersNeverOverlap(t *testing.T) {
	s, backend := newTestStore(t)
	backend.delay = 50 * time.Microsecond

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				var err error
				switch i % 3 {
				case 0:
					err = s.InsertSync(context.Background(), uniqueFeed(), time.Now())
				case 1:
					r, rerr := s.RetrieveSync(context.Background())
					if rerr == nil && r.Kind == ResultFailure {
						rerr = r.Err
					}
					err = rerr
				case 2:
					err = s.DeleteSync(context.Background())
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Operation failed: %v", err)
	}
	if backend.overlapped.Load() {
		t.Error("Backend calls overlapped")
	}
	if got := backend.calls.Load(); got != 8*20 {
		t.Errorf("Expected %d backend calls, got %d", 8*20, got)
	}
}

func TestCompletionIsAsynchronousAndCalledOnce(t *testing.T) {
	s, _ := newTestStore(t)

	// Hold the executor so nothing queued behind the gate can run yet.
	release := make(chan struct{})
	s.Retrieve(context.Background(), func(RetrievalResult) { <-release })

	var (
		returned atomic.Bool
		calls    atomic.Int32
		early    atomic.Bool
	)
	done := make(chan struct{})
	s.Insert(context.Background(), uniqueFeed(), time.Now(), func(error) {
		if !returned.Load() {
			early.Store(true)
		}
		calls.Add(1)
		close(done)
	})
	returned.Store(true)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Completion never fired")
	}
	// Anything that would fire twice has done so once this retrieve returns.
	expectKind(t, retrieve(t, s), ResultFound)

	if early.Load() {
		t.Error("Completion fired before Insert returned")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected completion to fire once, fired %d times", got)
	}
}

func TestInsertIsolatedFromCallerMutation(t *testing.T) {
	s, _ := newTestStore(t)
	items := uniqueFeed()
	want := cloneItems(items)

	done := make(chan error, 1)
	s.Insert(context.Background(), items, time.Unix(1, 0), func(err error) { done <- err })
	*items[0].Description = "changed"
	items[1].URL = "changed"
	if err := <-done; err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	r := retrieve(t, s)
	expectKind(t, r, ResultFound)
	assertItemsEqual(t, want, r.Feed.Items)

	// Mutating a retrieved feed does not affect the next retrieval.
	r.Feed.Items[0].URL = "mutated"
	again := retrieve(t, s)
	assertItemsEqual(t, want, again.Feed.Items)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	backend := &instrumentedBackend{Backend: backends.NewMemory()}
	s := New(backend)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	if err := s.InsertSync(ctx, uniqueFeed(), time.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from insert, got %v", err)
	}
	if err := s.DeleteSync(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from delete, got %v", err)
	}
	r, err := s.RetrieveSync(ctx)
	if err != nil {
		t.Fatalf("RetrieveSync failed: %v", err)
	}
	if r.Kind != ResultFailure || !errors.Is(r.Err, ErrClosed) {
		t.Errorf("Expected failure with ErrClosed, got %s %v", r.Kind, r.Err)
	}
	if got := backend.calls.Load(); got != 0 {
		t.Errorf("Expected no backend calls after Close, got %d", got)
	}
}

func TestCloseDrainsQueuedOperations(t *testing.T) {
	backend := &instrumentedBackend{Backend: backends.NewMemory(), delay: time.Millisecond}
	s := New(backend)

	var finished atomic.Int32
	for i := 0; i < 10; i++ {
		s.Insert(context.Background(), uniqueFeed(), time.Now(), func(error) { finished.Add(1) })
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := finished.Load(); got != 10 {
		t.Errorf("Expected all 10 operations to finish before Close returned, got %d", got)
	}
}

func TestStoresSharingAnExecutor(t *testing.T) {
	exec := locking.NewSerial(nil)
	defer exec.Close()
	mem := backends.NewMemory()

	a := New(mem, WithExecutor(exec), WithKey("a"))
	b := New(mem, WithExecutor(exec), WithKey("b"))

	if err := insert(t, a, uniqueFeed()[:1], time.Unix(1, 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	expectKind(t, retrieve(t, b), ResultEmpty)
	expectKind(t, retrieve(t, a), ResultFound)

	if got := a.Pending(); got != 0 {
		t.Errorf("Expected Pending to be 0 with external executor, got %d", got)
	}
}

func TestSyncHelpersHonourContext(t *testing.T) {
	s, backend := newTestStore(t)
	backend.delay = 100 * time.Millisecond

	// Occupy the executor so the next call waits in the queue.
	s.Retrieve(context.Background(), func(RetrievalResult) {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.InsertSync(ctx, uniqueFeed(), time.Unix(5, 0)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	// The abandoned insert still runs, in order, with a live context.
	r := retrieve(t, s)
	expectKind(t, r, ResultFound)
	if !r.Feed.Timestamp.Equal(time.Unix(5, 0)) {
		t.Errorf("Expected abandoned insert to have been applied, got timestamp %v", r.Feed.Timestamp)
	}
}

func TestStoreRecordsLatencies(t *testing.T) {
	lt := metrics.NewLatencyTracker(0.01)
	s, _ := newTestStore(t, WithLatencyTracker(lt))

	if err := insert(t, s, uniqueFeed(), time.Now()); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	retrieve(t, s)
	if err := deleteFeed(t, s); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, op := range []string{
		metrics.OpInsert, metrics.OpRetrieve, metrics.OpDelete,
		metrics.OpBackendSet, metrics.OpBackendGet, metrics.OpBackendRemove,
		metrics.OpDecode, metrics.OpQueueWait,
	} {
		stats, err := lt.GetStats(op)
		if err != nil {
			t.Errorf("Expected latency data for %s: %v", op, err)
			continue
		}
		if stats.Count == 0 {
			t.Errorf("Expected samples for %s", op)
		}
	}
}

func TestBackendPanicCompletesOperation(t *testing.T) {
	s, backend := newTestStore(t)
	backend.panicWith = "disk on fire"

	r := retrieve(t, s)
	expectKind(t, r, ResultFailure)
	if !errors.Is(r.Err, ErrPanicked) {
		t.Errorf("Expected ErrPanicked, got %v", r.Err)
	}
	if err := insert(t, s, uniqueFeed(), time.Now()); !errors.Is(err, ErrPanicked) {
		t.Errorf("Expected ErrPanicked from insert, got %v", err)
	}
	if err := deleteFeed(t, s); !errors.Is(err, ErrPanicked) {
		t.Errorf("Expected ErrPanicked from delete, got %v", err)
	}

	// The queue keeps moving once the backend recovers.
	backend.panicWith = nil
	if err := insert(t, s, uniqueFeed(), time.Unix(7, 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	expectKind(t, retrieve(t, s), ResultFound)
}

func TestBackendPanicCallsCompletionOnce(t *testing.T) {
	s, backend := newTestStore(t)
	backend.panicWith = errors.New("boom")

	var calls atomic.Int32
	fired := make(chan struct{}, 2)
	s.Retrieve(context.Background(), func(RetrievalResult) {
		calls.Add(1)
		fired <- struct{}{}
	})
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("Completion never fired after backend panic")
	}

	// Anything queued behind it has finished once this returns.
	backend.panicWith = nil
	retrieve(t, s)
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected completion to be called once, got %d", got)
	}
}

func TestOperationsAfterCloseFailOnSharedExecutor(t *testing.T) {
	exec := locking.NewSerial(nil)
	defer exec.Close()
	backend := &instrumentedBackend{Backend: backends.NewMemory()}
	s := New(backend, WithExecutor(exec))

	if err := insert(t, s, uniqueFeed(), time.Now()); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	before := backend.calls.Load()

	if err := insert(t, s, uniqueFeed(), time.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from insert, got %v", err)
	}
	if err := deleteFeed(t, s); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from delete, got %v", err)
	}
	r := retrieve(t, s)
	if r.Kind != ResultFailure || !errors.Is(r.Err, ErrClosed) {
		t.Errorf("Expected failure with ErrClosed, got %s %v", r.Kind, r.Err)
	}
	if got := backend.calls.Load(); got != before {
		t.Errorf("Expected no backend calls after Close, got %d", got-before)
	}

	// The shared executor is still usable by its owner.
	ran := make(chan struct{})
	if err := exec.Submit(func(done func()) { close(ran); done() }); err != nil {
		t.Fatalf("Expected shared executor to stay open, got %v", err)
	}
	<-ran
}
