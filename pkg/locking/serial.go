package locking

import (
	"log/slog"
	"sync"
)

// Serial is an Executor that runs operations one at a time in submission order.
// An operation does not start until the previous one has called done, no matter
// how long that takes. An operation that never calls done stalls the queue
// forever; there are no timeouts.
//
// The queue is unbounded so Submit never blocks.
type Serial struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Operation
	closed bool

	stopped chan struct{}
	logger  *slog.Logger
}

// NewSerial creates a Serial executor and starts its worker goroutine.
func NewSerial(logger *slog.Logger) *Serial {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Serial{
		stopped: make(chan struct{}),
		logger:  logger,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *Serial) Submit(op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, op)
	s.cond.Signal()
	return nil
}

// Len returns the number of operations waiting to start. The operation
// currently in flight is not counted.
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops accepting new operations, waits for everything already queued to
// finish and then returns. It is safe to call more than once.
func (s *Serial) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.stopped
	return nil
}

func (s *Serial) loop() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(op)
	}
}

// run executes op and blocks until it signals completion. A panic counts as
// completion so one bad operation cannot wedge the queue.
func (s *Serial) run(op Operation) {
	finished := make(chan struct{})
	var once sync.Once
	done := func() {
		once.Do(func() { close(finished) })
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("serialized operation panicked", "panic", r)
				done()
			}
		}()
		op(done)
	}()

	<-finished
}
