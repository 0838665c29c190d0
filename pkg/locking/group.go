package locking

import "errors"

// ErrClosed is returned by Submit once the executor has been closed.
var ErrClosed = errors.New("locking: executor closed")

// Operation is a unit of asynchronous work. It must call done exactly once when
// it has finished, from any goroutine. Calls after the first are ignored.
type Operation func(done func())

// locking.Executor is an abstraction for running asynchronous operations with
// mutual exclusion over everything they touch.
type Executor interface {
	// Submit enqueues op. It never blocks and never runs op on the calling
	// goroutine.
	Submit(op Operation) error
}
