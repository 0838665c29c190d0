package feedstore

import (
	"errors"

	"github.com/richardartoul/feedcache/pkg/locking"
)

// ErrDecode matches every *DecodeError with errors.Is.
var ErrDecode = errors.New("feedstore: cannot decode cached feed")

// ErrClosed is delivered to completions of operations issued after Close.
var ErrClosed = locking.ErrClosed

// ErrPanicked is delivered to the completion of an operation whose backend
// call panicked.
var ErrPanicked = errors.New("feedstore: operation panicked")

// DecodeError reports stored bytes that are not a valid encoded feed. The bytes
// are left in the backend untouched.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return ErrDecode.Error() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}
