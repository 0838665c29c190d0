package feedstore

import (
	"context"
	"time"
)

// The helpers below block until the operation's completion fires. If ctx ends
// first they return ctx.Err(). The operation itself is detached from ctx's
// cancellation: it stays queued, runs in order and its result is discarded.

// RetrieveSync is the blocking form of Retrieve.
func (s *Store) RetrieveSync(ctx context.Context) (RetrievalResult, error) {
	ch := make(chan RetrievalResult, 1)
	s.Retrieve(context.WithoutCancel(ctx), func(r RetrievalResult) { ch <- r })
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return RetrievalResult{}, ctx.Err()
	}
}

// InsertSync is the blocking form of Insert.
func (s *Store) InsertSync(ctx context.Context, items []CachedItem, timestamp time.Time) error {
	ch := make(chan error, 1)
	s.Insert(context.WithoutCancel(ctx), items, timestamp, func(err error) { ch <- err })
	return wait(ctx, ch)
}

// DeleteSync is the blocking form of Delete.
func (s *Store) DeleteSync(ctx context.Context) error {
	ch := make(chan error, 1)
	s.Delete(context.WithoutCancel(ctx), func(err error) { ch <- err })
	return wait(ctx, ch)
}

func wait(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
