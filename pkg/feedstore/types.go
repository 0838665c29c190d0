package feedstore

import (
	"time"

	"github.com/google/uuid"
)

// CachedItem is one record of a cached feed. Two items with equal fields are
// interchangeable.
type CachedItem struct {
	ID          uuid.UUID `json:"id" yaml:"id"`
	Description *string   `json:"description,omitempty" yaml:"description,omitempty"`
	Location    *string   `json:"location,omitempty" yaml:"location,omitempty"`
	URL         string    `json:"url" yaml:"url"`
}

// CachedFeed is the full snapshot held by the store: the items in their
// original order and the time the snapshot was produced. Timestamps read back
// from the store are in UTC whatever zone they were inserted with.
type CachedFeed struct {
	Items     []CachedItem `json:"items" yaml:"items"`
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
}

// ResultKind tags a RetrievalResult.
type ResultKind int

const (
	// ResultEmpty means nothing is cached.
	ResultEmpty ResultKind = iota
	// ResultFound means a snapshot was cached and decoded.
	ResultFound
	// ResultFailure means a snapshot was cached but could not be read back.
	ResultFailure
)

func (k ResultKind) String() string {
	switch k {
	case ResultEmpty:
		return "empty"
	case ResultFound:
		return "found"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// RetrievalResult is the outcome of Retrieve. Feed is only set for
// ResultFound and Err only for ResultFailure.
//
// Callers should treat a failure as an unusable cache: proceed as if it were
// empty and optionally Delete it. The store never purges on its own.
type RetrievalResult struct {
	Kind ResultKind
	Feed CachedFeed
	Err  error
}

func Empty() RetrievalResult {
	return RetrievalResult{Kind: ResultEmpty}
}

func Found(items []CachedItem, timestamp time.Time) RetrievalResult {
	return RetrievalResult{
		Kind: ResultFound,
		Feed: CachedFeed{Items: items, Timestamp: timestamp},
	}
}

func Failure(err error) RetrievalResult {
	return RetrievalResult{Kind: ResultFailure, Err: err}
}

// cloneItems deep-copies items so later mutation by the caller cannot reach
// what the store is about to persist.
func cloneItems(items []CachedItem) []CachedItem {
	if items == nil {
		return nil
	}
	out := make([]CachedItem, len(items))
	for i, item := range items {
		out[i] = CachedItem{
			ID:          item.ID,
			Description: cloneString(item.Description),
			Location:    cloneString(item.Location),
			URL:         item.URL,
		}
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
