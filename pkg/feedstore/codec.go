package feedstore

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// The wire format is CBOR with core deterministic encoding:
//
//	feed = [items, seconds, nanos]
//	item = [id (16-byte bstr), description / null, location / null, url]
//
// Timestamps are stored as Unix seconds plus nanoseconds so the full precision
// survives. Zone information is not stored; decoded timestamps are in UTC.

type wireItem struct {
	_           struct{} `cbor:",toarray"`
	ID          []byte
	Description *string
	Location    *string
	URL         string
}

type wireFeed struct {
	_       struct{} `cbor:",toarray"`
	Items   []wireItem
	Seconds int64
	Nanos   int64
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("feedstore: invalid cbor encode options: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 2147483647,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("feedstore: invalid cbor decode options: %v", err))
	}
}

// Encode turns items and timestamp into bytes. The same input always produces
// the same bytes.
func Encode(items []CachedItem, timestamp time.Time) ([]byte, error) {
	w := wireFeed{
		Items:   make([]wireItem, len(items)),
		Seconds: timestamp.Unix(),
		Nanos:   int64(timestamp.Nanosecond()),
	}
	for i, item := range items {
		id := item.ID
		w.Items[i] = wireItem{
			ID:          id[:],
			Description: item.Description,
			Location:    item.Location,
			URL:         item.URL,
		}
	}

	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cached feed: %w", err)
	}
	return data, nil
}

// Decode parses bytes produced by Encode. Truncated, trailing or foreign bytes
// yield a *DecodeError and a zero CachedFeed.
func Decode(data []byte) (CachedFeed, error) {
	var w wireFeed
	if err := decMode.Unmarshal(data, &w); err != nil {
		return CachedFeed{}, &DecodeError{Err: err}
	}
	if w.Nanos < 0 || w.Nanos >= int64(time.Second) {
		return CachedFeed{}, &DecodeError{Err: fmt.Errorf("timestamp nanoseconds out of range: %d", w.Nanos)}
	}

	items := make([]CachedItem, len(w.Items))
	for i, wi := range w.Items {
		id, err := uuid.FromBytes(wi.ID)
		if err != nil {
			return CachedFeed{}, &DecodeError{Err: fmt.Errorf("item %d: %w", i, err)}
		}
		items[i] = CachedItem{
			ID:          id,
			Description: wi.Description,
			Location:    wi.Location,
			URL:         wi.URL,
		}
	}

	return CachedFeed{
		Items:     items,
		Timestamp: time.Unix(w.Seconds, w.Nanos).UTC(),
	}, nil
}
