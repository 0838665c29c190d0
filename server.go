package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/richardartoul/feedcache/pkg/feedstore"
	"github.com/richardartoul/feedcache/pkg/locking"
)

// Cmd represents a feed cache command type.
type Cmd string

const (
	CmdRetrieve = Cmd("retrieve")
	CmdInsert   = Cmd("insert")
	CmdDelete   = Cmd("delete")
	CmdClose    = Cmd("close")
)

// Request represents one line of input.
type Request struct {
	ID      int64
	Command Cmd
	Feed    *feedstore.CachedFeed `json:",omitempty"`
}

// Response represents one line of output.
type Response struct {
	ID            int64                 `json:",omitempty"`
	Err           string                `json:",omitempty"`
	KnownCommands []Cmd                 `json:",omitempty"`
	Result        string                `json:",omitempty"`
	Feed          *feedstore.CachedFeed `json:",omitempty"`
}

// FeedProg speaks a line-delimited JSON protocol: one request per input line,
// one response per request. Requests are handed to the store as they are read
// and answered from their completions. Responses that need no store work go
// through the same executor as the store, so every response comes back in
// request order even though the loop never waits before reading the next line.
type FeedProg struct {
	store    *feedstore.Store
	executor locking.Executor
	scanner  *bufio.Scanner

	mu       sync.Mutex // guards writer; completions and the read loop both write
	writer   *bufio.Writer
	writeErr error
}

// NewFeedProg creates a protocol handler reading from in and writing to out.
// executor must be the one store was created with.
func NewFeedProg(store *feedstore.Store, executor locking.Executor, in io.Reader, out io.Writer) *FeedProg {
	scanner := bufio.NewScanner(in)
	// Feeds can be large; allow lines up to 10MB.
	const maxScanTokenSize = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &FeedProg{
		store:    store,
		executor: executor,
		scanner:  scanner,
		writer:   bufio.NewWriter(out),
	}
}

// SendResponse writes a response line.
func (fp *FeedProg) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	if fp.writeErr != nil {
		return fp.writeErr
	}
	if _, err := fp.writer.Write(data); err != nil {
		fp.writeErr = fmt.Errorf("failed to write response: %w", err)
	} else if err := fp.writer.WriteByte('\n'); err != nil {
		fp.writeErr = fmt.Errorf("failed to write newline: %w", err)
	} else if err := fp.writer.Flush(); err != nil {
		fp.writeErr = fmt.Errorf("failed to flush response: %w", err)
	}
	return fp.writeErr
}

// sendInOrder queues resp behind every operation submitted so far.
func (fp *FeedProg) sendInOrder(resp Response) error {
	return fp.executor.Submit(func(done func()) {
		defer done()
		fp.SendResponse(resp)
	})
}

func (fp *FeedProg) err() error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.writeErr
}

// SendInitialResponse sends the initial response with capabilities.
func (fp *FeedProg) SendInitialResponse() error {
	return fp.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdRetrieve, CmdInsert, CmdDelete, CmdClose},
	})
}

// ReadRequest reads the next non-empty line as a request.
func (fp *FeedProg) ReadRequest() (*Request, error) {
	var line string
	for {
		if !fp.scanner.Scan() {
			if err := fp.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = fp.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest submits req to the store. The response is sent from the
// operation's completion. Close is the exception: it waits for everything
// queued, closes the store and answers directly.
func (fp *FeedProg) HandleRequest(ctx context.Context, req *Request) error {
	id := req.ID
	// Write failures from completions are kept in writeErr and reported by
	// the read loop.
	reply := func(resp Response) {
		resp.ID = id
		fp.SendResponse(resp)
	}
	replyErr := func(err error) {
		if err != nil {
			reply(Response{Err: err.Error()})
			return
		}
		reply(Response{})
	}

	switch req.Command {
	case CmdRetrieve:
		fp.store.Retrieve(ctx, func(r feedstore.RetrievalResult) {
			resp := Response{Result: r.Kind.String()}
			switch r.Kind {
			case feedstore.ResultFound:
				feed := r.Feed
				resp.Feed = &feed
			case feedstore.ResultFailure:
				resp.Err = r.Err.Error()
			}
			reply(resp)
		})

	case CmdInsert:
		if req.Feed == nil {
			return fp.sendInOrder(Response{ID: id, Err: "insert requires a feed"})
		}
		ts := req.Feed.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		fp.store.Insert(ctx, req.Feed.Items, ts, replyErr)

	case CmdDelete:
		fp.store.Delete(ctx, replyErr)

	case CmdClose:
		resp := Response{ID: id}
		if err := fp.store.Close(); err != nil {
			resp.Err = err.Error()
		}
		return fp.SendResponse(resp)

	default:
		return fp.sendInOrder(Response{ID: id, Err: fmt.Sprintf("unknown command: %s", req.Command)})
	}

	return nil
}

// Run sends capabilities and processes requests until EOF or close. The store
// is always closed, and therefore drained, before Run returns.
func (fp *FeedProg) Run(ctx context.Context) error {
	defer fp.store.Close()

	if err := fp.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		req, err := fp.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := fp.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}
		if err := fp.err(); err != nil {
			return err
		}

		if req.Command == CmdClose {
			break
		}
	}

	// Let queued operations answer before reporting.
	fp.store.Close()
	return fp.err()
}
