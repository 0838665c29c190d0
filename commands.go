package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richardartoul/feedcache/pkg/feedstore"
	"github.com/richardartoul/feedcache/pkg/locking"
)

type retrieveCommand struct {
	app *app
}

func (c *retrieveCommand) Execute(args []string) error {
	return c.app.withStore(func(ctx context.Context, store *feedstore.Store, _ locking.Executor) error {
		r, err := store.RetrieveSync(ctx)
		if err != nil {
			return err
		}
		return writeResult(c.app.stdout, r)
	})
}

type insertCommand struct {
	app *app

	File      string `short:"f" long:"file" default:"-" description:"Feed document to cache, - for stdin"`
	Timestamp string `long:"timestamp" description:"RFC 3339 timestamp to cache the feed with (default: the document's, else now)"`
}

func (c *insertCommand) Execute(args []string) error {
	feed, err := readFeed(c.app.stdin, c.File)
	if err != nil {
		return err
	}
	if c.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, c.Timestamp)
		if err != nil {
			return fmt.Errorf("invalid --timestamp: %w", err)
		}
		feed.Timestamp = ts
	}
	if feed.Timestamp.IsZero() {
		feed.Timestamp = time.Now()
	}

	return c.app.withStore(func(ctx context.Context, store *feedstore.Store, _ locking.Executor) error {
		if err := store.InsertSync(ctx, feed.Items, feed.Timestamp); err != nil {
			return fmt.Errorf("failed to cache feed: %w", err)
		}
		fmt.Fprintf(c.app.stdout, "cached %d items at %s\n", len(feed.Items), feed.Timestamp.Format(time.RFC3339Nano))
		return nil
	})
}

type deleteCommand struct {
	app *app
}

func (c *deleteCommand) Execute(args []string) error {
	return c.app.withStore(func(ctx context.Context, store *feedstore.Store, _ locking.Executor) error {
		if err := store.DeleteSync(ctx); err != nil {
			return fmt.Errorf("failed to delete cached feed: %w", err)
		}
		return nil
	})
}

type serveCommand struct {
	app *app
}

func (c *serveCommand) Execute(args []string) error {
	return c.app.withStore(func(ctx context.Context, store *feedstore.Store, exec locking.Executor) error {
		return NewFeedProg(store, exec, c.app.stdin, c.app.stdout).Run(ctx)
	})
}

// feedDocument is the on-disk shape accepted by insert. The timestamp is kept
// as text so quoted (JSON) and plain (YAML) forms parse the same way.
type feedDocument struct {
	Items     []feedstore.CachedItem `yaml:"items"`
	Timestamp string                 `yaml:"timestamp"`
}

// readFeed decodes a feed document from path, or from stdin when path is "-".
// YAML is a superset of JSON so both formats are accepted.
func readFeed(stdin io.Reader, path string) (feedstore.CachedFeed, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return feedstore.CachedFeed{}, fmt.Errorf("failed to read feed document: %w", err)
	}

	var doc feedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return feedstore.CachedFeed{}, fmt.Errorf("failed to parse feed document: %w", err)
	}

	feed := feedstore.CachedFeed{Items: doc.Items}
	if doc.Timestamp != "" {
		feed.Timestamp, err = time.Parse(time.RFC3339Nano, doc.Timestamp)
		if err != nil {
			return feedstore.CachedFeed{}, fmt.Errorf("invalid feed timestamp: %w", err)
		}
	}
	return feed, nil
}

// writeResult prints a retrieval result. A failure is returned as an error so
// the command exits non-zero.
func writeResult(w io.Writer, r feedstore.RetrievalResult) error {
	switch r.Kind {
	case feedstore.ResultEmpty:
		_, err := fmt.Fprintln(w, "# cache is empty")
		return err
	case feedstore.ResultFound:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r.Feed); err != nil {
			return fmt.Errorf("failed to print feed: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("cached feed is unusable: %w", r.Err)
	}
}
