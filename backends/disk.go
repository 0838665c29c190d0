package backends

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	// fileFormatVersion prefixes every value file so a future layout change
	// never reads files written by an older one.
	fileFormatVersion = "v1-"
	tmpFilePrefix     = ".tmp-"
	lockFileName      = ".lock"
	lockRetryDelay    = 10 * time.Millisecond
)

// Disk stores each key as a single file inside a directory.
//
// Writes go to a temp file which is then atomically renamed over the
// destination, so a reader never observes a partially written value. A flock on
// a lock file in the directory gives mutual exclusion between processes that
// share the directory; within one process the feed store already serializes
// every call.
type Disk struct {
	dir    string // Absolute path to the cache directory
	lock   *flock.Flock
	logger *slog.Logger
}

// NewDisk creates a disk backend rooted at dir, creating it if needed.
func NewDisk(dir string, logger *slog.Logger) (*Disk, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Convert to absolute path once at initialization.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	d := &Disk{
		dir:    absDir,
		lock:   flock.New(filepath.Join(absDir, lockFileName)),
		logger: logger,
	}
	if err := d.removeStaleTempFiles(); err != nil {
		return nil, err
	}
	return d, nil
}

// Get reads the file for key under a shared lock.
func (d *Disk) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if _, err := d.lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return nil, false, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer d.unlock()

	data, err := os.ReadFile(d.keyPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, true, nil
}

// Set atomically replaces the file for key.
func (d *Disk) Set(ctx context.Context, key string, data []byte) error {
	if _, err := d.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer d.unlock()

	tmpFile, err := os.CreateTemp(d.dir, tmpFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	_, err = tmpFile.Write(data)
	if err == nil {
		err = tmpFile.Sync()
	}
	closeErr := tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	// The rename is the commit point. Until it happens the old value, if any,
	// is what readers see.
	if err := os.Rename(tmpPath, d.keyPath(key)); err != nil {
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Remove deletes the file for key. A missing file yields ErrNotFound.
func (d *Disk) Remove(ctx context.Context, key string) error {
	if _, err := d.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer d.unlock()

	if err := os.Remove(d.keyPath(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Close releases the lock file handle.
func (d *Disk) Close() error {
	return d.lock.Close()
}

// Dir returns the absolute directory the backend writes into.
func (d *Disk) Dir() string {
	return d.dir
}

// keyPath converts a key to a file path. Keys are hex encoded so any string is
// a valid file name.
func (d *Disk) keyPath(key string) string {
	return filepath.Join(d.dir, fileFormatVersion+hex.EncodeToString([]byte(key)))
}

func (d *Disk) unlock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release cache directory lock", "dir", d.dir, "error", err)
	}
}

// removeStaleTempFiles deletes temp files left behind by a process that died
// between writing and renaming.
func (d *Disk) removeStaleTempFiles() error {
	if err := d.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer d.unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tmpFilePrefix) {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("failed to remove stale temp file", "path", path, "error", err)
		}
	}
	return nil
}
