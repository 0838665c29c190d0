package backends

import (
	"context"
	"log/slog"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

// Get retrieves a value with debug logging.
func (d *Debug) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d.logger.DebugContext(ctx, "get", "key", key)

	data, ok, err := d.backend.Get(ctx, key)
	if err != nil {
		d.logger.DebugContext(ctx, "get failed", "key", key, "error", err)
		return data, ok, err
	}

	if !ok {
		d.logger.DebugContext(ctx, "get miss", "key", key)
	} else {
		d.logger.DebugContext(ctx, "get hit", "key", key, "size", len(data))
	}
	return data, ok, nil
}

// Set stores a value with debug logging.
func (d *Debug) Set(ctx context.Context, key string, data []byte) error {
	d.logger.DebugContext(ctx, "set", "key", key, "size", len(data))

	if err := d.backend.Set(ctx, key, data); err != nil {
		d.logger.DebugContext(ctx, "set failed", "key", key, "error", err)
		return err
	}

	d.logger.DebugContext(ctx, "set stored", "key", key)
	return nil
}

// Remove deletes a value with debug logging.
func (d *Debug) Remove(ctx context.Context, key string) error {
	d.logger.DebugContext(ctx, "remove", "key", key)

	err := d.backend.Remove(ctx, key)
	switch {
	case err == nil:
		d.logger.DebugContext(ctx, "remove done", "key", key)
	case IsNotFound(err):
		d.logger.DebugContext(ctx, "remove miss", "key", key)
	default:
		d.logger.DebugContext(ctx, "remove failed", "key", key, "error", err)
	}
	return err
}

// Close closes the wrapped backend with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug("closing backend")

	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("close failed", "error", err)
	}
	return err
}
