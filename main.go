// Command feedcache stores, retrieves and clears a cached feed snapshot in a
// pluggable key-value backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/richardartoul/feedcache/backends"
	"github.com/richardartoul/feedcache/pkg/feedstore"
	"github.com/richardartoul/feedcache/pkg/locking"
	"github.com/richardartoul/feedcache/pkg/metrics"
)

// Options are shared by every command. Each can be set by flag or environment.
type Options struct {
	Backend string `long:"backend" env:"FEEDCACHE_BACKEND" default:"disk" choice:"disk" choice:"memory" choice:"sqlite" choice:"redis" choice:"s3" description:"Storage backend"`
	Key     string `long:"key" env:"FEEDCACHE_KEY" default:"feed.cache" description:"Backend key the feed is stored under"`

	Dir        string `long:"dir" env:"FEEDCACHE_DIR" default:"./feedcache" description:"Directory for the disk backend"`
	SQLitePath string `long:"sqlite-path" env:"FEEDCACHE_SQLITE_PATH" default:"./feedcache.db" description:"Database file for the sqlite backend"`

	RedisAddr     string `long:"redis-addr" env:"FEEDCACHE_REDIS_ADDR" default:"localhost:6379" description:"Redis server address"`
	RedisPassword string `long:"redis-password" env:"FEEDCACHE_REDIS_PASSWORD" description:"Redis password"`
	RedisDB       int    `long:"redis-db" env:"FEEDCACHE_REDIS_DB" default:"0" description:"Redis database number"`

	S3Bucket   string `long:"s3-bucket" env:"FEEDCACHE_S3_BUCKET" description:"Bucket for the s3 backend"`
	S3Prefix   string `long:"s3-prefix" env:"FEEDCACHE_S3_PREFIX" description:"Object key prefix for the s3 backend"`
	S3Region   string `long:"s3-region" env:"FEEDCACHE_S3_REGION" description:"AWS region for the s3 backend"`
	S3Endpoint string `long:"s3-endpoint" env:"FEEDCACHE_S3_ENDPOINT" description:"Custom S3 endpoint (MinIO, LocalStack)"`

	Debug      bool `long:"debug" env:"FEEDCACHE_DEBUG" description:"Enable debug logging of every backend call"`
	PrintStats bool `long:"print-stats" env:"FEEDCACHE_PRINT_STATS" description:"Print latency statistics on exit"`
}

// app holds what every command needs once flags are parsed.
type app struct {
	opts   Options
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}

	parser := flags.NewParser(&a.opts, flags.Default)
	parser.AddCommand("retrieve", "Print the cached feed",
		"Prints the cached feed as YAML. Reports when nothing is cached.", &retrieveCommand{app: a})
	parser.AddCommand("insert", "Cache a feed",
		"Reads a YAML or JSON feed document and replaces the cached feed with it.", &insertCommand{app: a})
	parser.AddCommand("delete", "Clear the cached feed",
		"Removes the cached feed. Succeeds when nothing is cached.", &deleteCommand{app: a})
	parser.AddCommand("serve", "Serve the line protocol on stdin/stdout",
		"Reads JSON requests line by line from stdin and writes one JSON response per request to stdout.", &serveCommand{app: a})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func (a *app) logger() *slog.Logger {
	level := slog.LevelInfo
	if a.opts.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}

// openBackend builds the backend selected by --backend.
func (a *app) openBackend(ctx context.Context, logger *slog.Logger) (backends.Backend, error) {
	var (
		backend backends.Backend
		err     error
	)
	switch a.opts.Backend {
	case "disk":
		backend, err = backends.NewDisk(a.opts.Dir, logger)
	case "memory":
		backend = backends.NewMemory()
	case "sqlite":
		backend, err = backends.OpenSQLite(a.opts.SQLitePath)
	case "redis":
		backend, err = backends.NewRedis(ctx, a.opts.RedisAddr, a.opts.RedisPassword, a.opts.RedisDB)
	case "s3":
		backend, err = backends.NewS3(ctx, backends.S3Config{
			Bucket:   a.opts.S3Bucket,
			Prefix:   a.opts.S3Prefix,
			Region:   a.opts.S3Region,
			Endpoint: a.opts.S3Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown backend: %s", a.opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", a.opts.Backend, err)
	}

	if a.opts.Debug {
		backend = backends.NewDebug(backend, logger)
	}
	return backend, nil
}

// withStore opens the configured store, runs fn and closes it. The executor is
// created here rather than by the store so serve can queue its own responses
// on it.
func (a *app) withStore(fn func(ctx context.Context, store *feedstore.Store, exec locking.Executor) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := a.logger()
	backend, err := a.openBackend(ctx, logger)
	if err != nil {
		logger.Error("failed to open backend", "backend", a.opts.Backend, "error", err)
		return err
	}

	var latency *metrics.LatencyTracker
	if a.opts.PrintStats {
		latency = metrics.NewLatencyTracker(0.01)
	}

	exec := locking.NewSerial(logger)
	defer exec.Close()

	store := feedstore.New(backend,
		feedstore.WithKey(a.opts.Key),
		feedstore.WithLogger(logger),
		feedstore.WithLatencyTracker(latency),
		feedstore.WithExecutor(exec),
	)

	runErr := fn(ctx, store, exec)
	if err := store.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close store: %w", err)
	}

	if latency != nil {
		fmt.Fprintln(a.stderr, "Latency statistics:")
		for _, s := range latency.GetAllStats() {
			fmt.Fprintln(a.stderr, s.String())
		}
	}
	return runErr
}
