// Package upload provides engine initialization and configuration.
//
// The Engine provides a high-level interface for queueing files into a cloud
// drive, supporting single-shot and resumable chunked transfers with
// configurable options for concurrency, retries and progress tracking.
package upload

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"

	"github.com/cirrusdrive/cirrus-go/upload/driveapi"
	"github.com/cirrusdrive/cirrus-go/upload/errors"
	"github.com/cirrusdrive/cirrus-go/upload/internal/folders"
	"github.com/cirrusdrive/cirrus-go/upload/internal/queue"
	"github.com/cirrusdrive/cirrus-go/upload/internal/transfer"
	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// Default engine tunables applied when the corresponding option is omitted.
const (
	// DefaultFlushInterval throttles single-shot progress flushes
	DefaultFlushInterval = 120 * time.Millisecond

	// DefaultEnqueueBatchSize bounds queue appends between scheduler yields
	DefaultEnqueueBatchSize = 50

	// DefaultConcurrencyCeiling caps the server-resolved item concurrency
	DefaultConcurrencyCeiling = 8

	// DefaultProposedPartSize is the part size proposed on session init
	DefaultProposedPartSize int64 = 5 << 20
)

// Engine is the upload orchestrator. It owns the item queue, resolves the
// server upload policy, schedules transfers within the concurrency limit and
// exposes per-item controls. All methods are safe for concurrent use.
type Engine struct {
	// api is the drive transport all transfers go through
	api driveapi.Client

	// cfg holds the engine configuration assembled from options
	cfg uploadtypes.EngineConfig

	logger *slog.Logger

	// fs is the filesystem abstraction for file sources
	fs fs.Filesystem

	queue    *queue.Queue
	uploader *transfer.Uploader

	// policy memoization; polDone is non-nil while a fetch is in flight
	polMu   sync.Mutex
	policy  *uploadtypes.Policy
	polDone chan struct{}

	// cancels maps item IDs to their in-flight transfer cancel funcs
	cancelMu sync.Mutex
	cancels  map[string]func()

	// scheduler lifecycle; running enforces the single-scheduler guard
	runMu   sync.Mutex
	running bool

	// busy counts in-flight item transfers
	busy atomic.Int64

	// settled is closed and replaced whenever item state settles, waking
	// Wait callers without polling
	settleMu sync.Mutex
	settled  chan struct{}
}

// New creates an upload engine around the given drive API client with the
// provided options.
//
// Example:
//
//	engine, err := upload.New(api,
//	    upload.WithConcurrencyCeiling(4),
//	    upload.WithProposedPartSize(8<<20),
//	)
func New(api driveapi.Client, opts ...uploadtypes.Option) (*Engine, error) {
	if api == nil {
		return nil, errors.NewError("engine initialization", errors.ErrInvalidInput).
			WithMessage("drive API client is required")
	}

	cfg := uploadtypes.EngineConfig{
		FlushInterval:      DefaultFlushInterval,
		EnqueueBatchSize:   DefaultEnqueueBatchSize,
		ConcurrencyCeiling: DefaultConcurrencyCeiling,
		ProposedPartSize:   DefaultProposedPartSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Default to the OS filesystem rooted at /
	filesystem := cfg.Filesystem
	if filesystem == nil {
		filesystem = billy.NewOSFS("/")
	}

	q := queue.New()
	resolver := folders.New(api, logger)

	e := &Engine{
		api:     api,
		cfg:     cfg,
		logger:  logger,
		fs:      filesystem,
		queue:   q,
		cancels: make(map[string]func()),
		settled: make(chan struct{}),
	}
	e.uploader = transfer.New(api, q, resolver, logger, transfer.Config{
		FlushInterval:    cfg.FlushInterval,
		ProposedPartSize: cfg.ProposedPartSize,
	})
	return e, nil
}

// Filesystem returns the filesystem abstraction the engine reads sources
// from.
func (e *Engine) Filesystem() fs.Filesystem {
	return e.fs
}
