// Package uploadtypes provides shared type definitions for the upload module.
package uploadtypes

import (
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"
)

// Status represents the lifecycle state of an upload item.
type Status string

// Item lifecycle states
const (
	// StatusQueued means the item is waiting for a scheduler slot
	StatusQueued Status = "queued"

	// StatusUploading means a worker is actively transferring the item
	StatusUploading Status = "uploading"

	// StatusPaused means the user suspended the item; its session survives
	StatusPaused Status = "paused"

	// StatusSuccess means the transfer finished and the object exists remotely
	StatusSuccess Status = "success"

	// StatusError means the transfer failed after exhausting retries
	StatusError Status = "error"

	// StatusCancelled means the user aborted the item; its session is discarded
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCancelled
}

// Pending reports whether the item still represents outstanding work.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusUploading || s == StatusPaused
}

// Destination identifies the remote folder an item is uploaded into.
type Destination struct {
	// FolderID is the identifier of the target parent folder
	FolderID string

	// Overwrite controls whether an existing object with the same name is replaced
	Overwrite bool
}

// Default policy values applied when the server omits or misconfigures a field.
const (
	// DefaultChunkThreshold is the size at which chunked transfer kicks in
	DefaultChunkThreshold int64 = 10 << 20

	// DefaultMaxConcurrency is the fallback item-level concurrency limit
	DefaultMaxConcurrency = 3

	// DefaultMaxParallelChunks is the fallback per-item part parallelism
	DefaultMaxParallelChunks = 3

	// MinRetryBaseDelay is the floor for the retry backoff base delay
	MinRetryBaseDelay = 100 * time.Millisecond
)

// Policy carries the server-supplied upload tunables. It is fetched once per
// engine lifetime and cached; a fresh copy is also returned on session init.
type Policy struct {
	// ChunkThresholdBytes is the file size at or above which chunked
	// transfer is used instead of a single request
	ChunkThresholdBytes int64

	// MaxConcurrency bounds the number of items uploading at once
	MaxConcurrency int

	// MaxParallelChunks bounds in-flight part uploads within one item
	MaxParallelChunks int

	// ResumableEnabled allows adopting server-acknowledged parts on resume
	ResumableEnabled bool

	// RetryMax is the maximum number of retries per part
	RetryMax int

	// RetryBaseDelay is the backoff base delay
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff delay
	RetryMaxDelay time.Duration
}

// Normalized returns a copy of the policy with sane floors applied so a
// malformed server configuration cannot stall or hot-loop the engine.
func (p Policy) Normalized() Policy {
	if p.ChunkThresholdBytes <= 0 {
		p.ChunkThresholdBytes = DefaultChunkThreshold
	}
	if p.MaxConcurrency < 1 {
		p.MaxConcurrency = DefaultMaxConcurrency
	}
	if p.MaxParallelChunks < 1 {
		p.MaxParallelChunks = DefaultMaxParallelChunks
	}
	if p.RetryMax < 0 {
		p.RetryMax = 0
	}
	if p.RetryBaseDelay < MinRetryBaseDelay {
		p.RetryBaseDelay = MinRetryBaseDelay
	}
	if p.RetryMaxDelay < p.RetryBaseDelay {
		p.RetryMaxDelay = p.RetryBaseDelay
	}
	return p
}

// ItemView is a read-only snapshot of one upload item, safe to hand to
// presentation code. Progress is an integer percent; Speed is a smoothed
// bytes/sec estimate that decays to zero whenever work stops.
type ItemView struct {
	ID          string
	Name        string
	RelDir      string
	Size        int64
	Destination Destination
	Status      Status
	Progress    int
	Speed       float64
	Error       string
	CreatedAt   time.Time

	// Chunked session bookkeeping, zero for single-shot transfers
	UploadID      string
	TotalParts    int
	UploadedParts int
}

// Notifier receives advisory queue notifications. The argument is the number
// of items still pending (queued, uploading or paused). It is informational
// only and never part of the transfer contract.
type Notifier func(pending int)

// EngineConfig holds the engine-level configuration assembled from
// functional options.
type EngineConfig struct {
	// Logger receives engine lifecycle and item transition events
	Logger *slog.Logger

	// Filesystem backs file sources and directory enqueueing
	Filesystem fs.Filesystem

	// FlushInterval throttles progress/speed flushes during single-shot
	// transfers
	FlushInterval time.Duration

	// EnqueueBatchSize bounds how many items are appended to the queue
	// between scheduler yields during bulk enqueue
	EnqueueBatchSize int

	// ConcurrencyCeiling is the hard upper bound on the server-resolved
	// item concurrency limit
	ConcurrencyCeiling int

	// ProposedPartSize is the client-proposed part size sent on session init
	ProposedPartSize int64

	// Notifier, when set, is invoked with the pending item count after
	// every enqueue
	Notifier Notifier

	// StaticPolicy, when set, bypasses the server policy fetch entirely
	StaticPolicy *Policy
}

// Option configures the engine during construction.
type Option func(*EngineConfig)
