// Package upload provides functional options for configuring engine behavior.
// These options follow the functional options pattern for clean, composable
// configuration.
package upload

import (
	"log/slog"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// WithLogger sets the structured logger used for engine and item lifecycle
// events. Default is slog.Default().
func WithLogger(logger *slog.Logger) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithFilesystem sets the filesystem abstraction backing file sources and
// directory enqueueing. Default is the OS filesystem rooted at /.
// Use an in-memory filesystem for testing.
func WithFilesystem(filesystem fs.Filesystem) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		if filesystem != nil {
			c.Filesystem = filesystem
		}
	}
}

// WithFlushInterval throttles how often progress and speed updates are
// flushed to item state during single-shot transfers.
// Default is 120ms. Values should be positive durations.
func WithFlushInterval(interval time.Duration) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		if interval > 0 {
			c.FlushInterval = interval
		}
	}
}

// WithEnqueueBatchSize sets how many items are appended to the queue between
// scheduler yields during bulk enqueue. This keeps enqueueing thousands of
// files from starving running transfers. Default is 50.
func WithEnqueueBatchSize(size int) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		if size > 0 {
			c.EnqueueBatchSize = size
		}
	}
}

// WithConcurrencyCeiling sets the hard upper bound on item-level concurrency.
// The effective limit is the server policy's MaxConcurrency clamped to this
// ceiling. Default is 8.
func WithConcurrencyCeiling(ceiling int) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		if ceiling > 0 {
			c.ConcurrencyCeiling = ceiling
		}
	}
}

// WithProposedPartSize sets the part size proposed to the server on chunked
// session init. The server's answer is authoritative. Default is 5MB.
func WithProposedPartSize(partSize int64) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		if partSize > 0 {
			c.ProposedPartSize = partSize
		}
	}
}

// WithNotifier registers a callback invoked with the pending item count after
// every enqueue. The callback must not block; it runs on the enqueueing
// goroutine.
func WithNotifier(notifier uploadtypes.Notifier) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		c.Notifier = notifier
	}
}

// WithStaticPolicy bypasses the server policy fetch and uses the given policy
// for the engine's lifetime. Useful for testing and for deployments where the
// policy endpoint is unavailable.
func WithStaticPolicy(policy uploadtypes.Policy) uploadtypes.Option {
	return func(c *uploadtypes.EngineConfig) {
		p := policy.Normalized()
		c.StaticPolicy = &p
	}
}
