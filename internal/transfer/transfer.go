// Package transfer executes one item's upload: it decides single-shot vs
// chunked, negotiates resumable sessions, and drives bounded-parallel part
// uploads through the retry policy.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cirrusdrive/cirrus-go/upload/driveapi"
	uperrors "github.com/cirrusdrive/cirrus-go/upload/errors"
	"github.com/cirrusdrive/cirrus-go/upload/internal/folders"
	"github.com/cirrusdrive/cirrus-go/upload/internal/queue"
	"github.com/cirrusdrive/cirrus-go/upload/internal/retry"
	"github.com/cirrusdrive/cirrus-go/upload/internal/speed"
	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

const (
	// DefaultContentType is used when content type detection fails
	DefaultContentType = "application/octet-stream"

	// DefaultFlushInterval bounds how often single-shot progress events are
	// flushed to the queue
	DefaultFlushInterval = 120 * time.Millisecond

	// DefaultProposedPartSize is the client's part-size proposal on session
	// init; the server's answer is authoritative
	DefaultProposedPartSize int64 = 5 << 20

	// mimeSniffBytes is how much of the payload head is read for content
	// type detection
	mimeSniffBytes int64 = 3072
)

// Config tunes the uploader.
type Config struct {
	// FlushInterval throttles single-shot progress flushes; zero uses the
	// default
	FlushInterval time.Duration

	// ProposedPartSize is sent on session init; zero uses the default
	ProposedPartSize int64
}

// Uploader executes per-item transfers against the drive API. One Uploader
// serves all items of an engine; it keeps no per-item state of its own.
type Uploader struct {
	api              driveapi.Client
	queue            *queue.Queue
	folders          *folders.Resolver
	logger           *slog.Logger
	flushInterval    time.Duration
	proposedPartSize int64
}

// New creates an uploader.
func New(api driveapi.Client, q *queue.Queue, resolver *folders.Resolver, logger *slog.Logger, cfg Config) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.ProposedPartSize <= 0 {
		cfg.ProposedPartSize = DefaultProposedPartSize
	}
	return &Uploader{
		api:              api,
		queue:            q,
		folders:          resolver,
		logger:           logger,
		flushInterval:    cfg.FlushInterval,
		proposedPartSize: cfg.ProposedPartSize,
	}
}

// Upload transfers one item. It materializes the destination folder, picks
// the transfer path by size against the policy threshold, and returns nil
// only once the object exists remotely. A context.Canceled return means the
// transfer was paused or cancelled, not that it failed.
func (u *Uploader) Upload(ctx context.Context, it *queue.Item, pol uploadtypes.Policy) error {
	folderID := it.Dest.FolderID
	if it.RelDir != "" {
		id, err := u.folders.Resolve(ctx, folderID, it.RelDir)
		if err != nil {
			return err
		}
		folderID = id
	}

	mimeType := u.detectContentType(it.Source)

	if it.Size >= pol.ChunkThresholdBytes {
		return u.uploadChunked(ctx, it, pol, folderID, mimeType)
	}
	return u.uploadSingle(ctx, it, folderID, mimeType)
}

// uploadSingle sends the whole payload in one request. Progress and speed
// derive from byte-level progress events, flushed to the queue at most once
// per flush interval to bound churn.
func (u *Uploader) uploadSingle(ctx context.Context, it *queue.Item, folderID, mimeType string) error {
	body, err := it.Source.Open()
	if err != nil {
		return uperrors.NewError("uploadFile", err).WithItem(it.ID).WithPath(it.Name)
	}
	defer body.Close()

	meter := speed.New(speed.DefaultWindow, speed.DefaultAlpha)
	var lastSent int64
	var lastFlush time.Time

	progress := func(sent int64) {
		now := time.Now()
		rate := meter.Record(sent-lastSent, now)
		lastSent = sent
		if now.Sub(lastFlush) < u.flushInterval && sent < it.Size {
			return
		}
		lastFlush = now
		pct := percent(sent, it.Size)
		u.queue.Update(it.ID, func(i *queue.Item) {
			if pct > i.Progress {
				i.Progress = pct
			}
			i.Speed = rate
		})
	}

	_, err = u.api.UploadFile(ctx, &driveapi.FileRequest{
		FolderID:  folderID,
		Name:      it.Name,
		Size:      it.Size,
		MimeType:  mimeType,
		Overwrite: it.Dest.Overwrite,
		Body:      body,
		Progress:  progress,
	})
	if err != nil {
		if uperrors.IsCancellation(err) {
			return err
		}
		return uperrors.NewError("uploadFile", err).WithItem(it.ID).WithPath(it.Name)
	}
	return nil
}

// uploadChunked runs the resumable multipart flow: negotiate or revalidate
// the session, adopt server-acknowledged parts, upload the rest with bounded
// parallelism, then finalize once every part is acknowledged.
func (u *Uploader) uploadChunked(ctx context.Context, it *queue.Item, pol uploadtypes.Policy, folderID, mimeType string) error {
	sess, pol, err := u.ensureSession(ctx, it, pol, folderID, mimeType)
	if err != nil {
		return err
	}

	// Adopted parts count toward progress before any byte moves.
	resumed := percent(int64(sess.AckedCount()), int64(sess.TotalParts))
	u.queue.Update(it.ID, func(i *queue.Item) {
		if resumed > i.Progress {
			i.Progress = resumed
		}
	})

	if pending := sess.Pending(); len(pending) > 0 {
		if err := u.uploadParts(ctx, it, sess, pol, pending); err != nil {
			return err
		}
	}

	if _, err := u.api.CompleteChunkUpload(ctx, &driveapi.CompleteRequest{
		UploadID:   sess.UploadID,
		FolderID:   folderID,
		Name:       it.Name,
		Overwrite:  it.Dest.Overwrite,
		MimeType:   mimeType,
		TotalParts: sess.TotalParts,
	}); err != nil {
		if uperrors.IsCancellation(err) {
			return err
		}
		return uperrors.NewError("completeChunkUpload", err).WithItem(it.ID).WithPath(it.Name)
	}

	// The object exists now; the session is spent.
	u.queue.Update(it.ID, func(i *queue.Item) { i.Session = nil })
	return nil
}

// ensureSession returns a session that agrees with the file size and the
// server. A surviving session whose part count no longer matches, or that
// the server reports a different total for, is discarded and renegotiated.
func (u *Uploader) ensureSession(
	ctx context.Context,
	it *queue.Item,
	pol uploadtypes.Policy,
	folderID, mimeType string,
) (*queue.Session, uploadtypes.Policy, error) {
	for attempt := 0; ; attempt++ {
		var sess *queue.Session
		u.queue.Update(it.ID, func(i *queue.Item) { sess = i.Session })

		if sess != nil && (sess.PartSize <= 0 || sess.TotalParts != totalParts(it.Size, sess.PartSize)) {
			// Part size drift (resize, server-side policy change) voids the
			// session.
			u.logger.Debug("discarding stale session", "item", it.ID, "uploadId", sess.UploadID)
			u.queue.Update(it.ID, func(i *queue.Item) { i.Session = nil })
			sess = nil
		}

		if sess == nil {
			si, err := u.api.InitChunkUpload(ctx, &driveapi.InitRequest{
				FolderID:         folderID,
				Name:             it.Name,
				Size:             it.Size,
				MimeType:         mimeType,
				ProposedPartSize: u.proposedPartSize,
				Overwrite:        it.Dest.Overwrite,
			})
			if err != nil {
				if uperrors.IsCancellation(err) {
					return nil, pol, err
				}
				return nil, pol, uperrors.NewError("initChunkUpload", err).WithItem(it.ID).WithPath(it.Name)
			}
			if si.Policy != nil {
				pol = si.Policy.Normalized()
			}
			sess = queue.NewSession(si.UploadID, si.PartSize, si.TotalParts)
			u.queue.Update(it.ID, func(i *queue.Item) { i.Session = sess })
			// Fresh session: nothing to adopt.
			return sess, pol, nil
		}

		if !pol.ResumableEnabled || sess.AckedCount() > 0 {
			return sess, pol, nil
		}

		// Resuming a surviving session with no local part knowledge: ask
		// the server which parts it already has.
		st, err := u.api.UploadStatus(ctx, sess.UploadID)
		if err != nil {
			if uperrors.IsCancellation(err) {
				return nil, pol, err
			}
			return nil, pol, uperrors.NewError("getUploadStatus", err).WithItem(it.ID)
		}
		if st.TotalParts != 0 && st.TotalParts != sess.TotalParts {
			u.logger.Debug("server disagrees on part count",
				"item", it.ID, "local", sess.TotalParts, "server", st.TotalParts)
			u.queue.Update(it.ID, func(i *queue.Item) { i.Session = nil })
			if attempt == 0 {
				continue
			}
			return nil, pol, uperrors.NewError("getUploadStatus", uperrors.ErrSessionInvalid).WithItem(it.ID)
		}
		u.queue.Update(it.ID, func(i *queue.Item) {
			for _, p := range st.UploadedParts {
				if p >= 1 && p <= sess.TotalParts {
					sess.Ack(p)
				}
			}
		})
		return sess, pol, nil
	}
}

// uploadParts uploads the pending parts with bounded parallelism. Workers
// pull indexes from a shared cursor; the first failure stops everyone from
// claiming new parts while already-issued requests settle.
func (u *Uploader) uploadParts(
	ctx context.Context,
	it *queue.Item,
	sess *queue.Session,
	pol uploadtypes.Policy,
	pending []int,
) error {
	workers := pol.MaxParallelChunks
	if workers > len(pending) {
		workers = len(pending)
	}

	rp := retry.FromPolicy(pol)
	meter := speed.New(speed.DefaultWindow, speed.DefaultAlpha)

	var next atomic.Int64
	var failed atomic.Bool
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		failed.Store(true)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// Checked before claiming a part: cancellation and sibling
				// failures both stop new work.
				if ctx.Err() != nil || failed.Load() {
					return
				}
				idx := int(next.Add(1)) - 1
				if idx >= len(pending) {
					return
				}
				part := pending[idx]
				if err := u.uploadPart(ctx, it, sess, part, rp); err != nil {
					fail(err)
					return
				}

				rate := meter.Record(partLength(it.Size, sess.PartSize, part), time.Now())
				u.queue.Update(it.ID, func(i *queue.Item) {
					sess.Ack(part)
					pct := percent(int64(sess.AckedCount()), int64(sess.TotalParts))
					if pct > i.Progress {
						i.Progress = pct
					}
					i.Speed = rate
				})
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Pause/cancel wins over failures the abort itself induced.
		return err
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

// uploadPart uploads one part through the retry policy. The byte range is
// re-read from the source on every attempt.
func (u *Uploader) uploadPart(ctx context.Context, it *queue.Item, sess *queue.Session, part int, rp *retry.Policy) error {
	off := int64(part-1) * sess.PartSize
	length := partLength(it.Size, sess.PartSize, part)

	err := rp.Do(ctx, func() error {
		// Cancellation is checked before issuing the network call.
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := it.Source.OpenRange(off, length)
		if err != nil {
			return err
		}
		defer body.Close()
		return u.api.UploadChunk(ctx, sess.UploadID, part, body, length)
	})
	if err != nil {
		if uperrors.IsCancellation(err) {
			return err
		}
		return uperrors.NewError("uploadChunk", err).
			WithItem(it.ID).
			WithMessage(fmt.Sprintf("part %d of %d", part, sess.TotalParts))
	}
	return nil
}

// detectContentType sniffs the payload head with mimetype, falling back to
// extension-based lookup.
func (u *Uploader) detectContentType(src uploadtypes.Source) string {
	sniff := src.Size()
	if sniff > mimeSniffBytes {
		sniff = mimeSniffBytes
	}
	if sniff > 0 {
		if body, err := src.OpenRange(0, sniff); err == nil {
			mt, detectErr := mimetype.DetectReader(body)
			body.Close()
			if detectErr == nil && mt != nil {
				return mt.String()
			}
		}
	}
	if ext := strings.ToLower(path.Ext(src.Name())); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	return DefaultContentType
}

// totalParts is the ceiling of size/partSize, at least 1.
func totalParts(size, partSize int64) int {
	if partSize <= 0 {
		return 0
	}
	parts := (size + partSize - 1) / partSize
	if parts < 1 {
		parts = 1
	}
	return int(parts)
}

// partLength is the byte length of one part; the final part may be short.
func partLength(size, partSize int64, part int) int64 {
	off := int64(part-1) * partSize
	if remaining := size - off; remaining < partSize {
		return remaining
	}
	return partSize
}

// percent converts a done/total pair to an integer percentage in [0, 100].
func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(done * 100 / total)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}
