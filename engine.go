package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cirrusdrive/cirrus-go/upload/errors"
	"github.com/cirrusdrive/cirrus-go/upload/internal/queue"
	"github.com/cirrusdrive/cirrus-go/upload/internal/validate"
	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// abortTimeout bounds the best-effort server-side session abort fired on
// cancel.
const abortTimeout = 10 * time.Second

// Stats is an aggregate snapshot of the queue.
type Stats struct {
	Total     int
	Queued    int
	Uploading int
	Paused    int
	Succeeded int
	Failed    int
	Cancelled int

	// Speed is the summed smoothed rate of all uploading items in bytes/sec
	Speed float64
}

// Enqueue adds a single source to the upload queue and returns the new
// item's ID. The item starts in the queued state; a running scheduler picks
// it up immediately.
func (e *Engine) Enqueue(ctx context.Context, src uploadtypes.Source, dest uploadtypes.Destination) (string, error) {
	it, err := e.newItem(src, dest)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.queue.Enqueue(it)
	e.notify()
	e.logger.Debug("item enqueued", "item", it.ID, "name", it.Name, "size", it.Size)
	return it.ID, nil
}

// EnqueueFiles adds the given filesystem paths to the queue in order and
// returns their item IDs. Items are appended in batches so bulk enqueues do
// not starve running transfers. Nothing is enqueued if any path fails to
// stat.
func (e *Engine) EnqueueFiles(ctx context.Context, paths []string, dest uploadtypes.Destination) ([]string, error) {
	items := make([]*queue.Item, 0, len(paths))
	for _, p := range paths {
		src, err := uploadtypes.NewFileSource(e.fs, p, filepath.Base(p))
		if err != nil {
			return nil, errors.NewError("enqueueFiles", err).WithPath(p)
		}
		it, err := e.newItem(src, dest)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := e.queue.EnqueueBatched(ctx, items, e.cfg.EnqueueBatchSize); err != nil {
		return nil, err
	}
	e.notify()
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	e.logger.Debug("files enqueued", "count", len(ids))
	return ids, nil
}

// EnqueueDir walks the given directory and enqueues every regular file under
// it, preserving the directory structure relative to root. Each item carries
// the relative subdirectory so the destination folder tree is recreated
// remotely.
func (e *Engine) EnqueueDir(ctx context.Context, root string, dest uploadtypes.Destination) ([]string, error) {
	var items []*queue.Item

	err := e.fs.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relDir := filepath.ToSlash(filepath.Dir(rel))
		if relDir == "." {
			relDir = ""
		}
		if err := validate.RelDir(relDir); err != nil {
			return err
		}

		src, err := uploadtypes.NewFileSource(e.fs, path, info.Name())
		if err != nil {
			return err
		}
		it, err := e.newItem(src, dest)
		if err != nil {
			return err
		}
		it.RelDir = relDir
		items = append(items, it)
		return nil
	})
	if err != nil {
		return nil, errors.NewError("enqueueDir", err).WithPath(root)
	}

	if err := e.queue.EnqueueBatched(ctx, items, e.cfg.EnqueueBatchSize); err != nil {
		return nil, err
	}
	e.notify()
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	e.logger.Debug("directory enqueued", "root", root, "count", len(ids))
	return ids, nil
}

// newItem validates the source and destination and builds a queued item.
func (e *Engine) newItem(src uploadtypes.Source, dest uploadtypes.Destination) (*queue.Item, error) {
	if src == nil {
		return nil, errors.NewError("enqueue", errors.ErrInvalidInput).
			WithMessage("source is required")
	}
	if err := validate.Name(src.Name()); err != nil {
		return nil, err
	}
	if src.Size() < 0 {
		return nil, errors.NewError("enqueue", errors.ErrInvalidInput).
			WithMessage("source size is negative")
	}
	if dest.FolderID == "" {
		return nil, errors.NewError("enqueue", errors.ErrInvalidInput).
			WithMessage("destination folder is required")
	}
	return &queue.Item{
		ID:        uuid.NewString(),
		Name:      src.Name(),
		Size:      src.Size(),
		Source:    src,
		Dest:      dest,
		CreatedAt: time.Now(),
		Status:    uploadtypes.StatusQueued,
	}, nil
}

// ProcessQueue starts the scheduler. It returns immediately; transfers run
// on background goroutines until ctx is cancelled. Calling ProcessQueue while
// a scheduler is already running is a no-op, so it is safe to call after
// every enqueue.
func (e *Engine) ProcessQueue(ctx context.Context) {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	e.runMu.Unlock()

	go e.run(ctx)
}

// run is the scheduler loop. It resolves the upload policy, then claims
// queued items and hands them to transfer workers within the concurrency
// limit. It exits when ctx is cancelled, after waiting for in-flight
// transfers to settle.
func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.runMu.Lock()
		e.running = false
		e.runMu.Unlock()
		e.settleBroadcast()
	}()

	var pol uploadtypes.Policy
	for {
		p, err := e.resolvePolicy(ctx)
		if err == nil {
			pol = p
			break
		}
		if ctx.Err() != nil {
			return
		}
		// Without a policy nothing can be scheduled; fail what is queued
		// now and wait for new work before trying again.
		e.logger.Error("upload policy unavailable", "error", err)
		e.failQueued(err)
		select {
		case <-ctx.Done():
			return
		case <-e.queue.Wake():
		}
	}

	limit := pol.MaxConcurrency
	if limit > e.cfg.ConcurrencyCeiling {
		limit = e.cfg.ConcurrencyCeiling
	}
	if limit < 1 {
		limit = 1
	}
	e.logger.Info("scheduler started", "concurrency", limit)

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}

		it, ok := e.claim(ctx)
		if !ok {
			<-sem
			return
		}

		itemCtx, cancel := context.WithCancel(ctx)
		e.setCancel(it.ID, cancel)
		e.busy.Add(1)
		wg.Add(1)
		go func(it *queue.Item) {
			defer wg.Done()
			defer e.settleBroadcast()
			defer func() { <-sem }()
			defer e.busy.Add(-1)
			defer cancel()
			defer e.clearCancel(it.ID)
			e.runItem(itemCtx, it, pol)
		}(it)
	}
}

// claim blocks until it can move a queued item to uploading, or until ctx is
// cancelled. An item that leaves the queued state between the cursor taking
// it and the status flip (a racing pause or cancel) is skipped.
func (e *Engine) claim(ctx context.Context) (*queue.Item, bool) {
	for {
		if it, ok := e.queue.TakeNextQueued(); ok {
			claimed := false
			e.queue.Update(it.ID, func(i *queue.Item) {
				if i.Status == uploadtypes.StatusQueued {
					i.Status = uploadtypes.StatusUploading
					claimed = true
				}
			})
			if claimed {
				return it, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-e.queue.Wake():
		}
	}
}

// runItem executes one transfer and settles the item's final state.
// Pause and Cancel set the target status before cancelling the item context,
// so a cancellation that arrives with the status still uploading means the
// scheduler itself is shutting down and the item goes back to queued.
func (e *Engine) runItem(ctx context.Context, it *queue.Item, pol uploadtypes.Policy) {
	err := e.uploader.Upload(ctx, it, pol)
	if err == nil {
		e.queue.Update(it.ID, func(i *queue.Item) {
			i.Status = uploadtypes.StatusSuccess
			i.Progress = 100
			i.Speed = 0
			i.Error = ""
		})
		e.logger.Info("upload complete", "item", it.ID, "name", it.Name)
		return
	}

	if errors.IsCancellation(err) {
		e.queue.Update(it.ID, func(i *queue.Item) {
			if i.Status == uploadtypes.StatusUploading {
				i.Status = uploadtypes.StatusQueued
			}
			i.Speed = 0
		})
		e.logger.Debug("upload interrupted", "item", it.ID, "name", it.Name)
		return
	}

	e.queue.Update(it.ID, func(i *queue.Item) {
		i.Status = uploadtypes.StatusError
		i.Error = err.Error()
		i.Speed = 0
	})
	e.logger.Error("upload failed", "item", it.ID, "name", it.Name, "error", err)
}

// Pause suspends a queued or uploading item. An in-flight transfer is
// interrupted cooperatively; acknowledged parts and the session survive so a
// later Resume continues where it left off.
func (e *Engine) Pause(id string) error {
	var paused bool
	found := e.queue.Update(id, func(i *queue.Item) {
		switch i.Status {
		case uploadtypes.StatusQueued, uploadtypes.StatusUploading:
			i.Status = uploadtypes.StatusPaused
			i.Speed = 0
			paused = true
		}
	})
	if !found {
		return errors.NewError("pause", errors.ErrItemNotFound).WithItem(id)
	}
	if !paused {
		return errors.NewError("pause", errors.ErrInvalidTransition).WithItem(id)
	}
	// Status first, then cancel: the worker must observe paused.
	e.cancelItem(id)
	e.settleBroadcast()
	e.logger.Debug("item paused", "item", id)
	return nil
}

// Resume re-queues a paused item.
func (e *Engine) Resume(id string) error {
	var resumed bool
	found := e.queue.Update(id, func(i *queue.Item) {
		if i.Status == uploadtypes.StatusPaused {
			i.Status = uploadtypes.StatusQueued
			resumed = true
		}
	})
	if !found {
		return errors.NewError("resume", errors.ErrItemNotFound).WithItem(id)
	}
	if !resumed {
		return errors.NewError("resume", errors.ErrInvalidTransition).WithItem(id)
	}
	e.logger.Debug("item resumed", "item", id)
	return nil
}

// Retry re-queues a failed item. Displayed progress resets to zero; the item
// keeps its session, so the transfer revalidates it and re-adopts the
// acknowledged parts. Cancelled items are terminal and cannot be retried.
func (e *Engine) Retry(id string) error {
	var retried bool
	found := e.queue.Update(id, func(i *queue.Item) {
		if i.Status == uploadtypes.StatusError {
			i.Status = uploadtypes.StatusQueued
			i.Error = ""
			i.Progress = 0
			i.Speed = 0
			retried = true
		}
	})
	if !found {
		return errors.NewError("retry", errors.ErrItemNotFound).WithItem(id)
	}
	if !retried {
		return errors.NewError("retry", errors.ErrInvalidTransition).WithItem(id)
	}
	e.logger.Debug("item retried", "item", id)
	return nil
}

// Cancel aborts an item. The session is discarded locally and aborted on the
// server best effort; cancelled items are terminal. Re-upload by enqueueing
// the source again.
func (e *Engine) Cancel(id string) error {
	var cancelled bool
	var uploadID string
	found := e.queue.Update(id, func(i *queue.Item) {
		if i.Status.Terminal() {
			return
		}
		if i.Session != nil {
			uploadID = i.Session.UploadID
			i.Session = nil
		}
		i.Status = uploadtypes.StatusCancelled
		i.Speed = 0
		cancelled = true
	})
	if !found {
		return errors.NewError("cancel", errors.ErrItemNotFound).WithItem(id)
	}
	if !cancelled {
		return errors.NewError("cancel", errors.ErrInvalidTransition).WithItem(id)
	}
	e.cancelItem(id)
	if uploadID != "" {
		go e.abortSession(uploadID)
	}
	e.settleBroadcast()
	e.logger.Debug("item cancelled", "item", id)
	return nil
}

// Remove deletes an item from the queue, interrupting its transfer if one is
// in flight. Any open session is aborted on the server best effort.
func (e *Engine) Remove(id string) error {
	var uploadID string
	found := e.queue.Update(id, func(i *queue.Item) {
		if i.Session != nil {
			uploadID = i.Session.UploadID
		}
	})
	if !found {
		return errors.NewError("remove", errors.ErrItemNotFound).WithItem(id)
	}
	e.cancelItem(id)
	e.queue.Remove(id)
	if uploadID != "" {
		go e.abortSession(uploadID)
	}
	e.settleBroadcast()
	return nil
}

// ClearDone removes all succeeded and cancelled items.
func (e *Engine) ClearDone() {
	e.queue.ClearDone()
}

// ClearAll interrupts every in-flight transfer and empties the queue.
func (e *Engine) ClearAll() {
	e.cancelMu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancelMu.Unlock()
	e.queue.ClearAll()
	e.settleBroadcast()
}

// Items returns a snapshot of every item in queue order.
func (e *Engine) Items() []uploadtypes.ItemView {
	return e.queue.Items()
}

// Item returns a snapshot of one item.
func (e *Engine) Item(id string) (uploadtypes.ItemView, bool) {
	return e.queue.Get(id)
}

// PendingCount returns the number of items still representing outstanding
// work.
func (e *Engine) PendingCount() int {
	return e.queue.PendingCount()
}

// Stats aggregates the queue into per-status counts and a total transfer
// rate.
func (e *Engine) Stats() Stats {
	var s Stats
	for _, it := range e.queue.Items() {
		s.Total++
		switch it.Status {
		case uploadtypes.StatusQueued:
			s.Queued++
		case uploadtypes.StatusUploading:
			s.Uploading++
			s.Speed += it.Speed
		case uploadtypes.StatusPaused:
			s.Paused++
		case uploadtypes.StatusSuccess:
			s.Succeeded++
		case uploadtypes.StatusError:
			s.Failed++
		case uploadtypes.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Wait blocks until no queued or uploading items remain, or until ctx is
// cancelled. Paused, failed and terminal items do not count as outstanding
// work.
func (e *Engine) Wait(ctx context.Context) error {
	for {
		ch := e.settleCh()
		if !e.outstanding() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (e *Engine) outstanding() bool {
	if e.busy.Load() > 0 {
		return true
	}
	for _, it := range e.queue.Items() {
		if it.Status == uploadtypes.StatusQueued || it.Status == uploadtypes.StatusUploading {
			return true
		}
	}
	return false
}

// resolvePolicy returns the engine's upload policy, fetching and memoizing
// the server policy on first use. Concurrent callers share one in-flight
// fetch.
func (e *Engine) resolvePolicy(ctx context.Context) (uploadtypes.Policy, error) {
	if e.cfg.StaticPolicy != nil {
		return *e.cfg.StaticPolicy, nil
	}

	for {
		e.polMu.Lock()
		if e.policy != nil {
			p := *e.policy
			e.polMu.Unlock()
			return p, nil
		}
		if e.polDone != nil {
			done := e.polDone
			e.polMu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return uploadtypes.Policy{}, ctx.Err()
			}
		}
		done := make(chan struct{})
		e.polDone = done
		e.polMu.Unlock()

		pol, err := e.api.UploadPolicy(ctx)

		e.polMu.Lock()
		e.polDone = nil
		var resolved uploadtypes.Policy
		if err == nil {
			if pol != nil {
				resolved = pol.Normalized()
			} else {
				resolved = uploadtypes.Policy{}.Normalized()
			}
			e.policy = &resolved
		}
		e.polMu.Unlock()
		close(done)

		if err != nil {
			if errors.IsCancellation(err) {
				return uploadtypes.Policy{}, err
			}
			return uploadtypes.Policy{}, errors.NewError("uploadPolicy", errors.ErrPolicyUnavailable).
				WithMessage(err.Error())
		}
		return resolved, nil
	}
}

// failQueued marks every currently queued item failed. New enqueues are
// unaffected.
func (e *Engine) failQueued(err error) {
	msg := err.Error()
	for _, it := range e.queue.Items() {
		if it.Status != uploadtypes.StatusQueued {
			continue
		}
		e.queue.Update(it.ID, func(i *queue.Item) {
			if i.Status == uploadtypes.StatusQueued {
				i.Status = uploadtypes.StatusError
				i.Error = msg
			}
		})
	}
	e.settleBroadcast()
}

// abortSession tells the server to discard a chunked session. Failures are
// logged and otherwise ignored; the server expires orphaned sessions on its
// own.
func (e *Engine) abortSession(uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := e.api.CancelChunkUpload(ctx, uploadID); err != nil {
		e.logger.Debug("session abort failed", "uploadId", uploadID, "error", err)
	}
}

// notify reports the pending item count to the configured notifier, if any.
func (e *Engine) notify() {
	if e.cfg.Notifier == nil {
		return
	}
	e.cfg.Notifier(e.queue.PendingCount())
}

func (e *Engine) setCancel(id string, cancel func()) {
	e.cancelMu.Lock()
	e.cancels[id] = cancel
	e.cancelMu.Unlock()
}

func (e *Engine) clearCancel(id string) {
	e.cancelMu.Lock()
	delete(e.cancels, id)
	e.cancelMu.Unlock()
}

// cancelItem interrupts the item's in-flight transfer, if any.
func (e *Engine) cancelItem(id string) {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[id]
	e.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// settleBroadcast wakes every Wait caller so it can re-evaluate the queue.
func (e *Engine) settleBroadcast() {
	e.settleMu.Lock()
	close(e.settled)
	e.settled = make(chan struct{})
	e.settleMu.Unlock()
}

func (e *Engine) settleCh() <-chan struct{} {
	e.settleMu.Lock()
	defer e.settleMu.Unlock()
	return e.settled
}
