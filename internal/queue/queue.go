// Package queue owns the upload items and their mutable transfer state.
// It is the single source of truth: only the orchestrator and the transfer
// strategy mutate items, and only through Update.
package queue

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// Item is one file's transfer lifecycle. ID, Name, RelDir, Size, Source,
// Dest and CreatedAt are immutable after enqueue; all other fields are
// mutated only under the queue lock via Update.
type Item struct {
	ID        string
	Name      string
	RelDir    string
	Size      int64
	Source    uploadtypes.Source
	Dest      uploadtypes.Destination
	CreatedAt time.Time

	Status   uploadtypes.Status
	Progress int
	Speed    float64
	Error    string
	Session  *Session
}

// Session is the bookkeeping for one chunked upload negotiation. An item
// never has two sessions open concurrently; replacing the Session pointer
// discards the old one.
type Session struct {
	UploadID   string
	PartSize   int64
	TotalParts int
	acked      map[int]struct{}
}

// NewSession creates session bookkeeping with no parts acknowledged.
func NewSession(uploadID string, partSize int64, totalParts int) *Session {
	return &Session{
		UploadID:   uploadID,
		PartSize:   partSize,
		TotalParts: totalParts,
		acked:      make(map[int]struct{}),
	}
}

// Ack marks a part acknowledged. Duplicate acks are no-ops, matching the
// server's idempotent part handling.
func (s *Session) Ack(part int) {
	s.acked[part] = struct{}{}
}

// Acked reports whether a part has been acknowledged.
func (s *Session) Acked(part int) bool {
	_, ok := s.acked[part]
	return ok
}

// AckedCount returns the number of acknowledged parts.
func (s *Session) AckedCount() int {
	return len(s.acked)
}

// Pending returns the ascending list of part numbers in [1, TotalParts]
// not yet acknowledged.
func (s *Session) Pending() []int {
	pending := make([]int, 0, s.TotalParts-len(s.acked))
	for p := 1; p <= s.TotalParts; p++ {
		if _, ok := s.acked[p]; !ok {
			pending = append(pending, p)
		}
	}
	return pending
}

// Queue is the ordered collection of upload items plus a cursor for fair
// scheduling. All methods are safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	items  []*Item
	cursor int

	// wake is signaled whenever an item (re)enters the queued state so the
	// scheduler can stop waiting instead of polling
	wake chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives a signal whenever an item transitions
// into the queued state. Signals are coalesced.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends items in order.
func (q *Queue) Enqueue(items ...*Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	q.signalLocked()
}

// EnqueueBatched appends items in batches of batchSize, yielding the
// scheduler between batches so bulk enqueues of thousands of files do not
// starve running transfers. A batchSize < 1 appends everything at once.
func (q *Queue) EnqueueBatched(ctx context.Context, items []*Item, batchSize int) error {
	if batchSize < 1 {
		batchSize = len(items)
	}
	for start := 0; start < len(items); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		q.Enqueue(items[start:end]...)
		runtime.Gosched()
	}
	return nil
}

// Update runs fn on the item with the given id under the queue lock and
// reports whether the item exists. This is the only way item state is read
// or written after enqueue.
func (q *Queue) Update(id string, fn func(*Item)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			fn(it)
			if it.Status == uploadtypes.StatusQueued {
				q.signalLocked()
			}
			return true
		}
	}
	return false
}

// TakeNextQueued returns the first queued item at or after the cursor and
// advances the cursor past it. When nothing queued remains ahead it falls
// back to a scan from the front, because retry and resume re-queue items
// behind the cursor. The caller must immediately move the returned item's
// status away from queued; TakeNextQueued itself only advances the cursor.
func (q *Queue) TakeNextQueued() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := q.cursor; i < len(q.items); i++ {
		if q.items[i].Status == uploadtypes.StatusQueued {
			q.cursor = i + 1
			return q.items[i], true
		}
	}
	for i := 0; i < q.cursor && i < len(q.items); i++ {
		if q.items[i].Status == uploadtypes.StatusQueued {
			q.cursor = i + 1
			return q.items[i], true
		}
	}
	return nil, false
}

// HasQueued reports whether any queued item exists anywhere in the list,
// on either side of the cursor.
func (q *Queue) HasQueued() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Status == uploadtypes.StatusQueued {
			return true
		}
	}
	return false
}

// Remove drops the item with the given id and reports whether it existed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if i < q.cursor {
				q.cursor--
			}
			return true
		}
	}
	return false
}

// ClearDone drops all items in a terminal state (success or cancelled).
func (q *Queue) ClearDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removedBeforeCursor := 0
	for i, it := range q.items {
		if it.Status.Terminal() {
			if i < q.cursor {
				removedBeforeCursor++
			}
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.cursor -= removedBeforeCursor
}

// ClearAll drops every item and resets the cursor.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.cursor = 0
}

// Len returns the number of items in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PendingCount returns the number of items still representing outstanding
// work (queued, uploading or paused).
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status.Pending() {
			n++
		}
	}
	return n
}

// Items returns read-only snapshots of all items in queue order.
func (q *Queue) Items() []uploadtypes.ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()
	views := make([]uploadtypes.ItemView, 0, len(q.items))
	for _, it := range q.items {
		views = append(views, it.viewLocked())
	}
	return views
}

// Get returns a read-only snapshot of one item.
func (q *Queue) Get(id string) (uploadtypes.ItemView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			return it.viewLocked(), true
		}
	}
	return uploadtypes.ItemView{}, false
}

func (it *Item) viewLocked() uploadtypes.ItemView {
	v := uploadtypes.ItemView{
		ID:          it.ID,
		Name:        it.Name,
		RelDir:      it.RelDir,
		Size:        it.Size,
		Destination: it.Dest,
		Status:      it.Status,
		Progress:    it.Progress,
		Speed:       it.Speed,
		Error:       it.Error,
		CreatedAt:   it.CreatedAt,
	}
	if it.Session != nil {
		v.UploadID = it.Session.UploadID
		v.TotalParts = it.Session.TotalParts
		v.UploadedParts = it.Session.AckedCount()
	}
	return v
}
