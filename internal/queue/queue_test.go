package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

func newItem(id string) *Item {
	return &Item{
		ID:        id,
		Name:      id + ".bin",
		Size:      1024,
		Source:    uploadtypes.NewBytesSource(id+".bin", make([]byte, 1024)),
		Status:    uploadtypes.StatusQueued,
		CreatedAt: time.Now(),
	}
}

func TestQueue_TakeNextQueued_Order(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"), newItem("b"), newItem("c"))

	first, ok := q.TakeNextQueued()
	require.True(t, ok)
	assert.Equal(t, "a", first.ID)
	q.Update(first.ID, func(it *Item) { it.Status = uploadtypes.StatusUploading })

	second, ok := q.TakeNextQueued()
	require.True(t, ok)
	assert.Equal(t, "b", second.ID)
}

func TestQueue_TakeNextQueued_SkipsNonQueued(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"), newItem("b"))
	q.Update("a", func(it *Item) { it.Status = uploadtypes.StatusPaused })

	it, ok := q.TakeNextQueued()
	require.True(t, ok)
	assert.Equal(t, "b", it.ID)
	q.Update(it.ID, func(i *Item) { i.Status = uploadtypes.StatusUploading })

	_, ok = q.TakeNextQueued()
	assert.False(t, ok)
}

func TestQueue_TakeNextQueued_FindsRequeuedBehindCursor(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"), newItem("b"))

	// Drain the queue, advancing the cursor past both items.
	for {
		it, ok := q.TakeNextQueued()
		if !ok {
			break
		}
		q.Update(it.ID, func(i *Item) { i.Status = uploadtypes.StatusUploading })
	}

	// A retry re-queues "a" behind the cursor.
	q.Update("a", func(it *Item) { it.Status = uploadtypes.StatusQueued })
	assert.True(t, q.HasQueued())

	it, ok := q.TakeNextQueued()
	require.True(t, ok)
	assert.Equal(t, "a", it.ID)
}

func TestQueue_HasQueued_SeesBothSidesOfCursor(t *testing.T) {
	q := New()
	assert.False(t, q.HasQueued())

	q.Enqueue(newItem("a"))
	assert.True(t, q.HasQueued())

	it, _ := q.TakeNextQueued()
	q.Update(it.ID, func(i *Item) { i.Status = uploadtypes.StatusSuccess })
	assert.False(t, q.HasQueued())
}

func TestQueue_Update_SignalsWakeOnRequeue(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"))

	// Drain the coalesced enqueue signal.
	select {
	case <-q.Wake():
	default:
	}

	q.Update("a", func(it *Item) { it.Status = uploadtypes.StatusUploading })
	select {
	case <-q.Wake():
		t.Fatal("unexpected wake signal for non-queued transition")
	default:
	}

	q.Update("a", func(it *Item) { it.Status = uploadtypes.StatusQueued })
	select {
	case <-q.Wake():
	case <-time.After(time.Second):
		t.Fatal("expected wake signal after re-queue")
	}
}

func TestQueue_EnqueueBatched(t *testing.T) {
	q := New()
	items := make([]*Item, 25)
	for i := range items {
		items[i] = newItem(fmt.Sprintf("item-%02d", i))
	}

	err := q.EnqueueBatched(context.Background(), items, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, q.Len())

	// Order is preserved across batches.
	views := q.Items()
	for i, v := range views {
		assert.Equal(t, fmt.Sprintf("item-%02d", i), v.ID)
	}
}

func TestQueue_EnqueueBatched_CancelledContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.EnqueueBatched(ctx, []*Item{newItem("a")}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Remove(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"), newItem("b"), newItem("c"))

	it, _ := q.TakeNextQueued()
	q.Update(it.ID, func(i *Item) { i.Status = uploadtypes.StatusUploading })

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 2, q.Len())

	// Cursor adjusted: next take returns "b", not "c".
	next, ok := q.TakeNextQueued()
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)
}

func TestQueue_ClearDone(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"), newItem("b"), newItem("c"), newItem("d"))
	q.Update("a", func(it *Item) { it.Status = uploadtypes.StatusSuccess })
	q.Update("b", func(it *Item) { it.Status = uploadtypes.StatusCancelled })
	q.Update("c", func(it *Item) { it.Status = uploadtypes.StatusError })

	q.ClearDone()

	views := q.Items()
	require.Len(t, views, 2)
	assert.Equal(t, "c", views[0].ID)
	assert.Equal(t, "d", views[1].ID)

	// Queue still schedulable after compaction.
	it, ok := q.TakeNextQueued()
	require.True(t, ok)
	assert.Equal(t, "d", it.ID)
}

func TestQueue_ClearAll(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"), newItem("b"))
	q.ClearAll()
	assert.Equal(t, 0, q.Len())
	_, ok := q.TakeNextQueued()
	assert.False(t, ok)
}

func TestQueue_PendingCount(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"), newItem("b"), newItem("c"), newItem("d"))
	q.Update("a", func(it *Item) { it.Status = uploadtypes.StatusUploading })
	q.Update("b", func(it *Item) { it.Status = uploadtypes.StatusPaused })
	q.Update("c", func(it *Item) { it.Status = uploadtypes.StatusSuccess })

	assert.Equal(t, 3, q.PendingCount())
}

func TestQueue_View_ReflectsSession(t *testing.T) {
	q := New()
	q.Enqueue(newItem("a"))

	q.Update("a", func(it *Item) {
		it.Session = NewSession("sess-1", 512, 2)
		it.Session.Ack(1)
	})

	v, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, "sess-1", v.UploadID)
	assert.Equal(t, 2, v.TotalParts)
	assert.Equal(t, 1, v.UploadedParts)
}

func TestSession_PendingAndIdempotentAck(t *testing.T) {
	s := NewSession("sess", 512, 5)
	s.Ack(2)
	s.Ack(4)
	s.Ack(4)

	assert.Equal(t, 2, s.AckedCount())
	assert.Equal(t, []int{1, 3, 5}, s.Pending())
	assert.True(t, s.Acked(2))
	assert.False(t, s.Acked(3))
}
