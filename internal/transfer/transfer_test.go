package transfer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusdrive/cirrus-go/upload/driveapi"
	uperrors "github.com/cirrusdrive/cirrus-go/upload/errors"
	"github.com/cirrusdrive/cirrus-go/upload/internal/folders"
	"github.com/cirrusdrive/cirrus-go/upload/internal/queue"
	"github.com/cirrusdrive/cirrus-go/upload/internal/testutil"
	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

const (
	testThreshold = int64(10 << 10) // 10 KiB
	testPartSize  = int64(5 << 10)  // 5 KiB
)

func testPolicy() uploadtypes.Policy {
	return uploadtypes.Policy{
		ChunkThresholdBytes: testThreshold,
		MaxConcurrency:      3,
		MaxParallelChunks:   3,
		ResumableEnabled:    true,
		RetryMax:            3,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       10 * time.Millisecond,
	}
}

func newTestItem(id string, size int64) *queue.Item {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	return &queue.Item{
		ID:        id,
		Name:      id + ".bin",
		Size:      size,
		Source:    uploadtypes.NewBytesSource(id+".bin", data),
		Dest:      uploadtypes.Destination{FolderID: "root"},
		Status:    uploadtypes.StatusUploading,
		CreatedAt: time.Now(),
	}
}

func newTestUploader(api driveapi.Client, q *queue.Queue) *Uploader {
	return New(api, q, folders.New(api, nil), nil, Config{
		FlushInterval:    time.Millisecond,
		ProposedPartSize: testPartSize,
	})
}

func TestUpload_ChunkedFlow(t *testing.T) {
	size := 5 * testThreshold // 10 parts at the negotiated part size
	it := newTestItem("item-1", size)
	q := queue.New()
	q.Enqueue(it)

	var mu sync.Mutex
	var partSizes []int64
	var completed atomic.Bool

	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(_ context.Context, req *driveapi.InitRequest) (*driveapi.Session, error) {
			assert.Equal(t, "root", req.FolderID)
			assert.Equal(t, size, req.Size)
			return &driveapi.Session{UploadID: "sess-1", PartSize: testPartSize, TotalParts: 10}, nil
		},
		UploadChunkFunc: func(_ context.Context, uploadID string, part int, body io.Reader, length int64) error {
			assert.Equal(t, "sess-1", uploadID)
			assert.False(t, completed.Load(), "part %d uploaded after finalize", part)
			n, err := io.Copy(io.Discard, body)
			require.NoError(t, err)
			assert.Equal(t, length, n)
			mu.Lock()
			partSizes = append(partSizes, length)
			mu.Unlock()
			return nil
		},
		CompleteChunkUploadFunc: func(_ context.Context, req *driveapi.CompleteRequest) (*driveapi.Entry, error) {
			mu.Lock()
			uploaded := len(partSizes)
			mu.Unlock()
			assert.Equal(t, 10, uploaded, "finalize before all parts acknowledged")
			assert.Equal(t, 10, req.TotalParts)
			completed.Store(true)
			return &driveapi.Entry{ID: "f-1", Name: req.Name}, nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, testPolicy()))

	assert.True(t, completed.Load())
	assert.Len(t, partSizes, 10)
	var total int64
	for _, s := range partSizes {
		total += s
	}
	assert.Equal(t, size, total)

	view, ok := q.Get("item-1")
	require.True(t, ok)
	assert.Equal(t, 100, view.Progress)
	assert.Empty(t, view.UploadID, "session should be cleared after finalize")
}

func TestUpload_SingleShot(t *testing.T) {
	it := newTestItem("item-2", 2<<10)
	q := queue.New()
	q.Enqueue(it)

	var inits, files atomic.Int64
	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			inits.Add(1)
			return &driveapi.Session{}, nil
		},
		UploadFileFunc: func(_ context.Context, req *driveapi.FileRequest) (*driveapi.Entry, error) {
			files.Add(1)
			n, err := io.Copy(io.Discard, req.Body)
			require.NoError(t, err)
			assert.Equal(t, req.Size, n)
			if req.Progress != nil {
				req.Progress(n)
			}
			return &driveapi.Entry{ID: "f-2", Name: req.Name}, nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, testPolicy()))

	assert.Equal(t, int64(0), inits.Load(), "small files must not open a session")
	assert.Equal(t, int64(1), files.Load())
}

func TestUpload_ResumeAdoptsServerParts(t *testing.T) {
	size := 5 * testThreshold
	it := newTestItem("item-3", size)
	it.Session = queue.NewSession("sess-3", testPartSize, 10)
	q := queue.New()
	q.Enqueue(it)

	var mu sync.Mutex
	var uploaded []int
	var inits atomic.Int64

	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			inits.Add(1)
			return &driveapi.Session{UploadID: "sess-x", PartSize: testPartSize, TotalParts: 10}, nil
		},
		UploadStatusFunc: func(_ context.Context, uploadID string) (*driveapi.SessionStatus, error) {
			assert.Equal(t, "sess-3", uploadID)
			return &driveapi.SessionStatus{UploadedParts: []int{1, 2, 3, 4}, TotalParts: 10}, nil
		},
		UploadChunkFunc: func(_ context.Context, _ string, part int, body io.Reader, _ int64) error {
			_, _ = io.Copy(io.Discard, body)
			mu.Lock()
			uploaded = append(uploaded, part)
			mu.Unlock()
			return nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, testPolicy()))

	assert.Equal(t, int64(0), inits.Load(), "a surviving session must not be renegotiated")
	assert.ElementsMatch(t, []int{5, 6, 7, 8, 9, 10}, uploaded)
}

func TestUpload_RetriesTransientPartFailure(t *testing.T) {
	size := 5 * testThreshold
	it := newTestItem("item-4", size)
	q := queue.New()
	q.Enqueue(it)

	var mu sync.Mutex
	attempts := make(map[int]int)

	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			return &driveapi.Session{UploadID: "sess-4", PartSize: testPartSize, TotalParts: 10}, nil
		},
		UploadChunkFunc: func(_ context.Context, _ string, part int, body io.Reader, _ int64) error {
			_, _ = io.Copy(io.Discard, body)
			mu.Lock()
			attempts[part]++
			n := attempts[part]
			mu.Unlock()
			if part == 3 && n == 1 {
				return uperrors.NewError("uploadChunk", uperrors.ErrServerUnavailable).WithStatus(503)
			}
			return nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, testPolicy()))

	assert.Equal(t, 2, attempts[3], "part 3 should have been retried once")
	for p := 1; p <= 10; p++ {
		if p == 3 {
			continue
		}
		assert.Equal(t, 1, attempts[p], "part %d", p)
	}
}

func TestUpload_FatalPartErrorAborts(t *testing.T) {
	size := 5 * testThreshold
	it := newTestItem("item-5", size)
	q := queue.New()
	q.Enqueue(it)

	var attempts, completes atomic.Int64
	fatal := uperrors.NewError("uploadChunk", uperrors.ErrInvalidInput).WithStatus(403)

	pol := testPolicy()
	pol.MaxParallelChunks = 1

	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			return &driveapi.Session{UploadID: "sess-5", PartSize: testPartSize, TotalParts: 10}, nil
		},
		UploadChunkFunc: func(_ context.Context, _ string, part int, body io.Reader, _ int64) error {
			_, _ = io.Copy(io.Discard, body)
			attempts.Add(1)
			if part == 2 {
				return fatal
			}
			return nil
		},
		CompleteChunkUploadFunc: func(context.Context, *driveapi.CompleteRequest) (*driveapi.Entry, error) {
			completes.Add(1)
			return &driveapi.Entry{}, nil
		},
	}

	u := newTestUploader(mock, q)
	err := u.Upload(context.Background(), it, pol)
	require.Error(t, err)
	assert.ErrorIs(t, err, uperrors.ErrInvalidInput)
	assert.Equal(t, int64(2), attempts.Load(), "a 403 must not be retried and must stop new claims")
	assert.Equal(t, int64(0), completes.Load())

	view, ok := q.Get("item-5")
	require.True(t, ok)
	assert.Equal(t, "sess-5", view.UploadID, "session survives a failed transfer")
	assert.Equal(t, 1, view.UploadedParts)
}

func TestUpload_BoundedPartParallelism(t *testing.T) {
	size := 5 * testThreshold
	it := newTestItem("item-6", size)
	q := queue.New()
	q.Enqueue(it)

	pol := testPolicy()
	pol.MaxParallelChunks = 2

	var cur, peak atomic.Int64
	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			return &driveapi.Session{UploadID: "sess-6", PartSize: testPartSize, TotalParts: 10}, nil
		},
		UploadChunkFunc: func(_ context.Context, _ string, _ int, body io.Reader, _ int64) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			_, _ = io.Copy(io.Discard, body)
			cur.Add(-1)
			return nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, pol))

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.GreaterOrEqual(t, peak.Load(), int64(1))
}

func TestUpload_CancelDuringParts(t *testing.T) {
	size := 5 * testThreshold
	it := newTestItem("item-7", size)
	q := queue.New()
	q.Enqueue(it)

	pol := testPolicy()
	pol.MaxParallelChunks = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var completes atomic.Int64
	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			return &driveapi.Session{UploadID: "sess-7", PartSize: testPartSize, TotalParts: 10}, nil
		},
		UploadChunkFunc: func(_ context.Context, _ string, part int, body io.Reader, _ int64) error {
			_, _ = io.Copy(io.Discard, body)
			if part == 4 {
				cancel()
			}
			return nil
		},
		CompleteChunkUploadFunc: func(context.Context, *driveapi.CompleteRequest) (*driveapi.Entry, error) {
			completes.Add(1)
			return &driveapi.Entry{}, nil
		},
	}

	u := newTestUploader(mock, q)
	err := u.Upload(ctx, it, pol)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), completes.Load())

	view, ok := q.Get("item-7")
	require.True(t, ok)
	assert.Equal(t, "sess-7", view.UploadID)
	assert.Equal(t, 4, view.UploadedParts, "acknowledged parts survive cancellation")
}

func TestUpload_StaleSessionRenegotiated(t *testing.T) {
	size := 5 * testThreshold
	it := newTestItem("item-8", size)
	// Part count no longer matches the file size.
	it.Session = queue.NewSession("sess-stale", testPartSize, 4)
	q := queue.New()
	q.Enqueue(it)

	var inits atomic.Int64
	var mu sync.Mutex
	var sessions []string

	mock := &testutil.MockDriveClient{
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			inits.Add(1)
			return &driveapi.Session{UploadID: "sess-fresh", PartSize: testPartSize, TotalParts: 10}, nil
		},
		UploadChunkFunc: func(_ context.Context, uploadID string, _ int, body io.Reader, _ int64) error {
			_, _ = io.Copy(io.Discard, body)
			mu.Lock()
			sessions = append(sessions, uploadID)
			mu.Unlock()
			return nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, testPolicy()))

	assert.Equal(t, int64(1), inits.Load())
	require.Len(t, sessions, 10)
	for _, s := range sessions {
		assert.Equal(t, "sess-fresh", s)
	}
}

func TestUpload_ServerTotalDisagreementRenegotiated(t *testing.T) {
	size := 5 * testThreshold
	it := newTestItem("item-9", size)
	it.Session = queue.NewSession("sess-old", testPartSize, 10)
	q := queue.New()
	q.Enqueue(it)

	var inits atomic.Int64
	mock := &testutil.MockDriveClient{
		UploadStatusFunc: func(_ context.Context, uploadID string) (*driveapi.SessionStatus, error) {
			// The server remembers a different geometry for this upload.
			return &driveapi.SessionStatus{UploadedParts: []int{1}, TotalParts: 7}, nil
		},
		InitChunkUploadFunc: func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error) {
			inits.Add(1)
			return &driveapi.Session{UploadID: "sess-new", PartSize: testPartSize, TotalParts: 10}, nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, testPolicy()))

	assert.Equal(t, int64(1), inits.Load(), "disagreement should force one renegotiation")
}

func TestUpload_ResolvesNestedFolder(t *testing.T) {
	it := newTestItem("item-10", 2<<10)
	it.RelDir = "photos/2026"
	q := queue.New()
	q.Enqueue(it)

	var mu sync.Mutex
	var created []string
	var uploadFolder string

	mock := &testutil.MockDriveClient{
		MkdirFunc: func(_ context.Context, parentID, name string) (*driveapi.Entry, error) {
			mu.Lock()
			created = append(created, name)
			mu.Unlock()
			return &driveapi.Entry{ID: parentID + "/" + name, Name: name, Dir: true}, nil
		},
		UploadFileFunc: func(_ context.Context, req *driveapi.FileRequest) (*driveapi.Entry, error) {
			_, _ = io.Copy(io.Discard, req.Body)
			uploadFolder = req.FolderID
			return &driveapi.Entry{ID: "f-10"}, nil
		},
	}

	u := newTestUploader(mock, q)
	require.NoError(t, u.Upload(context.Background(), it, testPolicy()))

	assert.Equal(t, []string{"photos", "2026"}, created)
	assert.Equal(t, "root/photos/2026", uploadFolder)
}

func TestPartGeometry(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		partSize int64
		parts    int
		lastLen  int64
	}{
		{name: "exact multiple", size: 50, partSize: 5, parts: 10, lastLen: 5},
		{name: "short tail", size: 52, partSize: 5, parts: 11, lastLen: 2},
		{name: "single part", size: 3, partSize: 5, parts: 1, lastLen: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.parts, totalParts(tt.size, tt.partSize))
			assert.Equal(t, tt.lastLen, partLength(tt.size, tt.partSize, tt.parts))
			var total int64
			for p := 1; p <= tt.parts; p++ {
				total += partLength(tt.size, tt.partSize, p)
			}
			assert.Equal(t, tt.size, total)
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, percent(0, 10))
	assert.Equal(t, 40, percent(4, 10))
	assert.Equal(t, 100, percent(10, 10))
	assert.Equal(t, 100, percent(12, 10))
	assert.Equal(t, 100, percent(0, 0))
}
