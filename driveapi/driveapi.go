// Package driveapi defines the cloud-drive API boundary the upload engine is
// written against. The engine consumes this interface only; the wire protocol
// behind it is the caller's concern. A reference net/http implementation
// lives in the httpapi package.
package driveapi

import (
	"context"
	"io"

	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// Entry is one object or folder in the drive.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

// InitRequest starts a chunked upload session.
type InitRequest struct {
	// FolderID is the resolved destination folder
	FolderID string

	// Name is the leaf object name
	Name string

	// Size is the total payload size in bytes
	Size int64

	// MimeType is the detected content type
	MimeType string

	// ProposedPartSize is the client's part-size proposal; the server
	// answers with the authoritative value
	ProposedPartSize int64

	// Overwrite replaces an existing object with the same name
	Overwrite bool
}

// Session is the server's answer to InitChunkUpload. PartSize and TotalParts
// are authoritative; Policy, when present, is the active policy at init time.
type Session struct {
	UploadID   string
	PartSize   int64
	TotalParts int
	Policy     *uploadtypes.Policy
}

// SessionStatus reports which parts the server has already acknowledged.
type SessionStatus struct {
	UploadedParts []int
	TotalParts    int
}

// CompleteRequest finalizes a chunked upload session.
type CompleteRequest struct {
	UploadID   string
	FolderID   string
	Name       string
	Overwrite  bool
	MimeType   string
	TotalParts int
}

// FileRequest uploads a whole file in one request (single-shot path).
type FileRequest struct {
	FolderID  string
	Name      string
	Size      int64
	MimeType  string
	Overwrite bool

	// Body supplies the payload bytes; it is consumed exactly once
	Body io.Reader

	// Progress, when non-nil, is invoked with the cumulative number of
	// payload bytes sent so far
	Progress func(sent int64)
}

// Client is the API surface the engine needs from the drive server.
// Implementations must be safe for concurrent use; every method must honor
// context cancellation promptly. UploadChunk must be idempotent:
// re-uploading an already-acknowledged part must not corrupt the session.
type Client interface {
	// UploadPolicy returns the active upload tunables.
	UploadPolicy(ctx context.Context) (*uploadtypes.Policy, error)

	// InitChunkUpload negotiates a chunked upload session.
	InitChunkUpload(ctx context.Context, req *InitRequest) (*Session, error)

	// UploadChunk uploads one part. Part numbers start at 1.
	UploadChunk(ctx context.Context, uploadID string, partNumber int, body io.Reader, size int64) error

	// UploadStatus returns the parts the server has acknowledged so far.
	UploadStatus(ctx context.Context, uploadID string) (*SessionStatus, error)

	// CompleteChunkUpload assembles the acknowledged parts into the final
	// object.
	CompleteChunkUpload(ctx context.Context, req *CompleteRequest) (*Entry, error)

	// CancelChunkUpload aborts a session server-side.
	CancelChunkUpload(ctx context.Context, uploadID string) error

	// UploadFile transfers a whole file in a single request.
	UploadFile(ctx context.Context, req *FileRequest) (*Entry, error)

	// ListDir lists the children of a folder.
	ListDir(ctx context.Context, parentID string) ([]Entry, error)

	// Mkdir creates a folder under parentID.
	Mkdir(ctx context.Context, parentID, name string) (*Entry, error)
}
