// Package testutil provides test utilities and mocks for upload engine
// operations. This package is internal and should only be used for testing
// within the upload module.
package testutil

import (
	"context"
	"io"

	"github.com/cirrusdrive/cirrus-go/upload/driveapi"
	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// MockDriveClient is a mock implementation of the driveapi.Client interface
// for testing. It allows customization of each operation through function
// fields.
type MockDriveClient struct {
	UploadPolicyFunc        func(context.Context) (*uploadtypes.Policy, error)
	InitChunkUploadFunc     func(context.Context, *driveapi.InitRequest) (*driveapi.Session, error)
	UploadChunkFunc         func(context.Context, string, int, io.Reader, int64) error
	UploadStatusFunc        func(context.Context, string) (*driveapi.SessionStatus, error)
	CompleteChunkUploadFunc func(context.Context, *driveapi.CompleteRequest) (*driveapi.Entry, error)
	CancelChunkUploadFunc   func(context.Context, string) error
	UploadFileFunc          func(context.Context, *driveapi.FileRequest) (*driveapi.Entry, error)
	ListDirFunc             func(context.Context, string) ([]driveapi.Entry, error)
	MkdirFunc               func(context.Context, string, string) (*driveapi.Entry, error)
}

// UploadPolicy mocks the policy fetch.
func (m *MockDriveClient) UploadPolicy(ctx context.Context) (*uploadtypes.Policy, error) {
	if m.UploadPolicyFunc != nil {
		return m.UploadPolicyFunc(ctx)
	}
	return &uploadtypes.Policy{}, nil
}

// InitChunkUpload mocks session negotiation.
func (m *MockDriveClient) InitChunkUpload(
	ctx context.Context,
	req *driveapi.InitRequest,
) (*driveapi.Session, error) {
	if m.InitChunkUploadFunc != nil {
		return m.InitChunkUploadFunc(ctx, req)
	}
	return &driveapi.Session{}, nil
}

// UploadChunk mocks one part upload.
func (m *MockDriveClient) UploadChunk(
	ctx context.Context,
	uploadID string,
	partNumber int,
	body io.Reader,
	size int64,
) error {
	if m.UploadChunkFunc != nil {
		return m.UploadChunkFunc(ctx, uploadID, partNumber, body, size)
	}
	return nil
}

// UploadStatus mocks the acknowledged-parts query.
func (m *MockDriveClient) UploadStatus(ctx context.Context, uploadID string) (*driveapi.SessionStatus, error) {
	if m.UploadStatusFunc != nil {
		return m.UploadStatusFunc(ctx, uploadID)
	}
	return &driveapi.SessionStatus{}, nil
}

// CompleteChunkUpload mocks session finalization.
func (m *MockDriveClient) CompleteChunkUpload(
	ctx context.Context,
	req *driveapi.CompleteRequest,
) (*driveapi.Entry, error) {
	if m.CompleteChunkUploadFunc != nil {
		return m.CompleteChunkUploadFunc(ctx, req)
	}
	return &driveapi.Entry{}, nil
}

// CancelChunkUpload mocks the server-side session abort.
func (m *MockDriveClient) CancelChunkUpload(ctx context.Context, uploadID string) error {
	if m.CancelChunkUploadFunc != nil {
		return m.CancelChunkUploadFunc(ctx, uploadID)
	}
	return nil
}

// UploadFile mocks the single-shot upload.
func (m *MockDriveClient) UploadFile(ctx context.Context, req *driveapi.FileRequest) (*driveapi.Entry, error) {
	if m.UploadFileFunc != nil {
		return m.UploadFileFunc(ctx, req)
	}
	return &driveapi.Entry{}, nil
}

// ListDir mocks folder listing.
func (m *MockDriveClient) ListDir(ctx context.Context, parentID string) ([]driveapi.Entry, error) {
	if m.ListDirFunc != nil {
		return m.ListDirFunc(ctx, parentID)
	}
	return nil, nil
}

// Mkdir mocks folder creation.
func (m *MockDriveClient) Mkdir(ctx context.Context, parentID, name string) (*driveapi.Entry, error) {
	if m.MkdirFunc != nil {
		return m.MkdirFunc(ctx, parentID, name)
	}
	return &driveapi.Entry{ID: parentID + "/" + name, Name: name, Dir: true}, nil
}

// Ensure MockDriveClient implements the driveapi.Client interface
var _ driveapi.Client = (*MockDriveClient)(nil)
