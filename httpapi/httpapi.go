// Package httpapi is the reference net/http implementation of the
// driveapi.Client interface. It speaks a small JSON protocol:
//
//	GET    {base}/upload/policy                     active upload policy
//	POST   {base}/upload/sessions                   negotiate a chunked session
//	PUT    {base}/upload/sessions/{id}/parts/{n}    upload one part
//	GET    {base}/upload/sessions/{id}              acknowledged parts
//	POST   {base}/upload/sessions/{id}/complete     finalize the session
//	DELETE {base}/upload/sessions/{id}              abort the session
//	POST   {base}/files                             single-shot upload
//	GET    {base}/folders/{id}/children             list a folder
//	POST   {base}/folders/{id}/children             create a subfolder
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cirrusdrive/cirrus-go/upload/driveapi"
	"github.com/cirrusdrive/cirrus-go/upload/errors"
	"github.com/cirrusdrive/cirrus-go/upload/uploadtypes"
)

// maxErrorBody bounds how much of an error response body is read for the
// error message.
const maxErrorBody = 4 << 10

// Client implements driveapi.Client over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	logger  *slog.Logger
}

// ClientOption configures the HTTP client during construction.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying http.Client. The default client has no
// timeout of its own; transfers rely on context deadlines and cancellation.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithAuthToken sets the bearer token attached to every request.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the logger for request failures.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a drive API client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.NewError("httpapi", errors.ErrInvalidInput).
			WithMessage("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.NewError("httpapi", err).WithMessage("invalid base URL")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type policyPayload struct {
	ChunkThresholdBytes int64 `json:"chunkThresholdBytes"`
	MaxConcurrency      int   `json:"maxConcurrency"`
	MaxParallelChunks   int   `json:"maxParallelChunks"`
	ResumableEnabled    bool  `json:"resumableEnabled"`
	RetryMax            int   `json:"retryMax"`
	RetryBaseDelayMs    int64 `json:"retryBaseDelayMs"`
	RetryMaxDelayMs     int64 `json:"retryMaxDelayMs"`
}

func (p *policyPayload) toPolicy() *uploadtypes.Policy {
	return &uploadtypes.Policy{
		ChunkThresholdBytes: p.ChunkThresholdBytes,
		MaxConcurrency:      p.MaxConcurrency,
		MaxParallelChunks:   p.MaxParallelChunks,
		ResumableEnabled:    p.ResumableEnabled,
		RetryMax:            p.RetryMax,
		RetryBaseDelay:      time.Duration(p.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:       time.Duration(p.RetryMaxDelayMs) * time.Millisecond,
	}
}

// UploadPolicy fetches the active upload tunables.
func (c *Client) UploadPolicy(ctx context.Context) (*uploadtypes.Policy, error) {
	var payload policyPayload
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/upload/policy", nil, &payload); err != nil {
		return nil, wrapOp("uploadPolicy", err)
	}
	return payload.toPolicy(), nil
}

type initPayload struct {
	FolderID         string `json:"folderId"`
	Name             string `json:"name"`
	Size             int64  `json:"size"`
	MimeType         string `json:"mimeType"`
	ProposedPartSize int64  `json:"proposedPartSize"`
	Overwrite        bool   `json:"overwrite"`
}

type sessionPayload struct {
	UploadID   string         `json:"uploadId"`
	PartSize   int64          `json:"partSize"`
	TotalParts int            `json:"totalParts"`
	Policy     *policyPayload `json:"policy,omitempty"`
}

// InitChunkUpload negotiates a chunked upload session.
func (c *Client) InitChunkUpload(ctx context.Context, req *driveapi.InitRequest) (*driveapi.Session, error) {
	body := initPayload{
		FolderID:         req.FolderID,
		Name:             req.Name,
		Size:             req.Size,
		MimeType:         req.MimeType,
		ProposedPartSize: req.ProposedPartSize,
		Overwrite:        req.Overwrite,
	}
	var payload sessionPayload
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/upload/sessions", body, &payload); err != nil {
		return nil, wrapOp("initChunkUpload", err).WithPath(req.Name)
	}
	sess := &driveapi.Session{
		UploadID:   payload.UploadID,
		PartSize:   payload.PartSize,
		TotalParts: payload.TotalParts,
	}
	if payload.Policy != nil {
		sess.Policy = payload.Policy.toPolicy()
	}
	return sess, nil
}

// UploadChunk uploads one part. The server treats re-uploads of an already
// acknowledged part as a no-op, so retries after an ambiguous failure are
// safe.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, partNumber int, body io.Reader, size int64) error {
	u := fmt.Sprintf("%s/upload/sessions/%s/parts/%d", c.baseURL, url.PathEscape(uploadID), partNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return errors.NewError("uploadChunk", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewError("uploadChunk", transportError(err))
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewError("uploadChunk", c.statusError(resp)).WithStatus(resp.StatusCode)
	}
	return nil
}

type statusPayload struct {
	UploadedParts []int `json:"uploadedParts"`
	TotalParts    int   `json:"totalParts"`
}

// UploadStatus returns the parts the server has acknowledged for a session.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) (*driveapi.SessionStatus, error) {
	u := c.baseURL + "/upload/sessions/" + url.PathEscape(uploadID)
	var payload statusPayload
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, wrapOp("getUploadStatus", err)
	}
	return &driveapi.SessionStatus{
		UploadedParts: payload.UploadedParts,
		TotalParts:    payload.TotalParts,
	}, nil
}

type completePayload struct {
	FolderID   string `json:"folderId"`
	Name       string `json:"name"`
	Overwrite  bool   `json:"overwrite"`
	MimeType   string `json:"mimeType"`
	TotalParts int    `json:"totalParts"`
}

// CompleteChunkUpload assembles the acknowledged parts into the final object.
func (c *Client) CompleteChunkUpload(ctx context.Context, req *driveapi.CompleteRequest) (*driveapi.Entry, error) {
	u := c.baseURL + "/upload/sessions/" + url.PathEscape(req.UploadID) + "/complete"
	body := completePayload{
		FolderID:   req.FolderID,
		Name:       req.Name,
		Overwrite:  req.Overwrite,
		MimeType:   req.MimeType,
		TotalParts: req.TotalParts,
	}
	var entry driveapi.Entry
	if err := c.doJSON(ctx, http.MethodPost, u, body, &entry); err != nil {
		return nil, wrapOp("completeChunkUpload", err).WithPath(req.Name)
	}
	return &entry, nil
}

// CancelChunkUpload aborts a session server-side.
func (c *Client) CancelChunkUpload(ctx context.Context, uploadID string) error {
	u := c.baseURL + "/upload/sessions/" + url.PathEscape(uploadID)
	if err := c.doJSON(ctx, http.MethodDelete, u, nil, nil); err != nil {
		return wrapOp("cancelChunkUpload", err)
	}
	return nil
}

// UploadFile transfers a whole file in a single request. Progress, when set
// on the request, is fed from the bytes the transport consumes.
func (c *Client) UploadFile(ctx context.Context, req *driveapi.FileRequest) (*driveapi.Entry, error) {
	q := url.Values{}
	q.Set("folderId", req.FolderID)
	q.Set("name", req.Name)
	if req.Overwrite {
		q.Set("overwrite", "true")
	}
	u := c.baseURL + "/files?" + q.Encode()

	body := req.Body
	if req.Progress != nil {
		body = &countingReader{r: req.Body, fn: req.Progress}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, errors.NewError("uploadFile", err).WithPath(req.Name)
	}
	if req.MimeType != "" {
		httpReq.Header.Set("Content-Type", req.MimeType)
	} else {
		httpReq.Header.Set("Content-Type", "application/octet-stream")
	}
	httpReq.ContentLength = req.Size
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.NewError("uploadFile", transportError(err)).WithPath(req.Name)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.NewError("uploadFile", c.statusError(resp)).
			WithPath(req.Name).
			WithStatus(resp.StatusCode)
	}
	var entry driveapi.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, errors.NewError("uploadFile", err).WithPath(req.Name)
	}
	return &entry, nil
}

// ListDir lists the children of a folder.
func (c *Client) ListDir(ctx context.Context, parentID string) ([]driveapi.Entry, error) {
	u := c.baseURL + "/folders/" + url.PathEscape(parentID) + "/children"
	var entries []driveapi.Entry
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &entries); err != nil {
		return nil, wrapOp("listDir", err).WithPath(parentID)
	}
	return entries, nil
}

// Mkdir creates a folder under parentID.
func (c *Client) Mkdir(ctx context.Context, parentID, name string) (*driveapi.Entry, error) {
	u := c.baseURL + "/folders/" + url.PathEscape(parentID) + "/children"
	var entry driveapi.Entry
	if err := c.doJSON(ctx, http.MethodPost, u, map[string]string{"name": name}, &entry); err != nil {
		return nil, wrapOp("mkdir", err).WithPath(parentID + "/" + name)
	}
	return &entry, nil
}

// doJSON performs one JSON request/response round trip. A nil out discards
// the response body.
func (c *Client) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusErr{code: resp.StatusCode, err: c.statusError(resp)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusErr carries the HTTP status alongside the mapped error so callers
// wrapping it into an *errors.Error keep the code in the chain.
type statusErr struct {
	code int
	err  error
}

func (s *statusErr) Error() string { return s.err.Error() }
func (s *statusErr) Unwrap() error { return s.err }

// statusError maps a non-2xx response to a sentinel error, keeping the first
// bytes of the body as detail.
func (c *Client) statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(detail))
	if msg == "" {
		msg = resp.Status
	}
	c.logger.Debug("request failed", "status", resp.StatusCode, "url", resp.Request.URL.Path)

	var sentinel error
	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		sentinel = errors.ErrTimeout
	case resp.StatusCode == http.StatusTooManyRequests:
		sentinel = errors.ErrTooManyRequests
	case resp.StatusCode == http.StatusNotFound:
		sentinel = errors.ErrItemNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone:
		sentinel = errors.ErrSessionInvalid
	case resp.StatusCode >= 500:
		sentinel = errors.ErrServerUnavailable
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// transportError normalizes connection-level failures so the engine's retry
// classification sees them as transient. Context cancellation passes through
// untouched.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return context.Canceled
	}
	var uerr *url.Error
	if stderrors.As(err, &uerr) {
		if uerr.Timeout() {
			return fmt.Errorf("%w: %v", errors.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", errors.ErrConnection, err)
	}
	return err
}

// wrapOp wraps a request error with its operation name, lifting the HTTP
// status out of the chain when one was recorded.
func wrapOp(op string, err error) *errors.Error {
	e := errors.NewError(op, err)
	var s *statusErr
	if stderrors.As(err, &s) {
		e = e.WithStatus(s.code)
	}
	return e
}

// countingReader feeds cumulative byte counts to a progress callback as the
// transport consumes the request body.
type countingReader struct {
	r    io.Reader
	sent int64
	fn   func(sent int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		c.fn(c.sent)
	}
	return n, err
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// drain consumes and closes a response body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
