// Package folders resolves destination folder paths, creating missing
// folders on demand with memoization and in-flight de-duplication.
package folders

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/cirrusdrive/cirrus-go/upload/driveapi"
	uperrors "github.com/cirrusdrive/cirrus-go/upload/errors"
)

type key struct {
	parent string
	name   string
}

// call is one in-flight folder creation that concurrent resolvers join
// instead of issuing duplicate creates.
type call struct {
	done chan struct{}
	id   string
	err  error
}

// Resolver maps (parentID, segment) pairs to folder ids, shared by all items
// and workers of one engine.
type Resolver struct {
	api    driveapi.Client
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[key]string
	inflight map[key]*call
}

// New creates a resolver over the given API client.
func New(api driveapi.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		api:      api,
		logger:   logger,
		cache:    make(map[key]string),
		inflight: make(map[key]*call),
	}
}

// Resolve walks relDir segment by segment under rootID, returning the id of
// the leaf folder. Missing folders are created; each (parent, name) pair is
// resolved at most once per resolver lifetime.
func (r *Resolver) Resolve(ctx context.Context, rootID, relDir string) (string, error) {
	parent := rootID
	for _, seg := range strings.Split(path.Clean(relDir), "/") {
		if seg == "" || seg == "." {
			continue
		}
		id, err := r.resolveSegment(ctx, parent, seg)
		if err != nil {
			return "", uperrors.NewError("resolveFolder", err).WithPath(relDir).WithMessage("segment " + seg)
		}
		parent = id
	}
	return parent, nil
}

func (r *Resolver) resolveSegment(ctx context.Context, parentID, name string) (string, error) {
	k := key{parent: parentID, name: name}

	r.mu.Lock()
	if id, ok := r.cache[k]; ok {
		r.mu.Unlock()
		return id, nil
	}
	if c, ok := r.inflight[k]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.id, c.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	r.inflight[k] = c
	r.mu.Unlock()

	id, err := r.createOrFind(ctx, parentID, name)

	r.mu.Lock()
	if err == nil {
		r.cache[k] = id
	}
	delete(r.inflight, k)
	r.mu.Unlock()

	c.id, c.err = id, err
	close(c.done)
	return id, err
}

// createOrFind creates the folder, falling back to a listing lookup when the
// create fails. A concurrent upload may have created the folder first; the
// create then errors while the listing finds it by exact name.
func (r *Resolver) createOrFind(ctx context.Context, parentID, name string) (string, error) {
	entry, err := r.api.Mkdir(ctx, parentID, name)
	if err == nil {
		return entry.ID, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	r.logger.Debug("mkdir failed, falling back to listing",
		"parent", parentID, "name", name, "error", err)

	entries, listErr := r.api.ListDir(ctx, parentID)
	if listErr != nil {
		return "", uperrors.NewError("listDir", listErr).WithMessage("fallback after mkdir failure")
	}
	for _, e := range entries {
		if e.Dir && e.Name == name {
			return e.ID, nil
		}
	}
	return "", uperrors.NewError("mkdir", uperrors.ErrFolderNotFound).WithMessage(err.Error())
}
