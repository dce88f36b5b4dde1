package uploadtypes

import (
	"bytes"
	"fmt"
	"io"
	"path"

	"github.com/input-output-hk/catalyst-forge-libs/fs"
)

// Source is an immutable handle to a file's bytes and size. The engine never
// copies payload bytes into queue state; it opens readers on demand, once per
// request, so a part retry re-reads the same range.
type Source interface {
	// Name returns the destination-relative path of the file. A name
	// containing directories ("photos/2024/a.jpg") makes the engine
	// materialize the intermediate folders before transferring.
	Name() string

	// Size returns the payload size in bytes.
	Size() int64

	// Open returns a reader over the whole payload, used by the
	// single-shot path.
	Open() (io.ReadCloser, error)

	// OpenRange returns a reader over one contiguous byte range, used to
	// slice parts for chunked transfer.
	OpenRange(off, length int64) (io.ReadCloser, error)
}

// FileSource is a Source backed by a file on a fs.Filesystem.
type FileSource struct {
	fsys fs.Filesystem
	path string
	name string
	size int64
}

// NewFileSource creates a Source for the file at the given path. The name is
// the destination-relative path; pass "" to use the file's base name.
func NewFileSource(fsys fs.Filesystem, filePath, name string) (*FileSource, error) {
	info, err := fsys.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", filePath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %q is a directory", filePath)
	}
	if name == "" {
		name = path.Base(filePath)
	}
	return &FileSource{
		fsys: fsys,
		path: filePath,
		name: name,
		size: info.Size(),
	}, nil
}

// Name returns the destination-relative file name.
func (s *FileSource) Name() string { return s.name }

// Size returns the file size captured at enqueue time.
func (s *FileSource) Size() int64 { return s.size }

// Open opens the whole file.
func (s *FileSource) Open() (io.ReadCloser, error) {
	f, err := s.fsys.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", s.path, err)
	}
	return f, nil
}

// OpenRange opens one byte range of the file. The returned reader owns the
// underlying file handle and closes it.
func (s *FileSource) OpenRange(off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 || off+length > s.size {
		return nil, fmt.Errorf("range [%d,%d) out of bounds for %q (%d bytes)", off, off+length, s.path, s.size)
	}
	f, err := s.fsys.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", s.path, err)
	}
	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, off, length),
		closer:        f,
	}, nil
}

// sectionReadCloser couples a section reader with the file handle backing it.
type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error {
	return s.closer.Close()
}

// BytesSource is a Source over an in-memory byte slice. Handy for small
// payloads and tests.
type BytesSource struct {
	name string
	data []byte
}

// NewBytesSource creates a Source over data. The name is the
// destination-relative file name and must be non-empty.
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{name: name, data: data}
}

// Name returns the destination-relative file name.
func (s *BytesSource) Name() string { return s.name }

// Size returns the payload length.
func (s *BytesSource) Size() int64 { return int64(len(s.data)) }

// Open returns a reader over the whole payload.
func (s *BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// OpenRange returns a reader over one byte range of the payload.
func (s *BytesSource) OpenRange(off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 || off+length > int64(len(s.data)) {
		return nil, fmt.Errorf("range [%d,%d) out of bounds for %q (%d bytes)", off, off+length, s.name, len(s.data))
	}
	return io.NopCloser(bytes.NewReader(s.data[off : off+length])), nil
}
