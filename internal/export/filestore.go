package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrSegmentNotFound is returned when a storage location does not exist.
var ErrSegmentNotFound = errors.New("storage location not found")

// SegmentWriter is an open result segment being written.
type SegmentWriter interface {
	io.WriteCloser

	// Location returns the storage handle under which the segment can be
	// opened or deleted later.
	Location() string
}

// FileStorage is the byte-persistence collaborator for result segments. The
// concrete backend (disk, object store) is fixed per task at creation and
// never migrated mid-task.
type FileStorage interface {
	// ID identifies this storage backend; recorded on every task using it.
	ID() string

	// Create opens a new segment under the given name.
	Create(ctx context.Context, name string) (SegmentWriter, error)

	// Open reads back a previously finished segment.
	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// Delete removes a segment.
	Delete(ctx context.Context, location string) error
}

// DiskStorage stores segments as files under a base directory.
type DiskStorage struct {
	id   string
	base string
}

// NewDiskStorage creates the base directory if needed.
func NewDiskStorage(id, base string) (*DiskStorage, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &DiskStorage{id: id, base: base}, nil
}

// ID identifies this storage backend.
func (s *DiskStorage) ID() string { return s.id }

type diskSegment struct {
	*os.File
	location string
}

func (d *diskSegment) Location() string { return d.location }

// Create opens a new segment file under the base directory.
func (s *DiskStorage) Create(ctx context.Context, name string) (SegmentWriter, error) {
	path := filepath.Join(s.base, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %q: %w", name, err)
	}
	return &diskSegment{File: f, location: path}, nil
}

// Open reads back a finished segment.
func (s *DiskStorage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, location)
		}
		return nil, err
	}
	return f, nil
}

// Delete removes a segment file. Deleting a missing segment is a no-op.
func (s *DiskStorage) Delete(ctx context.Context, location string) error {
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryStorage keeps segments in process memory. It backs tests and
// lightweight single-node setups.
type MemoryStorage struct {
	id       string
	mu       sync.Mutex
	segments map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage backend.
func NewMemoryStorage(id string) *MemoryStorage {
	return &MemoryStorage{id: id, segments: make(map[string][]byte)}
}

// ID identifies this storage backend.
func (s *MemoryStorage) ID() string { return s.id }

type memorySegment struct {
	buf      bytes.Buffer
	store    *MemoryStorage
	location string
	closed   bool
}

func (m *memorySegment) Write(p []byte) (int, error) {
	if m.closed {
		return 0, errors.New("segment already closed")
	}
	return m.buf.Write(p)
}

func (m *memorySegment) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.segments[m.location] = append([]byte(nil), m.buf.Bytes()...)
	return nil
}

func (m *memorySegment) Location() string { return m.location }

// Create opens a new in-memory segment.
func (s *MemoryStorage) Create(ctx context.Context, name string) (SegmentWriter, error) {
	return &memorySegment{store: s, location: s.id + "://" + name}, nil
}

// Open reads back a finished segment.
func (s *MemoryStorage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.segments[location]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSegmentNotFound, location)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a segment.
func (s *MemoryStorage) Delete(ctx context.Context, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, location)
	return nil
}

// Len returns the number of stored segments, for tests.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}
