package transfer

import (
	"fmt"
	"io"
	"os"
)

// Source is the file-read side consumed by the send pipeline: random
// access reads of byte ranges, no assumption of sequential access even
// though the pipeline happens to read sequentially (spec.md §6).
type Source interface {
	// Size returns the total number of bytes the source will yield.
	Size() int64
	// Name returns a display name for the source, carried in file-start.
	Name() string
	// ReadRange returns exactly length bytes starting at offset, or a
	// SourceReadError wrapping the underlying cause.
	ReadRange(offset, length int64) ([]byte, error)
	// Close releases any held descriptor.
	Close() error
}

// FileSource is a Source backed by an *os.File opened for random access
// reads, the shape every real sender uses outside of tests.
type FileSource struct {
	f    *os.File
	name string
	size int64
}

// OpenFileSource opens path and stats it once, so Size/Name are free
// thereafter and every ReadRange is an independent pread-style call.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening source %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transfer: statting source %s: %w", path, err)
	}
	return &FileSource{f: f, name: info.Name(), size: info.Size()}, nil
}

func (s *FileSource) Size() int64   { return s.size }
func (s *FileSource) Name() string  { return s.name }
func (s *FileSource) Close() error  { return s.f.Close() }

func (s *FileSource) ReadRange(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	if _, err := s.f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, &SourceReadError{Offset: offset, Err: err}
	}
	return buf, nil
}

// Sink is the file-write side consumed by the receive pipeline. Assembly
// either buffers verified sub-chunks and commits with one Write call per
// prefix, or streams them as they complete — WriteAt is offset-addressed
// either way so both strategies share one interface (spec.md §5's
// RECOMMENDED streaming-to-sink behavior for very large files).
type Sink interface {
	// Open prepares the sink to receive name of the given total size.
	Open(name string, size int64) error
	// WriteAt writes payload at the given absolute file offset. Callers
	// are expected (but not required) to call it in ascending,
	// non-overlapping order as flat-index order guarantees.
	WriteAt(offset int64, payload []byte) error
	// Close finalizes the sink, e.g. flushing and closing the file.
	Close() error
}

// FileSink is a Sink backed by an *os.File, created at Open and
// pre-sized with Truncate so WriteAt never has to extend the file.
type FileSink struct {
	path string
	f    *os.File
}

// NewFileSink returns a Sink that writes the assembled file to path,
// overwriting any existing file there. The file is created lazily, on
// the first Open call, once the announced size is known.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Open(name string, size int64) error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("transfer: creating sink %s: %w", s.path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return &SinkWriteError{Offset: 0, Err: err}
	}
	s.f = f
	return nil
}

func (s *FileSink) WriteAt(offset int64, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if _, err := s.f.WriteAt(payload, offset); err != nil {
		return &SinkWriteError{Offset: offset, Err: err}
	}
	return nil
}

func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// BufferSink is an in-memory Sink, used by tests and by callers small
// enough not to need streaming-to-disk assembly.
type BufferSink struct {
	buf []byte
}

func NewBufferSink() *BufferSink { return &BufferSink{} }

func (s *BufferSink) Open(name string, size int64) error {
	s.buf = make([]byte, size)
	return nil
}

func (s *BufferSink) WriteAt(offset int64, payload []byte) error {
	if offset+int64(len(payload)) > int64(len(s.buf)) {
		return &SinkWriteError{Offset: offset, Err: fmt.Errorf("write past buffer end")}
	}
	copy(s.buf[offset:], payload)
	return nil
}

func (s *BufferSink) Close() error { return nil }

// Bytes returns the assembled buffer. Only meaningful after the transfer
// completes.
func (s *BufferSink) Bytes() []byte { return s.buf }

// BufferSource is an in-memory Source, the counterpart to BufferSink for
// tests that want both ends of a transfer without touching a filesystem.
type BufferSource struct {
	name string
	buf  []byte
}

// NewBufferSource wraps buf as a Source named name.
func NewBufferSource(name string, buf []byte) *BufferSource {
	return &BufferSource{name: name, buf: buf}
}

func (s *BufferSource) Size() int64  { return int64(len(s.buf)) }
func (s *BufferSource) Name() string { return s.name }
func (s *BufferSource) Close() error { return nil }

func (s *BufferSource) ReadRange(offset, length int64) ([]byte, error) {
	if offset < 0 || offset+length > int64(len(s.buf)) {
		return nil, &SourceReadError{Offset: offset, Err: fmt.Errorf("read past buffer end")}
	}
	out := make([]byte, length)
	copy(out, s.buf[offset:offset+length])
	return out, nil
}
