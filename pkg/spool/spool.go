// Package spool provides a seekable buffer that keeps small payloads in memory and
// moves larger ones to a temporary file.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const DefaultThreshold int64 = 1 << 20

var (
	ErrNegativeSeek  = errors.New("spool: negative position")
	ErrInvalidWhence = errors.New("spool: invalid whence")
	ErrClosed        = errors.New("spool: buffer closed")
)

// Option configures a Buffer.
type Option func(*Buffer)

// WithDir places the temporary file in dir instead of the system temp directory.
func WithDir(dir string) Option {
	return func(b *Buffer) {
		b.dir = dir
	}
}

// OnSpill registers fn to run once, right after the buffer moves to a file.
func OnSpill(fn func(path string)) Option {
	return func(b *Buffer) {
		b.onSpill = fn
	}
}

// Buffer implements io.ReadWriteSeeker and io.Closer. It is not safe for concurrent use.
type Buffer struct {
	threshold int64
	dir       string
	onSpill   func(path string)

	mem  []byte
	file *os.File
	size int64
	pos  int64

	closed bool
}

// New returns an empty in-memory buffer. A non-positive threshold uses DefaultThreshold.
func New(threshold int64, opts ...Option) *Buffer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	b := &Buffer{threshold: threshold}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Spilled reports whether the buffer is backed by a temporary file.
func (b *Buffer) Spilled() bool {
	return b.file != nil
}

// Name returns the temporary file path, or "" while the buffer is in memory.
func (b *Buffer) Name() string {
	if b.file == nil {
		return ""
	}
	return b.file.Name()
}

func (b *Buffer) Size() int64 {
	return b.size
}

func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := b.pos + int64(len(p))
	if b.file == nil && max(end, b.size) >= b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}

	if b.file != nil {
		n, err := b.file.WriteAt(p, b.pos)
		b.pos += int64(n)
		b.size = max(b.size, b.pos)
		if err != nil {
			return n, fmt.Errorf("spool: write temp file: %w", err)
		}
		return n, nil
	}

	if end > int64(cap(b.mem)) {
		// end is below the threshold here, so the cap never passes it.
		grown := make([]byte, len(b.mem), min(max(end, 2*int64(cap(b.mem))), b.threshold))
		copy(grown, b.mem)
		b.mem = grown
	}
	if end > int64(len(b.mem)) {
		// Bytes between the old end and pos read back as zeros.
		b.mem = b.mem[:end]
	}
	copy(b.mem[b.pos:], p)
	b.pos = end
	b.size = max(b.size, end)
	return len(p), nil
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp(b.dir, "botcore-spool-*")
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}
	if _, err := f.Write(b.mem[:b.size]); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("spool: copy to temp file: %w", err)
	}

	b.file = f
	b.mem = nil
	if b.onSpill != nil {
		b.onSpill(f.Name())
	}
	return nil
}

func (b *Buffer) Read(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.pos >= b.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if b.file != nil {
		limit := min(int64(len(p)), b.size-b.pos)
		n, err := b.file.ReadAt(p[:limit], b.pos)
		b.pos += int64(n)
		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("spool: read temp file: %w", err)
		}
		return n, nil
	}

	n := copy(p, b.mem[b.pos:b.size])
	b.pos += int64(n)
	return n, nil
}

// ReadAll returns every byte from the cursor to the end.
func (b *Buffer) ReadAll() ([]byte, error) {
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]byte, 0, max(b.size-b.pos, 0))
	buf := make([]byte, 32*1024)
	for {
		n, err := b.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	if b.closed {
		return 0, ErrClosed
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = b.pos
	case io.SeekEnd:
		size, err := b.backingSize()
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidWhence, whence)
	}

	next := base + offset
	if next < 0 {
		return 0, ErrNegativeSeek
	}
	b.pos = next
	return next, nil
}

func (b *Buffer) backingSize() (int64, error) {
	if b.file == nil {
		return b.size, nil
	}
	info, err := b.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("spool: stat temp file: %w", err)
	}
	return max(info.Size(), b.size), nil
}

// Close releases the temporary file, if any. Calling it again is a no-op.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = nil

	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	closeErr := b.file.Close()
	b.file = nil
	removeErr := os.Remove(name)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return errors.Join(closeErr, fmt.Errorf("spool: remove temp file: %w", removeErr))
	}
	return closeErr
}

// With runs fn with a fresh buffer and closes it on every return path.
func With(threshold int64, fn func(*Buffer) error, opts ...Option) (err error) {
	b := New(threshold, opts...)
	defer func() {
		err = errors.Join(err, b.Close())
	}()
	return fn(b)
}
