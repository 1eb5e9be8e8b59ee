// Package cursor provides bounds checked sequential access over fixed byte buffers.
//
// A [Reader] walks an immutable input such as an ELF file image, a [Writer] appends
// machine words into a small fixed capacity buffer such as a trampoline under construction.
// Neither of them ever performs a partial operation: either the whole request fits or
// an error is returned and the cursor stays where it was.
package cursor

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrInsufficientData occurs when a read asks for more bytes than remain after the cursor.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrSeekOutOfRange occurs when seeking outside the buffer.
	ErrSeekOutOfRange = errors.New("seek out of range")
)

// Reader is a sequential reader over a fixed buffer.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps buf, the buffer is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{data: buf}
}

// ReadInto copies len(p) bytes from the cursor into p and advances the cursor.
func (r *Reader) ReadInto(p []byte) error {
	if len(p) > r.Remaining() {
		return errors.Wrapf(ErrInsufficientData, "%d bytes at %d, %d left", len(p), r.pos, r.Remaining())
	}
	copy(p, r.data[r.pos:])
	r.pos += len(p)
	return nil
}

// Read returns a freshly allocated copy of the next n bytes.
func (r *Reader) Read(n int) (b []byte, err error) {
	if n < 0 || n > r.Remaining() {
		return nil, errors.Wrapf(ErrInsufficientData, "%d bytes at %d, %d left", n, r.pos, r.Remaining())
	}
	b = make([]byte, n)
	err = r.ReadInto(b)
	return
}

// ReadStruct decodes a fixed size value (see [binary.Size]) at the cursor.
func (r *Reader) ReadStruct(order binary.ByteOrder, v any) (err error) {
	n := binary.Size(v)
	if n < 0 {
		return errors.Errorf("cursor: %T has no fixed size", v)
	}
	var b []byte
	if b, err = r.Read(n); err != nil {
		return
	}
	return errors.WithStack(binary.Read(bytes.NewReader(b), order, v))
}

// Tell reports the absolute cursor position.
func (r *Reader) Tell() int {
	return r.pos
}

// Seek moves the cursor to an absolute position, backward seeks are fine.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.data) {
		return errors.Wrapf(ErrSeekOutOfRange, "%d of %d", pos, len(r.data))
	}
	r.pos = pos
	return nil
}

// Remaining bytes after the cursor.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Len of the whole buffer.
func (r *Reader) Len() int {
	return len(r.data)
}
