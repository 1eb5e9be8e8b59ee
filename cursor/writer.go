package cursor

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// WriterCapacity is the fixed size of every [Writer].
const WriterCapacity = 256

// ErrCapacityExceeded occurs when a write does not fit into the remaining capacity.
var ErrCapacityExceeded = errors.New("writer capacity exceeded")

// Writer appends little endian words into a fixed capacity buffer.
type Writer struct {
	buf [WriterCapacity]byte
	n   int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return new(Writer)
}

func (w *Writer) reserve(n int) ([]byte, error) {
	if n > WriterCapacity-w.n {
		return nil, errors.Wrapf(ErrCapacityExceeded, "%d bytes with %d of %d used", n, w.n, WriterCapacity)
	}
	b := w.buf[w.n : w.n+n]
	w.n += n
	return b, nil
}

// PutUint32 appends v.
func (w *Writer) PutUint32(v uint32) error {
	b, err := w.reserve(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// PutUint64 appends v.
func (w *Writer) PutUint64(v uint64) error {
	b, err := w.reserve(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Write appends p entirely or nothing at all.
func (w *Writer) Write(p []byte) (int, error) {
	b, err := w.reserve(len(p))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Len of written bytes.
func (w *Writer) Len() int {
	return w.n
}

// Bytes returns a copy of the written bytes.
func (w *Writer) Bytes() []byte {
	return append([]byte(nil), w.buf[:w.n]...)
}

// Reset discards everything written.
func (w *Writer) Reset() {
	w.n = 0
}
