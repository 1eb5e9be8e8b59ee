package leaf

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

// region is the mapped image memory. Every access by image relative offset goes through
// slice so malformed tables can not reach outside the mapping.
type region []byte

func (r region) base() uintptr {
	if len(r) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r[0]))
}

func (r region) slice(off, n uint64) ([]byte, error) {
	size := uint64(len(r))
	if off > size || n > size-off {
		return nil, errors.Wrapf(ErrOutOfBounds, "[0x%x,+0x%x) outside mapping of 0x%x", off, n, size)
	}
	return r[off : off+n : off+n], nil
}

func (r region) addr(off uint64) (uintptr, error) {
	if off > uint64(len(r)) {
		return 0, errors.Wrapf(ErrOutOfBounds, "0x%x outside mapping of 0x%x", off, len(r))
	}
	return r.base() + uintptr(off), nil
}

func (r region) word(off uint64) (uint64, error) {
	b, err := r.slice(off, wordSize)
	if err != nil {
		return 0, err
	}
	return readWord(b), nil
}

// cstring reads a NUL terminated string starting at off, scanning at most limit bytes.
func (r region) cstring(off, limit uint64) (string, error) {
	if off > uint64(len(r)) {
		return "", errors.Wrapf(ErrOutOfBounds, "string at 0x%x outside mapping", off)
	}
	if rest := uint64(len(r)) - off; limit > rest {
		limit = rest
	}
	b := r[off : off+limit]
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", errors.Wrapf(ErrOutOfBounds, "unterminated string at 0x%x", off)
	}
	return string(b[:i]), nil
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
