// Package hook redirects native AArch64 functions to replacement handlers while keeping the
// original callable.
//
// Use Steps:
//
//  1. [NewArena] maps one executable region which will hold every trampoline of the session.
//  2. [Arena.Hook] or [Arena.HookSymbol] patches a target entry with a branch to the handler and
//     optionally returns the address of a trampoline running the original code.
//  3. [Arena.Destroy] unmaps the region.
//
// Note:
//
//  1. Hooks are permanent, there is no unhook.
//  2. No trampoline may run after [Arena.Destroy].
//  3. Trampolines use X17 (IP1) as scratch register to branch back, the original code must not
//     expect a live value in it at its entry.
//  4. An Arena is not thread-safe, callers serialize all use.
package hook

import (
	"os"
	"unsafe"

	"github.com/ZenLiuCN/leaf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// ArenaPages is the size of every arena in platform pages.
const ArenaPages = 10

var (
	ErrArenaExhausted = errors.New("hook arena exhausted")
	ErrArenaDestroyed = errors.New("hook arena destroyed")
	ErrInvalidSize    = errors.New("allocation size must be positive")
	ErrAlloc          = errors.New("cannot map hook arena")
)

type (
	// Arena is a fixed capacity bump allocator over one executable mapping.
	Arena struct {
		mapper  leaf.Mapper
		logger  log.Logger
		mem     []byte
		used    int
		source  Memory
		patcher patcher
		hooked  map[uintptr]uintptr
		anyArch bool
	}
	// Option configures [NewArena].
	Option func(*Arena)
	// patcher overwrites live code.
	patcher func(addr uintptr, code []byte) error
)

// WithMapper replaces the platform mapper of the arena.
func WithMapper(m leaf.Mapper) Option {
	return func(a *Arena) {
		a.mapper = m
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l log.Logger) Option {
	return func(a *Arena) {
		a.logger = l
	}
}

// NewArena maps [ArenaPages] pages of RWX memory.
func NewArena(opts ...Option) (*Arena, error) {
	a := &Arena{
		mapper:  leaf.DefaultMapper(),
		logger:  log.NewNopLogger(),
		source:  liveMemory{},
		patcher: patchCode,
		hooked:  make(map[uintptr]uintptr),
	}
	for _, o := range opts {
		o(a)
	}
	size := ArenaPages * os.Getpagesize()
	mem, err := a.mapper.Map(size)
	if err != nil {
		return nil, errors.Wrapf(ErrAlloc, "%d bytes: %v", size, err)
	}
	a.mem = mem
	level.Debug(a.logger).Log("msg", "hook arena mapped", "base", a.base(), "size", size)
	return a, nil
}

func (a *Arena) base() uintptr {
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

// Allocate reserves size bytes rounded up to 4. The arena is left untouched on failure.
func (a *Arena) Allocate(size int) (uintptr, error) {
	if a.mem == nil {
		return 0, ErrArenaDestroyed
	}
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	left := len(a.mem) - a.used
	if size > left {
		return 0, errors.Wrapf(ErrArenaExhausted, "%d bytes requested, %d left", size, left)
	}
	// left is a multiple of 4, so the rounded size still fits
	n := (size + 3) &^ 3
	p := a.base() + uintptr(a.used)
	a.used += n
	return p, nil
}

// Write copies code into a fresh allocation and makes it visible to instruction fetch.
func (a *Arena) Write(code []byte) (uintptr, error) {
	p, err := a.Allocate(len(code))
	if err != nil {
		return 0, err
	}
	off := p - a.base()
	copy(a.mem[off:], code)
	clearCache(p, p+uintptr(len(code)))
	return p, nil
}

// Used bytes.
func (a *Arena) Used() int {
	return a.used
}

// Cap is the fixed capacity in bytes, zero after Destroy.
func (a *Arena) Cap() int {
	return len(a.mem)
}

// Destroy unmaps the arena. Every trampoline issued by it becomes invalid.
func (a *Arena) Destroy() error {
	if a.mem == nil {
		return ErrArenaDestroyed
	}
	err := a.mapper.Unmap(a.mem)
	a.mem = nil
	a.used = 0
	return err
}
