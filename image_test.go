//go:build !leaf32

package leaf

import (
	"encoding/binary"
	"fmt"

	"github.com/ZenLiuCN/leaf/internal/elftest"
)

type fakeLinker struct {
	libs    map[string]Symbols
	global  Symbols
	handles []string
	closed  []Handle
}

func (f *fakeLinker) Open(name string) (Handle, error) {
	if _, ok := f.libs[name]; !ok {
		return 0, fmt.Errorf("%s: cannot open shared object file", name)
	}
	f.handles = append(f.handles, name)
	return Handle(len(f.handles)), nil
}

func (f *fakeLinker) Lookup(h Handle, name string) (uintptr, error) {
	if p, ok := f.libs[f.handles[h-1]][name]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%s: undefined symbol", name)
}

func (f *fakeLinker) LookupGlobal(name string) (uintptr, error) {
	if p, ok := f.global[name]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%s: undefined symbol", name)
}

func (f *fakeLinker) Close(h Handle) error {
	f.closed = append(f.closed, h)
	return nil
}

// env holds the fake platform of one test.
type env struct {
	mapper  *elftest.Mapper
	linker  *fakeLinker
	calls   []uintptr
	respond func(fn uintptr) uintptr
}

func newEnv() *env {
	return &env{
		mapper: new(elftest.Mapper),
		linker: &fakeLinker{libs: map[string]Symbols{}, global: Symbols{}},
	}
}

func (e *env) invoke(fn uintptr) uintptr {
	e.calls = append(e.calls, fn)
	if e.respond != nil {
		return e.respond(fn)
	}
	return 0
}

func (e *env) load(m *elftest.Image, opts ...Option) (*Image, error) {
	return e.loadBytes(m.Bytes(), opts...)
}

func (e *env) loadBytes(b []byte, opts ...Option) (*Image, error) {
	return Load(b, append([]Option{WithMapper(e.mapper), WithLinker(e.linker), WithInvoker(e.invoke)}, opts...)...)
}

func word(img *Image, off uint64) uint64 {
	return binary.LittleEndian.Uint64(img.mem[off:])
}
