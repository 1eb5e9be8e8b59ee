//go:build linux || darwin

package leaf

import (
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type unixMapper struct{}

// DefaultMapper maps private anonymous RWX memory, which the kernel hands out zero filled.
func DefaultMapper() Mapper {
	return unixMapper{}
}

func (unixMapper) Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, unix.EINVAL
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (unixMapper) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

type dlLinker struct{}

// DefaultLinker uses the platform dlopen with RTLD_NOW|RTLD_GLOBAL.
func DefaultLinker() Linker {
	return dlLinker{}
}

func (dlLinker) Open(name string) (Handle, error) {
	h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, errors.Wrapf(err, "dlopen %s", name)
	}
	return Handle(h), nil
}

func (dlLinker) Lookup(h Handle, name string) (uintptr, error) {
	return purego.Dlsym(uintptr(h), name)
}

func (dlLinker) LookupGlobal(name string) (uintptr, error) {
	return purego.Dlsym(rtldDefault, name)
}

func (dlLinker) Close(h Handle) error {
	return purego.Dlclose(uintptr(h))
}

// DefaultInvoker calls through purego without cgo.
func DefaultInvoker() Invoker {
	return func(fn uintptr) uintptr {
		r1, _, _ := purego.SyscallN(fn)
		return r1
	}
}
