//go:build linux || darwin

package hook

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// patchCode makes the pages covering [addr, addr+len(code)) RWX, overwrites them and flushes the
// instruction cache. Pages are left RWX: they may share a mapping with writable image data.
func patchCode(addr uintptr, code []byte) error {
	page := uintptr(os.Getpagesize())
	start := addr &^ (page - 1)
	end := (addr + uintptr(len(code)) + page - 1) &^ (page - 1)
	pages := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code)), code)
	clearCache(addr, addr+uintptr(len(code)))
	return nil
}
