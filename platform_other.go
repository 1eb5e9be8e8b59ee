//go:build !linux && !darwin

package leaf

import (
	"errors"
)

// ErrUnsupportedPlatform occurs on hosts without a default mapper or linker.
var ErrUnsupportedPlatform = errors.New("platform not supported, provide a Mapper and Linker")

type nopPlatform struct{}

func DefaultMapper() Mapper {
	return nopPlatform{}
}

func DefaultLinker() Linker {
	return nopPlatform{}
}

func DefaultInvoker() Invoker {
	return func(uintptr) uintptr { return 0 }
}

func (nopPlatform) Map(int) ([]byte, error) { return nil, ErrUnsupportedPlatform }
func (nopPlatform) Unmap([]byte) error { return ErrUnsupportedPlatform }
func (nopPlatform) Open(string) (Handle, error) { return 0, ErrUnsupportedPlatform }
func (nopPlatform) Lookup(Handle, string) (uintptr, error) { return 0, ErrUnsupportedPlatform }
func (nopPlatform) LookupGlobal(string) (uintptr, error) { return 0, ErrUnsupportedPlatform }
func (nopPlatform) Close(Handle) error { return ErrUnsupportedPlatform }
