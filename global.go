package leaf

import (
	"errors"
	"sync"

	"github.com/pkujhd/goloader"
)

var (
	gob     Symbols
	gobOnce sync.Once
	gobErr  error
	gobMu   sync.Mutex
)

var (
	// ErrAlreadyExists occurs when an image already merged into the global scope is merged again.
	ErrAlreadyExists = errors.New("already imported same image into global")
)

func global() (Symbols, error) {
	gobOnce.Do(func() {
		gob, gobErr = HostSymbols()
	})
	return gob, gobErr
}

// GlobalSymbols the process wide scope, seeded with the symbols of the host executable.
// Pass it to [WithSymbols] so images can bind against the host. Should not be modified directly.
func GlobalSymbols() (Symbols, error) {
	gobMu.Lock()
	defer gobMu.Unlock()
	return global()
}

// UseGlobalSo adds the symbols of a shared object on disk to the global scope.
func UseGlobalSo(path string) error {
	gobMu.Lock()
	defer gobMu.Unlock()
	s, err := global()
	if err != nil {
		return err
	}
	return goloader.RegSymbolWithSo(s, path)
}

// UseGlobalExecutable adds the symbols of an executable on disk to the global scope.
func UseGlobalExecutable(path string) error {
	gobMu.Lock()
	defer gobMu.Unlock()
	s, err := global()
	if err != nil {
		return err
	}
	return goloader.RegSymbolWithPath(s, path)
}

// UseGlobalImage merges the exports of a loaded image into the global scope. Names already
// present are kept.
func UseGlobalImage(img *Image) error {
	gobMu.Lock()
	defer gobMu.Unlock()
	s, err := global()
	if err != nil {
		return err
	}
	if img.released {
		return ErrReleased
	}
	for name, p := range img.exports {
		if x, ok := s[name]; ok && x == p {
			return ErrAlreadyExists
		}
	}
	for name, p := range img.exports {
		if _, ok := s[name]; !ok {
			s[name] = p
		}
	}
	return nil
}

// DropGlobalImage removes the exports of img from the global scope, call it before releasing
// an image given to [UseGlobalImage].
func DropGlobalImage(img *Image) {
	gobMu.Lock()
	defer gobMu.Unlock()
	if gob == nil {
		return
	}
	for name, p := range img.exports {
		if x, ok := gob[name]; ok && x == p {
			delete(gob, name)
		}
	}
}
