package hook

import (
	"encoding/binary"

	"github.com/ZenLiuCN/leaf"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

var (
	ErrAlreadyHooked   = errors.New("target already hooked")
	ErrUnsupportedArch = errors.New("inline hooks need an arm64 host")
	ErrNilAddress      = errors.New("nil target or handler")
)

// redirect encodes the branch written over the target entry: a direct B when the handler is in
// range, else an absolute jump through X17.
func redirect(target, handler uint64) []byte {
	if b, ok := branch(target, handler); ok {
		return binary.LittleEndian.AppendUint32(nil, b)
	}
	code := binary.LittleEndian.AppendUint32(nil, ldrLitX(scratch, 8))
	code = binary.LittleEndian.AppendUint32(code, br(scratch))
	return binary.LittleEndian.AppendUint64(code, handler)
}

// Hook redirects target to handler and returns a callable trampoline of the original code when
// wantOriginal is set, zero otherwise.
func (a *Arena) Hook(target, handler uintptr, wantOriginal bool) (original uintptr, err error) {
	if !native && !a.anyArch {
		return 0, ErrUnsupportedArch
	}
	if a.mem == nil {
		return 0, ErrArenaDestroyed
	}
	if target == 0 || handler == 0 {
		return 0, ErrNilAddress
	}
	if _, ok := a.hooked[target]; ok {
		return 0, errors.Wrapf(ErrAlreadyHooked, "0x%x", target)
	}
	patch := redirect(uint64(target), uint64(handler))
	n := (len(patch) + insnSize - 1) / insnSize
	var tramp []byte
	if tramp, err = rewriteFrom(a.source, uint64(target), n); err != nil {
		return
	}
	if original, err = a.Write(tramp); err != nil {
		return 0, err
	}
	if err = a.patcher(target, patch); err != nil {
		return 0, errors.Wrapf(err, "patch 0x%x", target)
	}
	a.hooked[target] = original
	level.Debug(a.logger).Log("msg", "hooked", "target", target, "handler", handler, "insns", n, "trampoline", original)
	if !wantOriginal {
		return 0, nil
	}
	return original, nil
}

// Hooked reports whether target was patched by this arena.
func (a *Arena) Hooked(target uintptr) bool {
	_, ok := a.hooked[target]
	return ok
}

// HookSymbol hooks an exported symbol of a loaded image.
func (a *Arena) HookSymbol(img *leaf.Image, name string, handler uintptr, wantOriginal bool) (uintptr, error) {
	target, err := img.SymbolAddress(name)
	if err != nil {
		return 0, err
	}
	return a.Hook(target, handler, wantOriginal)
}

// Hook redirects target to handler and returns the trampoline of the original code.
func Hook(arena *Arena, target, handler uintptr) (uintptr, error) {
	return arena.Hook(target, handler, true)
}
