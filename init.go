package leaf

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// readArray reads a DT_INIT_ARRAY style table of absolute function pointers. Entries of 0 and
// -1 are placeholders and skipped.
func (s *Image) readArray(off, size uint64) (fns []uintptr, err error) {
	for i := uint64(0); i+wordSize <= size; i += wordSize {
		var p uint64
		if p, err = s.mem.word(off + i); err != nil {
			return nil, err
		}
		if p == 0 || p == ^uint64(0) || (wordSize == 4 && p == 0xffffffff) {
			continue
		}
		fns = append(fns, uintptr(p))
	}
	return
}

// initialize calls the init array in order and records the fini array for Release.
func (s *Image) initialize() (err error) {
	d := s.dyn
	var ctors []uintptr
	if ctors, err = s.readArray(d.get(elf.DT_INIT_ARRAY), d.get(elf.DT_INIT_ARRAYSZ)); err != nil {
		return errors.Wrap(err, "init array")
	}
	if s.fini, err = s.readArray(d.get(elf.DT_FINI_ARRAY), d.get(elf.DT_FINI_ARRAYSZ)); err != nil {
		return errors.Wrap(err, "fini array")
	}
	if s.cfg.noInit {
		return nil
	}
	for _, f := range ctors {
		level.Debug(s.cfg.logger).Log("msg", "calling initializer", "fn", hexAddr(f))
		s.cfg.invoke(f)
	}
	return nil
}
