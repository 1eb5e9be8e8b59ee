package leaf

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// ErrUnsupportedRelocation occurs for relocation kinds or machines outside relocKinds.
var ErrUnsupportedRelocation = errors.New("unsupported relocation")

type relocKind uint8

const (
	relocNone     relocKind = iota
	relocAbsolute           // S + A, word sized
	relocAbs32              // S + A, truncated to 32 bits
	relocSymbol             // S + A for GOT and PLT slots
	relocRelative           // B + A
	relocIndirect           // resolver(B + A)
)

type rela struct {
	Off    uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

var relocKinds = map[elf.Machine]map[uint32]relocKind{
	elf.EM_AARCH64: {
		uint32(elf.R_AARCH64_NONE):      relocNone,
		uint32(elf.R_AARCH64_ABS64):     relocAbsolute,
		uint32(elf.R_AARCH64_ABS32):     relocAbs32,
		uint32(elf.R_AARCH64_GLOB_DAT):  relocSymbol,
		uint32(elf.R_AARCH64_JUMP_SLOT): relocSymbol,
		uint32(elf.R_AARCH64_RELATIVE):  relocRelative,
		uint32(elf.R_AARCH64_IRELATIVE): relocIndirect,
	},
	elf.EM_X86_64: {
		uint32(elf.R_X86_64_NONE):      relocNone,
		uint32(elf.R_X86_64_64):        relocAbsolute,
		uint32(elf.R_X86_64_32):        relocAbs32,
		uint32(elf.R_X86_64_GLOB_DAT):  relocSymbol,
		uint32(elf.R_X86_64_JMP_SLOT):  relocSymbol,
		uint32(elf.R_X86_64_RELATIVE):  relocRelative,
		uint32(elf.R_X86_64_IRELATIVE): relocIndirect,
	},
	elf.EM_386: {
		uint32(elf.R_386_NONE):      relocNone,
		uint32(elf.R_386_32):        relocAbsolute,
		uint32(elf.R_386_GLOB_DAT):  relocSymbol,
		uint32(elf.R_386_JMP_SLOT):  relocSymbol,
		uint32(elf.R_386_RELATIVE):  relocRelative,
		uint32(elf.R_386_IRELATIVE): relocIndirect,
	},
	elf.EM_ARM: {
		uint32(elf.R_ARM_NONE):      relocNone,
		uint32(elf.R_ARM_ABS32):     relocAbsolute,
		uint32(elf.R_ARM_GLOB_DAT):  relocSymbol,
		uint32(elf.R_ARM_JUMP_SLOT): relocSymbol,
		uint32(elf.R_ARM_RELATIVE):  relocRelative,
		uint32(elf.R_ARM_IRELATIVE): relocIndirect,
	},
}

// relocate applies DT_RELA then the eager DT_JMPREL table.
func (s *Image) relocate() (err error) {
	d := s.dyn
	ent := d.get(elf.DT_RELAENT)
	if ent < relaSize {
		return errors.Wrapf(ErrUnsupportedRelocation, "relocation entry size %d", ent)
	}
	count := d.get(elf.DT_RELASZ) / ent
	level.Debug(s.cfg.logger).Log("msg", "applying relocations", "count", count)
	if err = s.applyTable(d.get(elf.DT_RELA), count, ent); err != nil {
		return
	}
	if !d.has(elf.DT_JMPREL) || d.get(elf.DT_PLTRELSZ) == 0 {
		return nil
	}
	if d.has(elf.DT_PLTREL) && elf.DynTag(d.get(elf.DT_PLTREL)) != elf.DT_RELA {
		return errors.Wrap(ErrUnsupportedRelocation, "PLT relocations without addend")
	}
	count = d.get(elf.DT_PLTRELSZ) / ent
	level.Debug(s.cfg.logger).Log("msg", "applying PLT relocations", "count", count)
	return s.applyTable(d.get(elf.DT_JMPREL), count, ent)
}

func (s *Image) applyTable(off, count, ent uint64) error {
	kinds := relocKinds[s.header.Machine]
	for i := uint64(0); i < count; i++ {
		b, err := s.mem.slice(off+i*ent, relaSize)
		if err != nil {
			return errors.Wrapf(err, "relocation %d", i)
		}
		r := decodeRela(b)
		kind, ok := kinds[r.Type]
		if !ok {
			return errors.Wrapf(ErrUnsupportedRelocation, "type %d for %s at 0x%x", r.Type, s.header.Machine, r.Off)
		}
		if err = s.apply(kind, r); err != nil {
			return errors.Wrapf(err, "relocation %d", i)
		}
	}
	return nil
}

func (s *Image) apply(kind relocKind, r rela) (err error) {
	var value uint64
	switch kind {
	case relocNone:
		return nil
	case relocRelative:
		value = uint64(s.mem.base()) + uint64(r.Addend)
	case relocIndirect:
		value = uint64(s.cfg.invoke(s.mem.base() + uintptr(r.Addend)))
	default:
		var sym uintptr
		if sym, err = s.resolve(r.Sym); err != nil {
			return
		}
		value = uint64(sym) + uint64(r.Addend)
	}
	width := uint64(wordSize)
	if kind == relocAbs32 {
		width = 4
	}
	var dst []byte
	if dst, err = s.mem.slice(r.Off, width); err != nil {
		return
	}
	if width == 4 {
		dst[0], dst[1], dst[2], dst[3] = byte(value), byte(value>>8), byte(value>>16), byte(value>>24)
	} else {
		putWord(dst, value)
	}
	return nil
}

// resolve looks a symbol up in the image itself, then the dependencies, then the process
// global scope and finally the caller supplied scope.
func (s *Image) resolve(index uint32) (uintptr, error) {
	if index == 0 {
		return 0, nil
	}
	if uint64(index) >= uint64(len(s.table)) {
		return 0, errors.Wrapf(ErrOutOfBounds, "symbol index %d of %d", index, len(s.table))
	}
	sym := &s.table[index]
	if sym.defined() {
		return sym.address(s.mem.base()), nil
	}
	for _, h := range s.handles {
		if p, err := s.cfg.linker.Lookup(h, sym.name); err == nil && p != 0 {
			return p, nil
		}
	}
	if p, err := s.cfg.linker.LookupGlobal(sym.name); err == nil && p != 0 {
		return p, nil
	}
	if p, ok := s.cfg.symbols[sym.name]; ok {
		return p, nil
	}
	if sym.bind == elf.STB_WEAK {
		level.Debug(s.cfg.logger).Log("msg", "weak symbol left unresolved", "symbol", sym.name)
		return 0, nil
	}
	return 0, errors.Wrap(ErrUnresolvedSymbol, sym.name)
}
