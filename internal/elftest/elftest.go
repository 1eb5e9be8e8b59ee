// Package elftest builds minimal little endian ELF64 shared objects for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"slices"
	"unsafe"
)

// layout of built images, file offsets equal virtual addresses
const (
	OffDyn    = 0x100
	OffStr    = 0x300
	OffSym    = 0x400
	OffHash   = 0x600
	OffRela   = 0x700
	OffPlt    = 0x900
	OffInit   = 0xa00
	OffFini   = 0xa80
	OffData   = 0xb00
	FileSize  = 0xc00
	ImageSize = 0x2000
)

var (
	headerSize = uint64(unsafe.Sizeof(elf.Header64{}))
	progSize   = uint64(unsafe.Sizeof(elf.Prog64{}))
	relaSize   = uint64(unsafe.Sizeof(elf.Rela64{}))
	symSize    = uint64(unsafe.Sizeof(elf.Sym64{}))
)

// Image describes a shared object with one RWX PT_LOAD of ImageSize bytes.
type Image struct {
	Machine   elf.Machine
	Type      elf.Type
	Needed    []string
	Soname    string
	Syms      []elf.Sym64 // without the null symbol
	Relas     []elf.Rela64
	Plt       []elf.Rela64
	Init      []uint64 // image relative, 0 and ^0 are stored raw
	Fini      []uint64
	GNU       bool // DT_GNU_HASH instead of DT_HASH
	NoDynamic bool
	Omit      []elf.DynTag
	Data      map[uint64]uint64 // words stored at image offsets
	str       []byte
}

func New() *Image {
	return &Image{
		Machine: elf.EM_AARCH64,
		Type:    elf.ET_DYN,
		Data:    make(map[uint64]uint64),
		str:     []byte{0},
	}
}

func (m *Image) name(s string) uint32 {
	off := len(m.str)
	m.str = append(append(m.str, s...), 0)
	return uint32(off)
}

// Symbol appends a symbol and returns its index.
func (m *Image) Symbol(name string, bind elf.SymBind, typ elf.SymType, shndx elf.SectionIndex, value uint64) uint32 {
	m.Syms = append(m.Syms, elf.Sym64{
		Name:  m.name(name),
		Info:  elf.ST_INFO(bind, typ),
		Shndx: uint16(shndx),
		Value: value,
	})
	return uint32(len(m.Syms))
}

// Export a global function at the image offset value.
func (m *Image) Export(name string, value uint64) uint32 {
	return m.Symbol(name, elf.STB_GLOBAL, elf.STT_FUNC, 1, value)
}

func (m *Image) Undefined(name string, bind elf.SymBind) uint32 {
	return m.Symbol(name, bind, elf.STT_NOTYPE, elf.SHN_UNDEF, 0)
}

func Rela(off uint64, sym uint32, typ elf.R_AARCH64, addend int64) elf.Rela64 {
	return elf.Rela64{Off: off, Info: elf.R_INFO(sym, uint32(typ)), Addend: addend}
}

func (m *Image) Reloc(off uint64, sym uint32, typ elf.R_AARCH64, addend int64) {
	m.Relas = append(m.Relas, Rela(off, sym, typ, addend))
}

// Bytes renders the file. Call it once per Image.
func (m *Image) Bytes() []byte {
	f := make([]byte, FileSize)
	put := func(off uint64, v any) {
		var b bytes.Buffer
		if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
			panic(err)
		}
		copy(f[off:], b.Bytes())
	}
	relas := slices.Clone(m.Relas)
	array := func(at uint64, fns []uint64) {
		for i, p := range fns {
			slot := at + uint64(i)*8
			if p == 0 || p == ^uint64(0) {
				m.Data[slot] = p
				continue
			}
			relas = append(relas, Rela(slot, 0, elf.R_AARCH64_RELATIVE, int64(p)))
		}
	}
	array(OffInit, m.Init)
	array(OffFini, m.Fini)

	var dyn []elf.Dyn64
	add := func(tag elf.DynTag, v uint64) {
		if !slices.Contains(m.Omit, tag) {
			dyn = append(dyn, elf.Dyn64{Tag: int64(tag), Val: v})
		}
	}
	for _, n := range m.Needed {
		add(elf.DT_NEEDED, uint64(m.name(n)))
	}
	if m.Soname != "" {
		add(elf.DT_SONAME, uint64(m.name(m.Soname)))
	}
	add(elf.DT_FLAGS_1, 1)
	add(elf.DT_DEBUG, 0)
	nsym := uint32(len(m.Syms) + 1)
	if m.GNU && nsym > 1 {
		add(elf.DT_GNU_HASH, OffHash)
		chains := make([]uint32, nsym-1)
		chains[len(chains)-1] = 1
		put(OffHash, []uint32{1, 1, 1, 6})
		put(OffHash+16, uint64(0))
		put(OffHash+24, uint32(1))
		put(OffHash+28, chains)
	} else {
		add(elf.DT_HASH, OffHash)
		put(OffHash, []uint32{1, nsym, 0})
	}
	add(elf.DT_STRTAB, OffStr)
	add(elf.DT_STRSZ, uint64(len(m.str)))
	add(elf.DT_SYMTAB, OffSym)
	add(elf.DT_SYMENT, symSize)
	add(elf.DT_RELA, OffRela)
	add(elf.DT_RELASZ, uint64(len(relas))*relaSize)
	add(elf.DT_RELAENT, relaSize)
	if len(m.Plt) > 0 {
		add(elf.DT_JMPREL, OffPlt)
		add(elf.DT_PLTRELSZ, uint64(len(m.Plt))*relaSize)
		add(elf.DT_PLTREL, uint64(elf.DT_RELA))
	}
	add(elf.DT_INIT_ARRAY, OffInit)
	add(elf.DT_INIT_ARRAYSZ, uint64(len(m.Init))*8)
	add(elf.DT_FINI_ARRAY, OffFini)
	add(elf.DT_FINI_ARRAYSZ, uint64(len(m.Fini))*8)
	dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_NULL)})
	if len(dyn)*16 > OffStr-OffDyn || len(m.str) > OffSym-OffStr || len(relas)*24 > OffPlt-OffRela {
		panic(fmt.Sprintf("image overflow: %d dyn, %d str, %d rela", len(dyn), len(m.str), len(relas)))
	}

	put(OffDyn, dyn)
	put(OffStr, m.str)
	put(OffSym, append([]elf.Sym64{{}}, m.Syms...))
	put(OffRela, relas)
	put(OffPlt, m.Plt)
	for off, v := range m.Data {
		put(off, v)
	}

	progs := []elf.Prog64{{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Filesz: FileSize,
		Memsz:  ImageSize,
		Align:  0x1000,
	}}
	if !m.NoDynamic {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_DYNAMIC),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Off:    OffDyn,
			Vaddr:  OffDyn,
			Filesz: uint64(len(dyn)) * 16,
			Memsz:  uint64(len(dyn)) * 16,
			Align:  8,
		})
	}
	h := elf.Header64{
		Type:      uint16(m.Type),
		Machine:   uint16(m.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     headerSize,
		Ehsize:    uint16(headerSize),
		Phentsize: uint16(progSize),
		Phnum:     uint16(len(progs)),
	}
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	put(0, h)
	put(headerSize, progs)
	return f
}

// Mapper hands out zeroed Go memory and counts calls.
type Mapper struct {
	Maps, Unmaps int
	Fail         error
}

func (f *Mapper) Map(size int) ([]byte, error) {
	if f.Fail != nil {
		return nil, f.Fail
	}
	f.Maps++
	return make([]byte, size), nil
}

func (f *Mapper) Unmap([]byte) error {
	f.Unmaps++
	return nil
}
