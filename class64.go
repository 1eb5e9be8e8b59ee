//go:build !leaf32

package leaf

import (
	"debug/elf"
	"encoding/binary"
	"unsafe"

	"github.com/ZenLiuCN/leaf/cursor"
)

const (
	currentClass = elf.ELFCLASS64
	wordSize     = 8
)

var (
	headerSize = uint64(unsafe.Sizeof(elf.Header64{}))
	progSize   = uint64(unsafe.Sizeof(elf.Prog64{}))
	dynSize    = uint64(unsafe.Sizeof(elf.Dyn64{}))
	relaSize   = uint64(unsafe.Sizeof(elf.Rela64{}))
	symSize    = uint64(unsafe.Sizeof(elf.Sym64{}))
)

func readHeader(r *cursor.Reader) (h header, err error) {
	var raw elf.Header64
	if err = r.ReadStruct(binary.LittleEndian, &raw); err != nil {
		return
	}
	h = header{
		Ident:     raw.Ident,
		Type:      elf.Type(raw.Type),
		Machine:   elf.Machine(raw.Machine),
		Phoff:     raw.Phoff,
		Phentsize: uint64(raw.Phentsize),
		Phnum:     uint64(raw.Phnum),
	}
	return
}

func decodeProg(b []byte) ProgramHeader {
	return ProgramHeader{
		Type:   elf.ProgType(binary.LittleEndian.Uint32(b[0:])),
		Flags:  elf.ProgFlag(binary.LittleEndian.Uint32(b[4:])),
		Off:    binary.LittleEndian.Uint64(b[8:]),
		Vaddr:  binary.LittleEndian.Uint64(b[16:]),
		Filesz: binary.LittleEndian.Uint64(b[32:]),
		Memsz:  binary.LittleEndian.Uint64(b[40:]),
	}
}

func decodeDyn(b []byte) (elf.DynTag, uint64) {
	return elf.DynTag(int64(binary.LittleEndian.Uint64(b))), binary.LittleEndian.Uint64(b[8:])
}

func decodeRela(b []byte) rela {
	info := binary.LittleEndian.Uint64(b[8:])
	return rela{
		Off:    binary.LittleEndian.Uint64(b),
		Sym:    elf.R_SYM64(info),
		Type:   elf.R_TYPE64(info),
		Addend: int64(binary.LittleEndian.Uint64(b[16:])),
	}
}

func decodeSym(b []byte) rawSymbol {
	return rawSymbol{
		Name:  binary.LittleEndian.Uint32(b),
		Info:  b[4],
		Shndx: elf.SectionIndex(binary.LittleEndian.Uint16(b[6:])),
		Value: binary.LittleEndian.Uint64(b[8:]),
		Size:  binary.LittleEndian.Uint64(b[16:]),
	}
}

func readWord(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putWord(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}
