//go:build leaf32

package leaf

import (
	"debug/elf"
	"encoding/binary"
	"unsafe"

	"github.com/ZenLiuCN/leaf/cursor"
)

const (
	currentClass = elf.ELFCLASS32
	wordSize     = 4
)

var (
	headerSize = uint64(unsafe.Sizeof(elf.Header32{}))
	progSize   = uint64(unsafe.Sizeof(elf.Prog32{}))
	dynSize    = uint64(unsafe.Sizeof(elf.Dyn32{}))
	relaSize   = uint64(unsafe.Sizeof(elf.Rela32{}))
	symSize    = uint64(unsafe.Sizeof(elf.Sym32{}))
)

func readHeader(r *cursor.Reader) (h header, err error) {
	var raw elf.Header32
	if err = r.ReadStruct(binary.LittleEndian, &raw); err != nil {
		return
	}
	h = header{
		Ident:     raw.Ident,
		Type:      elf.Type(raw.Type),
		Machine:   elf.Machine(raw.Machine),
		Phoff:     uint64(raw.Phoff),
		Phentsize: uint64(raw.Phentsize),
		Phnum:     uint64(raw.Phnum),
	}
	return
}

// Elf32_Phdr orders p_flags after p_memsz.
func decodeProg(b []byte) ProgramHeader {
	return ProgramHeader{
		Type:   elf.ProgType(binary.LittleEndian.Uint32(b[0:])),
		Off:    uint64(binary.LittleEndian.Uint32(b[4:])),
		Vaddr:  uint64(binary.LittleEndian.Uint32(b[8:])),
		Filesz: uint64(binary.LittleEndian.Uint32(b[16:])),
		Memsz:  uint64(binary.LittleEndian.Uint32(b[20:])),
		Flags:  elf.ProgFlag(binary.LittleEndian.Uint32(b[24:])),
	}
}

func decodeDyn(b []byte) (elf.DynTag, uint64) {
	return elf.DynTag(int32(binary.LittleEndian.Uint32(b))), uint64(binary.LittleEndian.Uint32(b[4:]))
}

func decodeRela(b []byte) rela {
	info := binary.LittleEndian.Uint32(b[4:])
	return rela{
		Off:    uint64(binary.LittleEndian.Uint32(b)),
		Sym:    elf.R_SYM32(info),
		Type:   elf.R_TYPE32(info),
		Addend: int64(int32(binary.LittleEndian.Uint32(b[8:]))),
	}
}

// Elf32_Sym orders st_value and st_size before st_info.
func decodeSym(b []byte) rawSymbol {
	return rawSymbol{
		Name:  binary.LittleEndian.Uint32(b),
		Value: uint64(binary.LittleEndian.Uint32(b[4:])),
		Size:  uint64(binary.LittleEndian.Uint32(b[8:])),
		Info:  b[12],
		Shndx: elf.SectionIndex(binary.LittleEndian.Uint16(b[14:])),
	}
}

func readWord(b []byte) uint64 {
	return uint64(binary.LittleEndian.Uint32(b))
}

func putWord(b []byte, v uint64) {
	binary.LittleEndian.PutUint32(b, uint32(v))
}
