package hook

import (
	"encoding/binary"
	"unsafe"

	"github.com/ZenLiuCN/leaf/cursor"
	"github.com/pkg/errors"
)

var (
	ErrUnsupportedInstruction = errors.New("unsupported pc relative instruction")
	ErrTrampolineTooLarge     = errors.New("trampoline too large")
)

// Memory reads the bytes a literal load refers to.
type Memory interface {
	Read(addr uint64, n int) ([]byte, error)
}

// liveMemory reads the current process.
type liveMemory struct{}

func (liveMemory) Read(addr uint64, n int) ([]byte, error) {
	if addr == 0 {
		return nil, errors.New("read at nil address")
	}
	b := make([]byte, n)
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n))
	return b, nil
}

// literal is a pool entry referenced by the code word at index ref.
type literal struct {
	ref  int
	data []byte
}

// RewriteAt rewrites n instructions read from live memory at addr.
func RewriteAt(addr uintptr, n int) ([]byte, error) {
	return rewriteFrom(liveMemory{}, uint64(addr), n)
}

func rewriteFrom(mem Memory, pc uint64, n int) ([]byte, error) {
	b, err := mem.Read(pc, n*insnSize)
	if err != nil {
		return nil, errors.Wrapf(err, "read %d instructions at 0x%x", n, pc)
	}
	insns := make([]uint32, n)
	for i := range insns {
		insns[i] = binary.LittleEndian.Uint32(b[i*insnSize:])
	}
	return Rewrite(pc, insns, mem)
}

// Rewrite relocates insns, which originally lived at pc, into a position independent block that
// behaves the same and then branches to pc+4*len(insns). PC relative address computations and
// literal loads are replaced by loads from a data pool placed after the code, with values
// snapshotted from mem. PC relative branches are rejected.
func Rewrite(pc uint64, insns []uint32, mem Memory) ([]byte, error) {
	code := make([]uint32, 0, len(insns)+2)
	var pool []literal
	for i, insn := range insns {
		at := pc + uint64(i*insnSize)
		switch {
		case isADR(insn) || isADRP(insn):
			var v [8]byte
			binary.LittleEndian.PutUint64(v[:], adrTarget(at, insn))
			pool = append(pool, literal{len(code), v[:]})
			code = append(code, ldrLitX(insn&0x1f, 0))
		case isLit(insn):
			k := literalKind(insn)
			switch k {
			case litInvalid:
				return nil, errors.Wrapf(ErrUnsupportedInstruction, "0x%08x at 0x%x", insn, at)
			case litPRFM:
				code = append(code, opNOP)
				continue
			}
			v, err := mem.Read(literalAddr(at, insn), litWidth[k])
			if err != nil {
				return nil, errors.Wrapf(err, "literal of 0x%08x at 0x%x", insn, at)
			}
			pool = append(pool, literal{len(code), v})
			code = append(code, withImm19(insn, 0))
		case isBranch(insn):
			return nil, errors.Wrapf(ErrUnsupportedInstruction, "branch 0x%08x at 0x%x", insn, at)
		default:
			code = append(code, insn)
		}
	}
	var ret [8]byte
	binary.LittleEndian.PutUint64(ret[:], pc+uint64(len(insns)*insnSize))
	pool = append(pool, literal{len(code), ret[:]})
	code = append(code, ldrLitX(scratch, 0), br(scratch))

	off := len(code) * insnSize
	for _, l := range pool {
		code[l.ref] = withImm19(code[l.ref], int64(off-l.ref*insnSize))
		off += len(l.data)
	}
	w := cursor.NewWriter()
	for _, c := range code {
		if err := w.PutUint32(c); err != nil {
			return nil, errors.Wrapf(ErrTrampolineTooLarge, "%d instructions", len(insns))
		}
	}
	for _, l := range pool {
		if _, err := w.Write(l.data); err != nil {
			return nil, errors.Wrapf(ErrTrampolineTooLarge, "%d instructions", len(insns))
		}
	}
	return w.Bytes(), nil
}
