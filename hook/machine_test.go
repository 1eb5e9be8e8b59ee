package hook

import (
	"encoding/binary"
	"fmt"
)

// sparse is a fake address space of segments keyed by base address.
type sparse map[uint64][]byte

func (s sparse) find(addr uint64, n int) ([]byte, bool) {
	for base, b := range s {
		if addr >= base && addr+uint64(n) <= base+uint64(len(b)) {
			return b[addr-base : addr-base+uint64(n)], true
		}
	}
	return nil, false
}

func (s sparse) Read(addr uint64, n int) ([]byte, error) {
	b, ok := s.find(addr, n)
	if !ok {
		return nil, fmt.Errorf("unmapped [0x%x,+%d)", addr, n)
	}
	return append([]byte(nil), b...), nil
}

func (s sparse) write(addr uint64, p []byte) error {
	b, ok := s.find(addr, len(p))
	if !ok {
		return fmt.Errorf("unmapped [0x%x,+%d)", addr, len(p))
	}
	copy(b, p)
	return nil
}

func (s sparse) code(addr uint64, insns ...uint32) {
	b := make([]byte, 0, len(insns)*4)
	for _, i := range insns {
		b = binary.LittleEndian.AppendUint32(b, i)
	}
	s[addr] = b
}

// machine evaluates the handful of AArch64 instructions the tests use.
type machine struct {
	x   [32]uint64
	v   [32][16]byte
	pc  uint64
	mem sparse
}

const retOp uint32 = 0xd65f0000

func (m *machine) set(r uint32, val uint64) {
	if r != 31 {
		m.x[r] = val
	}
}

func (m *machine) step() error {
	raw, err := m.mem.Read(m.pc, 4)
	if err != nil {
		return err
	}
	insn := binary.LittleEndian.Uint32(raw)
	rd := insn & 0x1f
	rn := insn >> 5 & 0x1f
	next := m.pc + 4
	switch {
	case isADR(insn) || isADRP(insn):
		m.set(rd, adrTarget(m.pc, insn))
	case isLit(insn):
		k := literalKind(insn)
		if k == litPRFM {
			break
		}
		if k == litInvalid {
			return fmt.Errorf("invalid literal 0x%08x", insn)
		}
		b, err := m.mem.Read(literalAddr(m.pc, insn), litWidth[k])
		if err != nil {
			return err
		}
		switch k {
		case litW:
			m.set(rd, uint64(binary.LittleEndian.Uint32(b)))
		case litX:
			m.set(rd, binary.LittleEndian.Uint64(b))
		case litSW:
			m.set(rd, uint64(int64(int32(binary.LittleEndian.Uint32(b)))))
		default:
			m.v[rd] = [16]byte{}
			copy(m.v[rd][:], b)
		}
	case insn == opNOP:
	case insn&0xff800000 == 0xd2800000: // MOVZ X
		m.set(rd, uint64(insn>>5&0xffff)<<(16*(insn>>21&3)))
	case insn&0xff800000 == 0x91000000: // ADD X imm
		imm := uint64(insn >> 10 & 0xfff)
		if insn>>22&1 == 1 {
			imm <<= 12
		}
		m.set(rd, m.x[rn]+imm)
	case insn&0xfffffc1f == opBR:
		next = m.x[rn]
	case insn&0xfffffc1f == retOp:
		next = m.x[rn]
	case insn&0xfc000000 == opB:
		next = m.pc + uint64(signExtend(insn&0x3ffffff, 26)<<2)
	default:
		return fmt.Errorf("unsupported 0x%08x at 0x%x", insn, m.pc)
	}
	m.pc = next
	return nil
}

// run executes from start until pc reaches stop.
func (m *machine) run(start, stop uint64) error {
	m.pc = start
	for i := 0; i < 1000; i++ {
		if m.pc == stop {
			return nil
		}
		if err := m.step(); err != nil {
			return err
		}
	}
	return fmt.Errorf("no stop at 0x%x, pc 0x%x", stop, m.pc)
}

// encoders

func adr(rd uint32, imm int64) uint32 {
	return valADR | uint32(imm&3)<<29 | uint32(imm>>2)&0x7ffff<<5 | rd
}

func adrp(rd uint32, pages int64) uint32 {
	return valADRP | uint32(pages&3)<<29 | uint32(pages>>2)&0x7ffff<<5 | rd
}

const (
	ldrW    uint32 = 0x18000000
	ldrX    uint32 = 0x58000000
	ldrSW   uint32 = 0x98000000
	prfm    uint32 = 0xd8000000
	ldrS    uint32 = 0x1c000000
	ldrD    uint32 = 0x5c000000
	ldrQ    uint32 = 0x9c000000
	ret     uint32 = 0xd65f03c0
	halt    uint64 = 0xdead0000
	badLit  uint32 = 0xdc000000
	movzTop uint32 = 0xd2800000
)

func lit(op, rt uint32, disp int64) uint32 {
	return withImm19(op|rt, disp)
}

func movz(rd, imm uint32) uint32 {
	return movzTop | imm<<5 | rd
}

func addImm(rd, rn, imm uint32) uint32 {
	return 0x91000000 | imm<<10 | rn<<5 | rd
}
