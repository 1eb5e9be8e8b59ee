package hook

// AArch64 encodings used by the rewriter and the installer.
const (
	insnSize = 4
	scratch  = 17 // X17, IP1

	opNOP     uint32 = 0xd503201f
	opBR      uint32 = 0xd61f0000
	opB       uint32 = 0x14000000
	opLDRLitX uint32 = 0x58000000

	maskADR  uint32 = 0x9f000000
	valADR   uint32 = 0x10000000
	valADRP  uint32 = 0x90000000
	maskLit  uint32 = 0x3b000000
	valLit   uint32 = 0x18000000
	maskImm  uint32 = 0x7ffff << 5
	maskB    uint32 = 0x7c000000 // B, BL
	maskBc   uint32 = 0xff000000 // B.cond, BC.cond
	valBc    uint32 = 0x54000000
	maskCB   uint32 = 0x7e000000 // CBZ, CBNZ, TBZ, TBNZ
	valCB    uint32 = 0x34000000
	valTB    uint32 = 0x36000000
	branchB  int64  = 1 << 27 // ±128MiB
)

type litKind int

const (
	litW litKind = iota
	litX
	litSW
	litPRFM
	litS
	litD
	litQ
	litInvalid
)

var litWidth = [...]int{litW: 4, litX: 8, litSW: 4, litPRFM: 0, litS: 4, litD: 8, litQ: 16}

func signExtend(v uint32, bits uint) int64 {
	s := 64 - bits
	return int64(uint64(v)<<s) >> s
}

func isADR(insn uint32) bool  { return insn&maskADR == valADR }
func isADRP(insn uint32) bool { return insn&maskADR == valADRP }
func isLit(insn uint32) bool  { return insn&maskLit == valLit }

func isBranch(insn uint32) bool {
	return insn&maskB == opB ||
		insn&maskBc == valBc ||
		insn&maskCB == valCB ||
		insn&maskCB == valTB
}

// adrTarget computes the value ADR or ADRP at pc writes into its register.
func adrTarget(pc uint64, insn uint32) uint64 {
	imm := (insn>>5)&0x7ffff<<2 | (insn>>29)&3
	off := signExtend(imm, 21)
	if isADRP(insn) {
		return pc&^0xfff + uint64(off<<12)
	}
	return pc + uint64(off)
}

func literalKind(insn uint32) litKind {
	opc := insn >> 30
	if insn>>26&1 == 0 {
		return litKind(opc)
	}
	if opc == 3 {
		return litInvalid
	}
	return litS + litKind(opc)
}

func literalAddr(pc uint64, insn uint32) uint64 {
	return pc + uint64(signExtend((insn>>5)&0x7ffff, 19)<<2)
}

// withImm19 replaces the literal displacement of insn, disp is in bytes.
func withImm19(insn uint32, disp int64) uint32 {
	return insn&^maskImm | uint32(disp>>2)&0x7ffff<<5
}

func ldrLitX(rt uint32, disp int64) uint32 {
	return withImm19(opLDRLitX|rt, disp)
}

func br(rn uint32) uint32 {
	return opBR | rn<<5
}

func branch(from, to uint64) (uint32, bool) {
	d := int64(to - from)
	if d < -branchB || d >= branchB || d&3 != 0 {
		return 0, false
	}
	return opB | uint32(d>>2)&0x3ffffff, true
}
