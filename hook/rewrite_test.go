package hook

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/require"
)

const (
	origin     uint64 = 0x400000
	trampoline uint64 = 0x70000000
)

func words(b []byte) (w []uint32) {
	for i := 0; i+4 <= len(b); i += 4 {
		w = append(w, binary.LittleEndian.Uint32(b[i:]))
	}
	return
}

// block builds a code segment at origin holding insns followed by literal data at 0x40.
func block(insns []uint32, data map[uint64][]byte) sparse {
	seg := make([]byte, 0x80)
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(seg[i*4:], insn)
	}
	for off, d := range data {
		copy(seg[off:], d)
	}
	return sparse{origin: seg}
}

func TestRewriteEquivalence(t *testing.T) {
	q := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	insns := []uint32{
		adr(0, 0x100),
		adrp(1, 2),
		lit(ldrX, 2, 0x40-8),
		lit(ldrW, 3, 0x48-12),
		lit(ldrSW, 4, 0x4c-16),
		lit(ldrQ, 5, 0x50-20),
		lit(prfm, 0, 0x40-24),
		lit(ldrS, 6, 0x60-28),
		lit(ldrD, 7, 0x68-32),
		movz(8, 7),
		addImm(9, 0, 1),
		adr(10, -0x20),
		adrp(11, -1),
	}
	mem := block(insns, map[uint64][]byte{
		0x40: binary.LittleEndian.AppendUint64(nil, 0x1122334455667788),
		0x48: binary.LittleEndian.AppendUint32(nil, 0xcafebabe),
		0x4c: binary.LittleEndian.AppendUint32(nil, 0xfffffff0),
		0x50: q,
		0x60: binary.LittleEndian.AppendUint32(nil, 0x3f800000),
		0x68: binary.LittleEndian.AppendUint64(nil, 0x4000000000000000),
	})
	stop := origin + uint64(len(insns)*4)

	want := &machine{mem: mem}
	require.NoError(t, want.run(origin, stop))
	require.Equal(t, origin+0x100, want.x[0])
	require.Equal(t, origin+0x2000, want.x[1])
	require.Equal(t, uint64(0xfffffffffffffff0), want.x[4])

	code := fn.Panic1(Rewrite(origin, insns, mem))
	require.Equal(t, opNOP, words(code)[6], "PRFM becomes NOP")
	moved := sparse{trampoline: code}
	for k, v := range mem {
		moved[k] = v
	}
	got := &machine{mem: moved}
	require.NoError(t, got.run(trampoline, stop))
	require.Equal(t, stop, got.x[17])
	got.x[17] = 0
	require.Equal(t, want.x, got.x)
	require.Equal(t, want.v, got.v)
}

func TestRewriteLayout(t *testing.T) {
	code := fn.Panic1(Rewrite(0x1000, []uint32{movz(0, 1)}, sparse{}))
	require.Equal(t, []uint32{movz(0, 1), 0x58000051, 0xd61f0220, 0x1004, 0}, words(code))
}

func TestRewriteSnapshot(t *testing.T) {
	insns := []uint32{lit(ldrX, 1, 0x40)}
	mem := block(insns, map[uint64][]byte{0x40: binary.LittleEndian.AppendUint64(nil, 7)})
	code := fn.Panic1(Rewrite(origin, insns, mem))
	require.NoError(t, mem.write(origin+0x40, binary.LittleEndian.AppendUint64(nil, 8)))
	m := &machine{mem: sparse{origin: mem[origin], trampoline: code}}
	require.NoError(t, m.run(trampoline, origin+4))
	require.Equal(t, uint64(7), m.x[1], "literal values are captured at rewrite time")
}

func TestRewriteRejectsBranches(t *testing.T) {
	for name, insn := range map[string]uint32{
		"B":       0x14000001,
		"BL":      0x94000001,
		"B.EQ":    0x54000040,
		"CBZ":     0xb4000040,
		"CBNZ":    0x35000040,
		"TBZ":     0x36000040,
		"TBNZ":    0x37000040,
		"LDR lit": badLit,
	} {
		_, err := Rewrite(origin, []uint32{movz(0, 1), insn}, sparse{})
		require.ErrorIs(t, err, ErrUnsupportedInstruction, name)
	}
}

func TestRewriteCopiesOthers(t *testing.T) {
	insns := []uint32{opNOP, movz(3, 9), addImm(1, 2, 3), ret, 0xd61f0200}
	code := fn.Panic1(Rewrite(origin, insns, sparse{}))
	require.Equal(t, insns, words(code)[:len(insns)])
}

func TestRewriteUnreadableLiteral(t *testing.T) {
	_, err := Rewrite(origin, []uint32{lit(ldrX, 0, 0x40)}, sparse{})
	require.Error(t, err)
}

func TestRewriteCapacity(t *testing.T) {
	mem := block(nil, nil)
	many := func(n int, insn func(i int) uint32) []uint32 {
		s := make([]uint32, n)
		for i := range s {
			s[i] = insn(i)
		}
		return s
	}
	plain := func(int) uint32 { return opNOP }
	q := func(i int) uint32 { return lit(ldrQ, 0, 0x40-int64(i*4)) }

	fn.Panic1(Rewrite(origin, many(60, plain), mem))
	_, err := Rewrite(origin, many(61, plain), mem)
	require.ErrorIs(t, err, ErrTrampolineTooLarge)

	fn.Panic1(Rewrite(origin, many(12, q), mem))
	_, err = Rewrite(origin, many(13, q), mem)
	require.ErrorIs(t, err, ErrTrampolineTooLarge)
}

var liveBlock = []uint32{movz(0, 1), lit(ldrX, 1, 8), 0, 0x11223344, 0x55667788, 0}

func TestRewriteAt(t *testing.T) {
	addr := uintptr(unsafe.Pointer(&liveBlock[0]))
	code := fn.Panic1(RewriteAt(addr, 2))
	w := words(code)
	require.Equal(t, movz(0, 1), w[0])
	require.Equal(t, lit(ldrX, 1, 12), w[1])
	require.Equal(t, uint64(0x5566778811223344), binary.LittleEndian.Uint64(code[16:]))
	require.Equal(t, uint64(addr)+8, binary.LittleEndian.Uint64(code[24:]))
}

func TestRedirect(t *testing.T) {
	near := redirect(0x10000, 0x11000)
	require.Equal(t, []uint32{0x14000400}, words(near))
	back := redirect(0x2000, 0x1000)
	require.Equal(t, []uint32{0x17fffc00}, words(back))
	edge := redirect(uint64(branchB), 0)
	require.Len(t, edge, 4)

	far := redirect(0x1000, 0x1000+uint64(branchB))
	require.Len(t, far, 16)
	require.Equal(t, []uint32{0x58000051, 0xd61f0220}, words(far)[:2])
	require.Equal(t, uint64(0x1000+branchB), binary.LittleEndian.Uint64(far[8:]))
}
