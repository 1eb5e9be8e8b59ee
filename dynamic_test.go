//go:build !leaf32

package leaf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/leaf/cursor"
	"github.com/ZenLiuCN/leaf/internal/elftest"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestMissingFields(t *testing.T) {
	for _, c := range []struct {
		tag elf.DynTag
		err error
	}{
		{elf.DT_STRTAB, ErrMissingStrtab},
		{elf.DT_STRSZ, ErrMissingStrsz},
		{elf.DT_SYMTAB, ErrMissingSymtab},
		{elf.DT_SYMENT, ErrMissingSyment},
		{elf.DT_RELA, ErrMissingRela},
		{elf.DT_RELASZ, ErrMissingRelasz},
		{elf.DT_RELAENT, ErrMissingRelaent},
		{elf.DT_INIT_ARRAY, ErrMissingInitArray},
		{elf.DT_INIT_ARRAYSZ, ErrMissingInitArraySz},
		{elf.DT_FINI_ARRAY, ErrMissingFiniArray},
		{elf.DT_FINI_ARRAYSZ, ErrMissingFiniArraySz},
		{elf.DT_HASH, ErrMissingSymbolCount},
	} {
		e := newEnv()
		m := elftest.New()
		m.Export("entry", elftest.OffData)
		m.Omit = []elf.DynTag{c.tag}
		img, err := e.load(m)
		require.ErrorIs(t, err, c.err, c.tag.String())
		require.ErrorIs(t, err, ErrMissingField, c.tag.String())
		require.Nil(t, img)
		require.Equal(t, 1, e.mapper.Unmaps, "%s: the mapping is released", c.tag)
	}
}

func TestMissingFieldsDistinct(t *testing.T) {
	all := []error{
		ErrMissingStrtab, ErrMissingStrsz, ErrMissingSymtab, ErrMissingSyment,
		ErrMissingRela, ErrMissingRelasz, ErrMissingRelaent,
		ErrMissingInitArray, ErrMissingInitArraySz, ErrMissingFiniArray, ErrMissingFiniArraySz,
		ErrMissingSymbolCount,
	}
	for i, a := range all {
		for j, b := range all {
			require.Equal(t, i == j, a == b)
		}
	}
}

func TestReadDynamic(t *testing.T) {
	var buf bytes.Buffer
	fn.Panic(binary.Write(&buf, binary.LittleEndian, []elf.Dyn64{
		{Tag: int64(elf.DT_NEEDED), Val: 1},
		{Tag: int64(elf.DT_NEEDED), Val: 9},
		{Tag: int64(elf.DT_STRTAB), Val: 0x300},
		{Tag: 0x6fff1234, Val: 7},
		{Tag: int64(elf.DT_NULL)},
		{Tag: int64(elf.DT_SYMTAB), Val: 0x400},
	}))
	data := append(make([]byte, 16), buf.Bytes()...)
	d := fn.Panic1(readDynamic(cursor.NewReader(data), 16, uint64(buf.Len()), log.NewNopLogger()))
	require.Equal(t, []neededRef{{offset: 1}, {offset: 9}}, d.needed)
	require.True(t, d.has(elf.DT_STRTAB))
	require.False(t, d.has(elf.DT_SYMTAB), "entries after DT_NULL are ignored")
	require.Len(t, d.values, 1)

	_, err := readDynamic(cursor.NewReader(data), uint64(len(data))+1, 16, log.NewNopLogger())
	require.ErrorIs(t, err, ErrTruncated)
}

func TestNeededRefResolve(t *testing.T) {
	mem := region(append([]byte{0}, "libm.so.6\x00libdl.so.2\x00"...))
	n := neededRef{offset: 11}
	r := fn.Panic1(n.resolve(mem, 0, uint64(len(mem))))
	require.Equal(t, refResolved, r.state)
	require.Equal(t, "libdl.so.2", r.name)
	require.Equal(t, mem.base()+11, r.addr)
	require.Equal(t, refUnresolved, n.state, "resolve returns a new reference")

	again := fn.Panic1(r.resolve(nil, 0, 0))
	require.Equal(t, r, again)

	_, err := neededRef{offset: 100}.resolve(mem, 0, uint64(len(mem)))
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestNeeded(t *testing.T) {
	e := newEnv()
	e.linker.libs["libok.so"] = Symbols{}
	m := elftest.New()
	m.Needed = []string{"libmissing.so", "libok.so"}
	img := fn.Panic1(e.load(m))
	require.Equal(t, []string{"libmissing.so", "libok.so"}, img.Needed())
	require.Equal(t, []Handle{1}, img.Dependencies(), "a dependency failing to load is skipped")
	require.NoError(t, img.Release())
	require.Equal(t, []Handle{1}, e.linker.closed)
}

func TestGnuHashCount(t *testing.T) {
	mem := make([]byte, 64)
	le := binary.LittleEndian
	// 2 buckets, symoffset 1, one bloom word
	le.PutUint32(mem[0:], 2)
	le.PutUint32(mem[4:], 1)
	le.PutUint32(mem[8:], 1)
	le.PutUint32(mem[24:], 1) // bucket 0
	le.PutUint32(mem[28:], 3) // bucket 1
	le.PutUint32(mem[32:], 0) // chain of symbol 1
	le.PutUint32(mem[36:], 1)
	le.PutUint32(mem[40:], 2)
	le.PutUint32(mem[44:], 0)
	le.PutUint32(mem[48:], 5)
	require.Equal(t, uint64(6), fn.Panic1(gnuHashCount(mem, 0)))

	empty := make([]byte, 32)
	le.PutUint32(empty[0:], 1)
	le.PutUint32(empty[4:], 4)
	require.Equal(t, uint64(4), fn.Panic1(gnuHashCount(empty, 0)), "no bucket in use")

	_, err := gnuHashCount(mem[:20], 0)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestLoadGnuHash(t *testing.T) {
	e := newEnv()
	m := elftest.New()
	m.GNU = true
	m.Export("first", elftest.OffData)
	m.Export("last", elftest.OffData+8)
	img := fn.Panic1(e.load(m))
	defer img.Release()
	require.Equal(t, img.Base()+elftest.OffData+8, fn.Panic1(img.SymbolAddress("last")))
}

func TestOutOfBoundsTables(t *testing.T) {
	e := newEnv()
	m := elftest.New()
	m.Reloc(elftest.ImageSize, 0, elf.R_AARCH64_RELATIVE, 0)
	_, err := e.load(m)
	require.ErrorIs(t, err, ErrOutOfBounds)
	require.Equal(t, 1, e.mapper.Unmaps)
}

func TestSymbolCountBeyondMapping(t *testing.T) {
	for _, gnu := range []bool{false, true} {
		e := newEnv()
		m := elftest.New()
		m.GNU = gnu
		m.Export("entry", elftest.OffData)
		b := m.Bytes()
		// nchain for DT_HASH, symoffset for DT_GNU_HASH
		binary.LittleEndian.PutUint32(b[elftest.OffHash+4:], 0xffffffff)
		_, err := e.loadBytes(b)
		require.ErrorIs(t, err, ErrOutOfBounds, "gnu=%v", gnu)
		require.Equal(t, 1, e.mapper.Unmaps)
	}
}
