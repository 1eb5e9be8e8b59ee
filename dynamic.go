package leaf

import (
	"debug/elf"

	"github.com/ZenLiuCN/leaf/cursor"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// ErrMissingField is wrapped by every error about a required but absent dynamic entry.
var ErrMissingField = errors.New("missing dynamic field")

var (
	ErrMissingStrtab      = missing("string table address")
	ErrMissingStrsz       = missing("string table size")
	ErrMissingSymtab      = missing("symbol table address")
	ErrMissingSyment      = missing("symbol entry size")
	ErrMissingRela        = missing("relocation table address")
	ErrMissingRelasz      = missing("relocation table size")
	ErrMissingRelaent     = missing("relocation entry size")
	ErrMissingInitArray   = missing("init array address")
	ErrMissingInitArraySz = missing("init array size")
	ErrMissingFiniArray   = missing("fini array address")
	ErrMissingFiniArraySz = missing("fini array size")
	ErrMissingSymbolCount = missing("number of symbols")
)

type missingField struct{ what string }

func missing(what string) error {
	return &missingField{what}
}

func (m *missingField) Error() string {
	return "could not find " + m.what
}

func (m *missingField) Is(target error) bool {
	return target == ErrMissingField
}

// required dynamic entries, checked in this order after the scan
var required = []struct {
	tag elf.DynTag
	err error
}{
	{elf.DT_STRTAB, ErrMissingStrtab},
	{elf.DT_RELA, ErrMissingRela},
	{elf.DT_SYMTAB, ErrMissingSymtab},
	{elf.DT_INIT_ARRAY, ErrMissingInitArray},
	{elf.DT_FINI_ARRAY, ErrMissingFiniArray},
	{elf.DT_STRSZ, ErrMissingStrsz},
	{elf.DT_SYMENT, ErrMissingSyment},
	{elf.DT_RELASZ, ErrMissingRelasz},
	{elf.DT_RELAENT, ErrMissingRelaent},
	{elf.DT_INIT_ARRAYSZ, ErrMissingInitArraySz},
	{elf.DT_FINI_ARRAYSZ, ErrMissingFiniArraySz},
}

type refState uint8

const (
	refUnresolved refState = iota
	refResolved
)

// neededRef is a DT_NEEDED entry. It starts as a string table offset and only becomes a
// name once the string table is known, see resolve.
type neededRef struct {
	state  refState
	offset uint64
	name   string
	addr   uintptr
}

func (n neededRef) resolve(mem region, strtab, strsz uint64) (neededRef, error) {
	if n.state != refUnresolved {
		return n, nil
	}
	if n.offset >= strsz {
		return n, errors.Wrapf(ErrOutOfBounds, "needed name offset 0x%x beyond string table", n.offset)
	}
	name, err := mem.cstring(strtab+n.offset, strsz-n.offset)
	if err != nil {
		return n, err
	}
	addr, err := mem.addr(strtab + n.offset)
	if err != nil {
		return n, err
	}
	return neededRef{state: refResolved, offset: n.offset, name: name, addr: addr}, nil
}

type dynamic struct {
	values  map[elf.DynTag]uint64
	needed  []neededRef
	soname  string
	symbols uint64
}

func (d *dynamic) has(tag elf.DynTag) bool {
	_, ok := d.values[tag]
	return ok
}

func (d *dynamic) get(tag elf.DynTag) uint64 {
	return d.values[tag]
}

// readDynamic walks the dynamic segment through the file cursor, seeking back to its offset.
func readDynamic(r *cursor.Reader, off, size uint64, logger log.Logger) (d *dynamic, err error) {
	if err = r.Seek(int(off)); err != nil {
		return nil, errors.Wrapf(ErrTruncated, "dynamic segment offset 0x%x", off)
	}
	d = &dynamic{values: make(map[elf.DynTag]uint64)}
	for n := uint64(0); n+dynSize <= size; n += dynSize {
		var b []byte
		if b, err = r.Read(int(dynSize)); err != nil {
			return nil, errors.Wrapf(ErrTruncated, "dynamic entry %d", n/dynSize)
		}
		tag, val := decodeDyn(b)
		switch tag {
		case elf.DT_NULL:
			return
		case elf.DT_NEEDED:
			d.needed = append(d.needed, neededRef{offset: val})
		case elf.DT_HASH, elf.DT_GNU_HASH,
			elf.DT_STRTAB, elf.DT_STRSZ, elf.DT_SYMTAB, elf.DT_SYMENT,
			elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT,
			elf.DT_JMPREL, elf.DT_PLTRELSZ, elf.DT_PLTREL,
			elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ, elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ,
			elf.DT_SONAME:
			d.values[tag] = val
		case elf.DT_SYMBOLIC, elf.DT_BIND_NOW, elf.DT_FLAGS, elf.DT_FLAGS_1:
			level.Debug(logger).Log("msg", "dynamic flag", "tag", tag, "value", hexAddr(val))
		default:
			level.Debug(logger).Log("msg", "unknown dynamic entry", "tag", hexAddr(uint64(tag)), "value", hexAddr(val))
		}
	}
	return
}

// check reports the first required entry which is absent.
func (d *dynamic) check() error {
	for _, f := range required {
		if !d.has(f.tag) {
			return f.err
		}
	}
	return nil
}

// countSymbols reads nchain from DT_HASH, falling back to walking DT_GNU_HASH.
func (d *dynamic) countSymbols(mem region) (err error) {
	if d.has(elf.DT_HASH) {
		var b []byte
		if b, err = mem.slice(d.get(elf.DT_HASH), 8); err != nil {
			return errors.Wrap(err, "hash table header")
		}
		d.symbols = uint64(le32(b[4:]))
	} else if d.has(elf.DT_GNU_HASH) {
		if d.symbols, err = gnuHashCount(mem, d.get(elf.DT_GNU_HASH)); err != nil {
			return errors.Wrap(err, "gnu hash table")
		}
	}
	if d.symbols == 0 {
		return ErrMissingSymbolCount
	}
	return nil
}

// gnuHashCount finds the highest symbol index referenced by any bucket and follows its chain
// to the terminating entry, which has the low bit set.
func gnuHashCount(mem region, off uint64) (uint64, error) {
	hdr, err := mem.slice(off, 16)
	if err != nil {
		return 0, err
	}
	nbuckets := uint64(le32(hdr))
	symoffset := uint64(le32(hdr[4:]))
	bloomSize := uint64(le32(hdr[8:]))
	buckets := off + 16 + bloomSize*wordSize
	chains := buckets + nbuckets*4
	var last uint64
	for i := uint64(0); i < nbuckets; i++ {
		b, err := mem.slice(buckets+i*4, 4)
		if err != nil {
			return 0, err
		}
		if v := uint64(le32(b)); v > last {
			last = v
		}
	}
	if last < symoffset {
		return symoffset, nil
	}
	for {
		b, err := mem.slice(chains+(last-symoffset)*4, 4)
		if err != nil {
			return 0, err
		}
		if le32(b)&1 != 0 {
			return last + 1, nil
		}
		last++
	}
}

// openNeeded validates the dynamic segment, resolves needed names against the string table
// in a second pass and asks the Linker for each of them. A library that fails to load is
// only logged, a missing symbol will surface during relocation.
func (s *Image) openNeeded() (err error) {
	d := s.dyn
	if err = d.check(); err != nil {
		return
	}
	if err = d.countSymbols(s.mem); err != nil {
		return
	}
	strtab, strsz := d.get(elf.DT_STRTAB), d.get(elf.DT_STRSZ)
	if d.has(elf.DT_SONAME) {
		if d.soname, err = s.mem.cstring(strtab+d.get(elf.DT_SONAME), strsz); err != nil {
			return errors.Wrap(err, "soname")
		}
	}
	for i := range d.needed {
		if d.needed[i], err = d.needed[i].resolve(s.mem, strtab, strsz); err != nil {
			return errors.Wrapf(err, "needed entry %d", i)
		}
	}
	logger := s.cfg.logger
	for _, n := range d.needed {
		level.Debug(logger).Log("msg", "dependency", "soname", n.name)
		h, e := s.cfg.linker.Open(n.name)
		if e != nil {
			level.Warn(logger).Log("msg", "loading dependency failed, continuing", "soname", n.name, "err", e)
			continue
		}
		s.handles = append(s.handles, h)
	}
	level.Debug(logger).Log("msg", "dynamic segment resolved", "symbols", d.symbols, "needed", len(d.needed), "loaded", len(s.handles))
	return nil
}
