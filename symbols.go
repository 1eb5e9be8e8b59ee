package leaf

import (
	"debug/elf"
	"maps"
	"sort"

	"github.com/ZenLiuCN/fn"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/pkujhd/goloader"
)

var (
	// ErrSymbolNotFound occurs when an image does not export the requested name.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrUnresolvedSymbol occurs when a relocation references a symbol no scope provides.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
)

// Symbols is a name to address scope.
//
// If two images share the same Symbols instance through [WithSymbols], the later one may
// resolve its relocations against the exports of the earlier one.
type Symbols map[string]uintptr

// Names of all symbols, sorted.
func (s Symbols) Names() []string {
	k := fn.MapKeys(s)
	sort.Strings(k)
	return k
}

// Clone the scope.
func (s Symbols) Clone() Symbols {
	return maps.Clone(s)
}

// HostSymbols collects the symbols of the running executable.
func HostSymbols() (Symbols, error) {
	s := make(Symbols)
	if err := goloader.RegSymbol(s); err != nil {
		return nil, err
	}
	return s, nil
}

type (
	rawSymbol struct {
		Name  uint32
		Info  byte
		Shndx elf.SectionIndex
		Value uint64
		Size  uint64
	}
	symbol struct {
		name  string
		value uint64
		size  uint64
		bind  elf.SymBind
		typ   elf.SymType
		shndx elf.SectionIndex
	}
)

func (s *symbol) defined() bool {
	return s.shndx != elf.SHN_UNDEF
}

// address of a defined symbol inside the mapping.
func (s *symbol) address(base uintptr) uintptr {
	if s.shndx == elf.SHN_ABS {
		return uintptr(s.value)
	}
	return base + uintptr(s.value)
}

// buildSymbols walks the symbol table and exports every defined, named symbol.
func (s *Image) buildSymbols() error {
	d := s.dyn
	symtab, syment := d.get(elf.DT_SYMTAB), d.get(elf.DT_SYMENT)
	strtab, strsz := d.get(elf.DT_STRTAB), d.get(elf.DT_STRSZ)
	if syment < symSize {
		return errors.Wrapf(ErrOutOfBounds, "symbol entry size %d smaller than %d", syment, symSize)
	}
	// the whole table must lie in the mapping before the count sizes anything
	if d.symbols > uint64(len(s.mem))/syment {
		return errors.Wrapf(ErrOutOfBounds, "%d symbols of %d bytes", d.symbols, syment)
	}
	if _, err := s.mem.slice(symtab, (d.symbols-1)*syment+symSize); err != nil {
		return errors.Wrapf(err, "symbol table of %d entries", d.symbols)
	}
	level.Debug(s.cfg.logger).Log("msg", "building symbol table", "symbols", d.symbols)
	s.table = make([]symbol, 0, d.symbols)
	s.exports = make(Symbols, d.symbols)
	base := s.mem.base()
	for i := uint64(0); i < d.symbols; i++ {
		b, err := s.mem.slice(symtab+i*syment, symSize)
		if err != nil {
			return errors.Wrapf(err, "symbol %d", i)
		}
		raw := decodeSym(b)
		sym := symbol{
			value: raw.Value,
			size:  raw.Size,
			bind:  elf.ST_BIND(raw.Info),
			typ:   elf.ST_TYPE(raw.Info),
			shndx: raw.Shndx,
		}
		if raw.Name != 0 {
			if uint64(raw.Name) >= strsz {
				return errors.Wrapf(ErrOutOfBounds, "symbol %d name offset 0x%x", i, raw.Name)
			}
			if sym.name, err = s.mem.cstring(strtab+uint64(raw.Name), strsz-uint64(raw.Name)); err != nil {
				return errors.Wrapf(err, "symbol %d name", i)
			}
		}
		s.table = append(s.table, sym)
		if sym.name != "" && sym.defined() && sym.typ != elf.STT_TLS {
			s.exports[sym.name] = sym.address(base)
		}
	}
	return nil
}

// SymbolAddress of an exported symbol.
func (s *Image) SymbolAddress(name string) (uintptr, error) {
	if s.released {
		return 0, ErrReleased
	}
	if p, ok := s.exports[name]; ok {
		return p, nil
	}
	return 0, errors.Wrap(ErrSymbolNotFound, name)
}

// Symbols exported by the image, sorted.
func (s *Image) Symbols() []string {
	return s.exports.Names()
}

// Exports returns a copy of the exported scope.
func (s *Image) Exports() Symbols {
	return s.exports.Clone()
}
