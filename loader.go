package leaf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"math"
	"os"

	"github.com/ZenLiuCN/leaf/cursor"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var magic = [4]byte{elf.ELFMAG[0], elf.ELFMAG[1], elf.ELFMAG[2], elf.ELFMAG[3]}

var (
	ErrTruncated       = errors.New("truncated image")
	ErrBadMagic        = errors.New("invalid ELF magic")
	ErrWrongClass      = errors.New("incorrect binary class for this platform")
	ErrWrongEndianness = errors.New("big endian is not supported")
	ErrWrongVersion    = errors.New("too new or invalid ELF version")
	ErrNotSharedObject = errors.New("only shared objects can be loaded")
	ErrHeaderAlloc     = errors.New("cannot allocate program header table")
	ErrMapping         = errors.New("mapping image memory failed")
	ErrMissingDynamic  = errors.New("no dynamic segment")
	ErrOutOfBounds     = errors.New("access outside image mapping")
	ErrReleased        = errors.New("image already released")
)

type (
	header struct {
		Ident     [elf.EI_NIDENT]byte
		Type      elf.Type
		Machine   elf.Machine
		Phoff     uint64
		Phentsize uint64
		Phnum     uint64
	}
	// ProgramHeader is one parsed program header entry.
	ProgramHeader struct {
		Type   elf.ProgType
		Flags  elf.ProgFlag
		Off    uint64
		Vaddr  uint64
		Filesz uint64
		Memsz  uint64
	}
	// Image is a shared object mapped into this process without the platform linker.
	//
	// Use Steps:
	//
	//	1. [Load] or [LoadFile] maps, links and initializes the image.
	//	2. [Image.SymbolAddress] resolves exported symbols, which may be hooked or called.
	//	3. [Image.Release] runs the fini array, unmaps memory and drops dependencies.
	//
	//Note: an Image is not safe for concurrent use.
	Image struct {
		cfg      *config
		header   header
		progs    []ProgramHeader
		mem      region
		dyn      *dynamic
		handles  []Handle
		exports  Symbols
		table    []symbol
		fini     []uintptr
		released bool
	}
)

func (h *header) validate() error {
	switch {
	case !bytes.Equal(h.Ident[:4], magic[:]):
		return ErrBadMagic
	case elf.Class(h.Ident[elf.EI_CLASS]) != currentClass:
		return ErrWrongClass
	case elf.Data(h.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB:
		return ErrWrongEndianness
	case elf.Version(h.Ident[elf.EI_VERSION]) != elf.EV_CURRENT:
		return ErrWrongVersion
	case h.Type != elf.ET_DYN:
		return ErrNotSharedObject
	}
	return nil
}

// LoadFile reads a whole file then calls [Load].
func LoadFile(path string, opts ...Option) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data, opts...)
}

// Load maps a shared object from its file bytes. On any failure every resource acquired so far
// is released and no Image is returned.
func Load(data []byte, opts ...Option) (img *Image, err error) {
	cfg := newConfig(opts)
	r := cursor.NewReader(data)
	img = &Image{cfg: cfg}
	if img.header, err = readHeader(r); err != nil {
		return nil, errors.Wrap(ErrTruncated, "reading ELF header")
	}
	if err = img.header.validate(); err != nil {
		return nil, err
	}
	if img.progs, err = readProgramHeaders(r, &img.header); err != nil {
		return nil, err
	}
	size := mappingSize(img.progs)
	level.Debug(cfg.logger).Log("msg", "mapping image", "highest", hexAddr(size))
	if size > math.MaxInt32 {
		return nil, errors.Wrapf(ErrMapping, "image of 0x%x bytes is too large", size)
	}
	mem, err := cfg.mapper.Map(int(size))
	if err != nil {
		return nil, errors.Wrapf(ErrMapping, "%d bytes: %v", size, err)
	}
	img.mem = mem
	defer func() {
		if err != nil {
			if e := img.teardown(false); e != nil {
				level.Warn(cfg.logger).Log("msg", "cleanup after failed load", "err", e)
			}
			img = nil
		}
	}()
	level.Debug(cfg.logger).Log("msg", "mapped image", "base", hexAddr(img.mem.base()))
	var dynOff, dynLen uint64
	found := false
	for i, p := range img.progs {
		switch p.Type {
		case elf.PT_LOAD:
			var dst []byte
			if dst, err = img.mem.slice(p.Vaddr, p.Filesz); err != nil {
				return img, errors.Wrapf(err, "segment %d", i)
			}
			if err = r.Seek(int(p.Off)); err != nil {
				return img, errors.Wrapf(ErrTruncated, "segment %d offset 0x%x", i, p.Off)
			}
			// the tail up to memsz is already zero, the mapping is fresh
			if err = r.ReadInto(dst); err != nil {
				return img, errors.Wrapf(ErrTruncated, "segment %d content", i)
			}
		case elf.PT_DYNAMIC:
			dynOff, dynLen, found = p.Off, p.Filesz, true
		}
	}
	if !found {
		return img, ErrMissingDynamic
	}
	if img.dyn, err = readDynamic(r, dynOff, dynLen, cfg.logger); err != nil {
		return img, err
	}
	if err = img.link(); err != nil {
		return img, err
	}
	return img, nil
}

func readProgramHeaders(r *cursor.Reader, h *header) (progs []ProgramHeader, err error) {
	if h.Phnum > 0 && h.Phentsize < progSize {
		return nil, errors.Wrapf(ErrHeaderAlloc, "entry size %d smaller than %d", h.Phentsize, progSize)
	}
	if err = r.Seek(int(h.Phoff)); err != nil {
		return nil, errors.Wrapf(ErrTruncated, "program header offset 0x%x", h.Phoff)
	}
	progs = make([]ProgramHeader, 0, h.Phnum)
	for i := uint64(0); i < h.Phnum; i++ {
		var b []byte
		if b, err = r.Read(int(h.Phentsize)); err != nil {
			return nil, errors.Wrapf(ErrTruncated, "program header %d", i)
		}
		progs = append(progs, decodeProg(b))
	}
	return
}

// mappingSize trusts PT_LOAD entries to be sorted by ascending vaddr, so the last one wins.
func mappingSize(progs []ProgramHeader) (highest uint64) {
	for _, p := range progs {
		if p.Type == elf.PT_LOAD {
			highest = p.Vaddr + p.Memsz
		}
	}
	return
}

// link resolves dependencies, builds the symbol table, relocates and runs initializers.
// Only after link returns nil the image may be used.
func (s *Image) link() (err error) {
	if err = s.openNeeded(); err != nil {
		return
	}
	if err = s.buildSymbols(); err != nil {
		return
	}
	if err = s.relocate(); err != nil {
		return
	}
	return s.initialize()
}

// Release runs the fini array in reverse order, unmaps the image and closes all dependency
// handles. Calling Release again is a no-op.
func (s *Image) Release() error {
	if s.released {
		return nil
	}
	return s.teardown(!s.cfg.noInit)
}

func (s *Image) teardown(fini bool) (err error) {
	s.released = true
	if fini {
		for i := len(s.fini) - 1; i >= 0; i-- {
			s.cfg.invoke(s.fini[i])
		}
	}
	s.fini = nil
	if s.mem != nil {
		if e := s.cfg.mapper.Unmap(s.mem); e != nil {
			err = multierror.Append(err, errors.Wrap(e, "unmap image"))
		}
		s.mem = nil
	}
	for _, h := range s.handles {
		if e := s.cfg.linker.Close(h); e != nil {
			err = multierror.Append(err, errors.Wrapf(e, "close dependency 0x%x", uintptr(h)))
		}
	}
	s.handles = nil
	s.exports = nil
	s.table = nil
	return
}

// Base address of the mapping.
func (s *Image) Base() uintptr {
	return s.mem.base()
}

// Size of the mapping, the highest PT_LOAD vaddr+memsz.
func (s *Image) Size() int {
	return len(s.mem)
}

func (s *Image) Machine() elf.Machine {
	return s.header.Machine
}

func (s *Image) ProgramHeaders() []ProgramHeader {
	return s.progs
}

// Needed names of DT_NEEDED entries, including the ones which failed to load.
func (s *Image) Needed() (names []string) {
	if s.dyn == nil {
		return
	}
	for _, n := range s.dyn.needed {
		if n.state == refResolved {
			names = append(names, n.name)
		}
	}
	return
}

// Soname from DT_SONAME, empty when absent.
func (s *Image) Soname() string {
	if s.dyn == nil {
		return ""
	}
	return s.dyn.soname
}

// Dependencies successfully opened through the [Linker].
func (s *Image) Dependencies() []Handle {
	return s.handles
}

func hexAddr[T ~uint64 | ~uintptr](v T) string {
	return fmt.Sprintf("0x%x", uint64(v))
}
