// Package pool keeps a stack of loaded images sharing one symbol scope, so later images may bind
// against the exports of earlier ones.
package pool

import (
	"errors"
	"os"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/leaf"
	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"github.com/pkujhd/goloader"
)

type Pool struct {
	Symbols leaf.Symbols
	Images  map[string]*leaf.Image
	Loaded  []*leaf.Image
	opts    []leaf.Option
	sync.RWMutex
}

var (
	ErrAlreadyLoad = errors.New("image already loaded")
	ErrNotLoad     = errors.New("image not loaded")
	ErrCorrupted   = errors.New("recording corrupted")
)

// NewPool create a pool whose scope is seeded with the host symbols. The options are passed to
// every [leaf.Load].
func NewPool(opts ...leaf.Option) (p *Pool, err error) {
	var s leaf.Symbols
	if s, err = leaf.HostSymbols(); err != nil {
		return
	}
	return newPool(s, opts), nil
}

func newPool(s leaf.Symbols, opts []leaf.Option) *Pool {
	p := &Pool{
		Symbols: s,
		Images:  make(map[string]*leaf.Image),
	}
	p.opts = append(slices.Clone(opts), leaf.WithSymbols(s))
	return p
}

func (p *Pool) RegisterSo(path string) error {
	p.Lock()
	defer p.Unlock()
	return goloader.RegSymbolWithSo(p.Symbols, path)
}

func (p *Pool) RegisterExecute(path string) error {
	p.Lock()
	defer p.Unlock()
	return goloader.RegSymbolWithPath(p.Symbols, path)
}

// LoadFile load a shared object from disk under name
func (p *Pool) LoadFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return p.Load(name, data)
}

// Load a shared object from its bytes under name
func (p *Pool) Load(name string, data []byte) error {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.Images[name]; ok {
		return pkgerrors.Wrap(ErrAlreadyLoad, name)
	}
	return p.load(name, data)
}

func (p *Pool) load(name string, data []byte) error {
	img, err := leaf.Load(data, p.opts...)
	if err != nil {
		return pkgerrors.Wrapf(err, "load %s", name)
	}
	p.Images[name] = img
	p.Loaded = append(p.Loaded, img)
	p.register(img)
	return nil
}

func (p *Pool) register(img *leaf.Image) {
	for s, u := range img.Exports() {
		if _, ok := p.Symbols[s]; !ok {
			p.Symbols[s] = u
		}
	}
}

func (p *Pool) unregister(img *leaf.Image) {
	for s, u := range img.Exports() {
		if x, ok := p.Symbols[s]; ok && x == u {
			delete(p.Symbols, s)
		}
	}
}

// ReloadFile replaces the image name, see [Pool.Reload]
func (p *Pool) ReloadFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return p.Reload(name, data)
}

// Reload releases name with every image loaded after it, then loads data under name.
func (p *Pool) Reload(name string, data []byte) error {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.Images[name]; ok {
		if err := p.unload(name); err != nil {
			return err
		}
	}
	return p.load(name, data)
}

// Unload releases the image name with every image loaded after it, newest first, since later
// images may be bound to it.
func (p *Pool) Unload(name string) error {
	p.Lock()
	defer p.Unlock()
	return p.unload(name)
}

func (p *Pool) unload(name string) error {
	m, ok := p.Images[name]
	if !ok {
		return pkgerrors.Wrap(ErrNotLoad, name)
	}
	i := slices.Index(p.Loaded, m)
	if i < 0 {
		return ErrCorrupted
	}
	return p.releaseFrom(i)
}

func (p *Pool) releaseFrom(i int) (err error) {
	for j := len(p.Loaded) - 1; j >= i; j-- {
		img := p.Loaded[j]
		delete(p.Images, fn.MapKeyOf(p.Images, img))
		p.unregister(img)
		if e := img.Release(); e != nil {
			err = multierror.Append(err, e)
		}
	}
	p.Loaded = p.Loaded[:i]
	return
}

// Lookup a symbol among the loaded images, newest first.
func (p *Pool) Lookup(symbol string) (uintptr, error) {
	p.RLock()
	defer p.RUnlock()
	for i := len(p.Loaded) - 1; i >= 0; i-- {
		if u, err := p.Loaded[i].SymbolAddress(symbol); err == nil {
			return u, nil
		}
	}
	return 0, pkgerrors.Wrap(leaf.ErrSymbolNotFound, symbol)
}

// Require fetch symbol from the image name, panics when either is missing.
func (p *Pool) Require(name, symbol string) uintptr {
	p.RLock()
	defer p.RUnlock()
	if m, ok := p.Images[name]; ok {
		return fn.Panic1(m.SymbolAddress(symbol))
	}
	panic(pkgerrors.Wrap(ErrNotLoad, name))
}

// Close releases every image, newest first.
func (p *Pool) Close() error {
	p.Lock()
	defer p.Unlock()
	return p.releaseFrom(0)
}
