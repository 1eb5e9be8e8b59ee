package leaf

import (
	"github.com/go-kit/log"
)

type (
	// Handle is an opaque dependency handle issued by a [Linker].
	Handle uintptr
	// Mapper provides anonymous, zero filled, readable, writable and executable memory.
	Mapper interface {
		Map(size int) ([]byte, error) //map size bytes, the result must be zero filled
		Unmap(mem []byte) error       //release memory returned by Map
	}
	// Linker is the platform dynamic loading service used to satisfy DT_NEEDED entries.
	Linker interface {
		Open(name string) (Handle, error)              //load a library with eager, process global binding
		Lookup(h Handle, name string) (uintptr, error) //resolve a symbol inside one library
		LookupGlobal(name string) (uintptr, error)     //resolve a symbol in the process global scope
		Close(h Handle) error                          //drop a library reference
	}
	// Invoker calls a native function pointer that takes no argument and returns its result.
	Invoker func(fn uintptr) uintptr
)

// Option configures [Load].
type Option func(*config)

type config struct {
	logger  log.Logger
	mapper  Mapper
	linker  Linker
	invoke  Invoker
	symbols Symbols
	noInit  bool
}

func newConfig(opts []Option) *config {
	c := &config{
		logger: log.NewNopLogger(),
		mapper: DefaultMapper(),
		linker: DefaultLinker(),
		invoke: DefaultInvoker(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithLogger sets the diagnostic logger, by default nothing is logged.
func WithLogger(l log.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMapper replaces the platform memory mapper.
func WithMapper(m Mapper) Option {
	return func(c *config) {
		c.mapper = m
	}
}

// WithLinker replaces the platform dynamic loader.
func WithLinker(l Linker) Option {
	return func(c *config) {
		c.linker = l
	}
}

// WithInvoker replaces the native call used for init and fini functions.
func WithInvoker(i Invoker) Option {
	return func(c *config) {
		c.invoke = i
	}
}

// WithSymbols adds a last resort symbol scope for relocations, such as [HostSymbols] or a pool scope.
func WithSymbols(s Symbols) Option {
	return func(c *config) {
		c.symbols = s
	}
}

// WithoutInit skips running the init and fini arrays.
func WithoutInit() Option {
	return func(c *config) {
		c.noInit = true
	}
}
