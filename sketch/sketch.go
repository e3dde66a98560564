// Package sketch implements the pluggable distinct-count sketch family:
// an exact Set backend, a KMV (bottom-k) backend, an HLL++ backend, and
// an optional Theta backend that fails closed when unavailable.
package sketch

import "fmt"

// Sketch is the capability set every backend implements. Union and
// ANotB across mismatched backends must fail with ErrMismatch rather
// than silently coercing.
type Sketch interface {
	Add(key []byte)
	Union(other Sketch) error
	ANotB(other Sketch) (Sketch, error)
	Estimate() float64
	Copy() Sketch
	Compact()
	Serialize() []byte
}

type sketchError string

func (e sketchError) Error() string { return string(e) }

const (
	// ErrMismatch is returned when Union/ANotB is attempted across two
	// different sketch backends.
	ErrMismatch = sketchError("sketch: operation requires matching backend types")
	// ErrUnavailable is returned by backends whose optional dependency
	// could not be constructed (the Theta backend, always).
	ErrUnavailable = sketchError("sketch: backend unavailable")
	// ErrUnsupported is returned by operations a backend deliberately
	// does not implement (HLL++'s ANotB).
	ErrUnsupported = sketchError("sketch: operation not supported by this backend")
	// ErrUnknownImpl is returned by Registry.Create for an unregistered name.
	ErrUnknownImpl = sketchError("sketch: unknown implementation")
)

// Config carries the tunables every backend constructor needs. Not
// every field applies to every backend (e.g. the Bloom fields are
// KMV-only); unused
// fields are ignored by backends that don't need them.
type Config struct {
	K              int     // KMV bottom-k size / HLL register count source
	Precision      int     // HLL++ precision, 4..16 (derived from K if zero)
	UseBloomForANB bool    // KMV: use a Bloom filter for the a_not_b oracle
	BloomFPRate    float64 // KMV: Bloom filter false-positive rate
}

// Builder constructs a fresh, empty sketch for a given backend.
type Builder func(cfg Config) Sketch

// Registry maps a backend name to its Builder, mirroring the pipeline's
// closed set of selectable sketch implementations.
type Registry struct {
	builders    map[string]Builder
	defaultImpl string
	config      Config
}

// NewRegistry creates a registry with no backends registered.
func NewRegistry(cfg Config, defaultImpl string) *Registry {
	return &Registry{builders: make(map[string]Builder), defaultImpl: defaultImpl, config: cfg}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.builders[name] = builder
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.builders[name]
	return ok
}

// Create builds a fresh sketch for name, or the registry's default
// implementation when name is empty.
func (r *Registry) Create(name string) (Sketch, error) {
	impl := name
	if impl == "" {
		impl = r.defaultImpl
	}
	builder, ok := r.builders[impl]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownImpl, impl)
	}
	return builder(r.config), nil
}

// DefaultImpl returns the registry's configured default backend name.
func (r *Registry) DefaultImpl() string { return r.defaultImpl }
