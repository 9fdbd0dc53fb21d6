// Package extract keeps the payload extractors available to the resolver,
// keyed by the payload format a site declares.
package extract

import (
	"fmt"
	"sync"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// Registry keeps a mapping from payload formats to their extractor implementations.
type Registry struct {
	mu         sync.RWMutex
	extractors map[domain.PayloadFormat]ports.Extractor
}

// NewRegistry builds a registry preloaded with the given extractors.
func NewRegistry(extractors ...ports.Extractor) *Registry {
	r := &Registry{extractors: map[domain.PayloadFormat]ports.Extractor{}}
	for _, e := range extractors {
		r.Register(e)
	}
	return r
}

// Register adds or replaces an extractor implementation.
func (r *Registry) Register(extractor ports.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.extractors == nil {
		r.extractors = map[domain.PayloadFormat]ports.Extractor{}
	}
	r.extractors[extractor.Format()] = extractor
}

// Resolve returns an extractor by format or an error if it is absent.
func (r *Registry) Resolve(format domain.PayloadFormat) (ports.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if extractor, ok := r.extractors[format]; ok {
		return extractor, nil
	}
	return nil, fmt.Errorf("extractor %s is not registered", format)
}

// Has reports whether a format is supported.
func (r *Registry) Has(format domain.PayloadFormat) bool {
	_, err := r.Resolve(format)
	return err == nil
}
