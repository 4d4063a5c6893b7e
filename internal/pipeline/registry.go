package pipeline

import (
	"sort"
	"sync"

	"github.com/drblury/msgpipe/internal/pipeline/envelope"
)

// Registry maps (message type, version) pairs to descriptors and tracks the
// set of deliberately ignored types. It is an explicit object rather than a
// process-global table so two drivers in one process can disagree about
// which types they consume.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]map[envelope.Version]Descriptor
	ignored     map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]map[envelope.Version]Descriptor),
		ignored:     make(map[string]struct{}),
	}
}

// Register adds a descriptor, overwriting any previous registration for the
// same (type, version) pair. Version matching is exact, so adjacent versions
// of one type are registered separately.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.descriptors[d.Type]
	if !ok {
		versions = make(map[envelope.Version]Descriptor)
		r.descriptors[d.Type] = versions
	}
	versions[d.Version] = d
	return nil
}

// MustRegister is Register for startup wiring, panicking on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Ignore marks a message type as deliberately skipped. Ignored messages are
// committed and dropped without being treated as errors.
func (r *Registry) Ignore(messageType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignored[messageType] = struct{}{}
}

// Ignored reports whether a message type is deliberately skipped.
func (r *Registry) Ignored(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ignored[messageType]
	return ok
}

// HasType reports whether any version of the given type is registered.
func (r *Registry) HasType(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descriptors[messageType]
	return ok
}

// Resolve returns the descriptor registered for the exact (type, version)
// pair.
func (r *Registry) Resolve(messageType string, version envelope.Version) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[messageType][version]
	return d, ok
}

// Types lists the registered message types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.descriptors))
	for t := range r.descriptors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
