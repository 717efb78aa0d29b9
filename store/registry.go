package store

import "sync"

//============================================= Reference Registry


// Container is the shared surface every paged persistent container exposes
// so the codec can resolve a tagged reference value to a live handle and so
// Flush/name-based lookup stay uniform across OrderedSequence and
// KeyValueMap (spec §4.1 "reference registry", Design Notes).
type Container interface {
	// Name returns the container's canonical name, as persisted in a
	// reference's payload.
	Name() []byte

	// Flush orchestrates a sync or backgrounded flush of pending buffers.
	Flush(threaded bool) error
}

// Registry is the process-wide (per-Environment, see Design Notes) map from
// container name to already-open handle. Construction of a container from a
// name alone is idempotent under Registry's lock: a double-checked lookup
// means two goroutines racing to open the same name converge on one handle.
//
// The source's registry is ambient/global; here it is owned by an
// Environment and injected into codec decode calls instead, so two
// Environments never share container identity by accident.
type Registry struct {
	mu   sync.RWMutex
	byName map[string]Container
	env  *Environment
}

func newRegistry() *Registry {
	return &Registry{byName: make(map[string]Container)}
}

// Register records an already-constructed container under its name,
// overwriting any prior entry for that name.
func (r *Registry) Register(c Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[string(c.Name())] = c
}

// Lookup returns the handle registered under name, if any, without trying
// to reconstruct it.
func (r *Registry) Lookup(name []byte) (Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[string(name)]
	return c, ok
}

// Resolve returns the handle for name, opening it from its sidecar metadata
// (spec §3.3) if it is not already registered. The double-checked lookup
// under the write lock makes concurrent Resolve calls for the same new name
// converge on a single reconstructed handle.
func (r *Registry) Resolve(name []byte) (Container, error) {
	if c, ok := r.Lookup(name); ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.byName[string(name)]; ok {
		return c, nil
	}

	c, err := r.env.openFromSidecar(name)
	if err != nil {
		return nil, err
	}

	r.byName[string(name)] = c
	return c, nil
}
