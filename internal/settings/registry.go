package settings

import (
	"fmt"
	"sync"
)

// Attachment is an opaque handle a caller (pool, catalog, etc.) registers
// under an attachment name; the registry only moves pointers around, it
// does not know what they point to.
type Attachment struct {
	Name     string
	Settings Settings
	Extra    any // holds *pool.Manager / *catalog.Provider once those exist; kept untyped to avoid an import cycle
}

// Registry is process-wide state created at extension load and torn down at
// detach, per spec.md §9's re-architecture note for "global mutable
// registries." Modeled on router.Router's write-mutex-protected map, minus
// the lock-free atomic.Value snapshot (attach/detach is rare and not
// hot-path the way tenant resolution is in the teacher).
type Registry struct {
	mu          sync.RWMutex
	attachments map[string]*Attachment
}

func NewRegistry() *Registry {
	return &Registry{attachments: make(map[string]*Attachment)}
}

// Attach registers a new attachment. Returns an error if the name is already
// in use (the host engine is expected to detach before re-attaching).
func (r *Registry) Attach(name string, s Settings) (*Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.attachments[name]; exists {
		return nil, fmt.Errorf("attachment %q already exists", name)
	}
	a := &Attachment{Name: name, Settings: s}
	r.attachments[name] = a
	return a, nil
}

// Get looks up an attachment by name.
func (r *Registry) Get(name string) (*Attachment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attachments[name]
	return a, ok
}

// Detach removes an attachment. The caller is responsible for tearing down
// whatever Extra points to (closing pools, etc.) before or after calling
// this — the registry only forgets the name.
func (r *Registry) Detach(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attachments[name]; !ok {
		return false
	}
	delete(r.attachments, name)
	return true
}

// Names returns all currently attached names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.attachments))
	for n := range r.attachments {
		out = append(out, n)
	}
	return out
}
