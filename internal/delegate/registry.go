package delegate

import "sync"

// Registry owns the single process-wide transport handle. Concurrent Set
// calls resolve last-writer-wins; the handle persists until an explicit
// Clear, never expiring on its own.
type Registry struct {
	mu   sync.Mutex
	port *Port
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Get returns the current transport handle, or nil when none is set.
func (r *Registry) Get() *Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port != nil && r.port.Closed() {
		// A dead handle is as good as none; negotiation will replace it.
		r.port = nil
	}
	return r.port
}

// Set installs a transport handle, replacing any previous one.
func (r *Registry) Set(p *Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.port = p
}

// Clear resets the registry to the no-transport state.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.port = nil
}
