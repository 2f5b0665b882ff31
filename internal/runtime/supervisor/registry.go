package supervisor

import (
	"maps"
	"slices"
	"sync"
)

// Registry names the supervisors that come and go at runtime, such as the
// command router while its dispatch loop runs.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry { return &Registry{m: map[string]*Supervisor{}} }

// Set registers sup under name, replacing any previous one. A nil sup removes
// the entry.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// All returns a copy safe to range over without the lock.
func (r *Registry) All() map[string]*Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.m)
}

// Unhealthy lists, sorted, the registered supervisors whose snapshot is not
// healthy.
func (r *Registry) Unhealthy() []string {
	var out []string
	for name, sup := range r.All() {
		if !sup.Snapshot().Healthy() {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
