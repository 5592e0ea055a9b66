package services

import (
	"sync"
)

// Registry tracks every Service constructed in the process. It is built
// once at startup and passed to every Service for self-registration;
// there is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	services []*Service
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(s *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, s)
}

// Get returns a registered service by name.
func (r *Registry) Get(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.services {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// All returns all registered services in registration order.
func (r *Registry) All() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, len(r.services))
	copy(out, r.services)
	return out
}

// Active returns every service that is not stopped, with its consumer
// list. The orchestrator logs this at shutdown to diagnose services held
// open by a consumer that never released them.
func (r *Registry) Active() []ActiveService {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []ActiveService
	for _, s := range r.services {
		if state := s.State(); state != StateStopped {
			active = append(active, ActiveService{
				Name:      s.Name(),
				State:     state,
				Consumers: s.Consumers(),
			})
		}
	}
	return active
}
