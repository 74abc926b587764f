package swarm

import (
	"fmt"

	"github.com/google/uuid"
)

// Registry holds the swarms of one rank. The driver owns it and passes it
// to whatever needs to enumerate swarms, such as checkpointing.
type Registry struct {
	byID  map[uuid.UUID]*Swarm
	order []uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*Swarm)}
}

// Register adds s; swarm names are unique within a registry
func (r *Registry) Register(s *Swarm) error {
	if _, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("swarm %s (%s) already registered", s.Name, s.ID)
	}
	if _, ok := r.Lookup(s.Name); ok {
		return fmt.Errorf("a swarm named %s is already registered", s.Name)
	}
	r.byID[s.ID] = s
	r.order = append(r.order, s.ID)
	return nil
}

// Deregister removes the swarm with id and reports whether it was present
func (r *Registry) Deregister(id uuid.UUID) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Lookup(name string) (*Swarm, bool) {
	for _, id := range r.order {
		if s := r.byID[id]; s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) Get(id uuid.UUID) (*Swarm, bool) {
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) Len() int { return len(r.order) }

// Each calls fn on every swarm in registration order, stopping at the
// first error
func (r *Registry) Each(fn func(*Swarm) error) error {
	for _, id := range append([]uuid.UUID(nil), r.order...) {
		if err := fn(r.byID[id]); err != nil {
			return err
		}
	}
	return nil
}
