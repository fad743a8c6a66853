package modes

import (
	"fmt"
	"sort"

	"github.com/conveyorhq/conveyor/internal/queue"
)

// Registry holds every known mode. Modes are registered in a fixed order at
// startup and validated before anything else runs.
type Registry struct {
	ordered []*Mode
	byName  map[string]*Mode
}

// NewRegistry validates and indexes the given modes. The first mode is the
// default when no mode is configured.
func NewRegistry(modes ...*Mode) (*Registry, error) {
	if len(modes) == 0 {
		return nil, fmt.Errorf("no modes registered")
	}
	r := &Registry{byName: make(map[string]*Mode, len(modes))}
	for _, m := range modes {
		if _, dup := r.byName[m.Name]; dup {
			return nil, fmt.Errorf("duplicate mode %q", m.Name)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		r.ordered = append(r.ordered, m)
		r.byName[m.Name] = m
	}
	return r, nil
}

// Default returns the first registered mode.
func (r *Registry) Default() *Mode {
	return r.ordered[0]
}

// Get returns the mode with the given name.
func (r *Registry) Get(name string) (*Mode, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Modes returns every registered mode in registration order.
func (r *Registry) Modes() []*Mode {
	return r.ordered
}

// Ordering derives the store's status metadata: the union of active statuses
// across every registered mode with their drain priorities, plus the initial
// status of the selected mode. When two modes declare the same phase name the
// smaller priority wins, so the result does not depend on registration order.
func (r *Registry) Ordering(selected *Mode) queue.StatusOrdering {
	priority := make(map[string]int)
	for _, m := range r.ordered {
		for i := range m.Phases {
			p := &m.Phases[i]
			if existing, ok := priority[p.Name]; !ok || p.Priority < existing {
				priority[p.Name] = p.Priority
			}
		}
	}

	active := make([]string, 0, len(priority))
	for name := range priority {
		active = append(active, name)
	}
	sort.Slice(active, func(i, j int) bool {
		if priority[active[i]] != priority[active[j]] {
			return priority[active[i]] < priority[active[j]]
		}
		return active[i] < active[j]
	})

	return queue.StatusOrdering{
		Initial:  selected.InitialStatus,
		Active:   active,
		Priority: priority,
	}
}
