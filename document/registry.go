package document

import (
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry maps indexable names to their implementations. Queries crossing a
// queue boundary carry only the name and are resolved against a registry on the
// other side.
type Registry struct {
	mu         sync.RWMutex
	indexables map[string]Indexable
}

// NewRegistry returns a registry holding indexables.
func NewRegistry(indexables ...Indexable) *Registry {
	r := &Registry{indexables: make(map[string]Indexable)}
	for _, i := range indexables {
		r.Register(i)
	}
	return r
}

// Register adds an indexable. Registering nil or the same name twice is a
// programming error and panics.
func (r *Registry) Register(i Indexable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i == nil {
		panic("document: nil indexable")
	}
	if _, dup := r.indexables[i.Name()]; dup {
		panic(fmt.Sprintf("document: indexable %q registered twice", i.Name()))
	}
	r.indexables[i.Name()] = i
}

func (r *Registry) Get(name string) (Indexable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.indexables[name]
	return i, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.indexables)
	sort.Strings(names)
	return names
}

// All returns the registered indexables ordered by name.
func (r *Registry) All() []Indexable {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(names, func(n string, _ int) Indexable {
		return r.indexables[n]
	})
}

// Select resolves names to indexables; an empty list selects everything.
func (r *Registry) Select(names []string) ([]Indexable, error) {
	if len(names) == 0 {
		return r.All(), nil
	}

	out := make([]Indexable, 0, len(names))
	for _, n := range names {
		i, ok := r.Get(n)
		if !ok {
			return nil, fmt.Errorf("document: %w: %q", ErrUnknownIndexable, n)
		}
		out = append(out, i)
	}
	return out, nil
}
