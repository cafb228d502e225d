// Package detect runs the registry of anomaly detection methods over
// the shared matrix representations and normalizes their outputs.
package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input is the read-only data shared by every method invocation in a run.
type Input struct {
	Matrices map[domain.MatrixKind]*domain.MatrixSet

	// Features is the original feature table in matrix ordering, used by
	// expression methods.
	Features []domain.FeatureVector
}

// Scorer computes one raw (pre-normalization) score per entity. Scorers
// are pure functions over read-only data; entities with undefined values
// are simply absent from the returned map. NaN results are treated as
// absent by the engine.
type Scorer func(ctx context.Context, m *domain.MatrixSet, in *Input) (map[domain.EntityID]float64, error)

// Method is one registered detection method. Adding a method means
// adding a registry entry; existing entries are never modified.
type Method struct {
	Name     string
	Category string

	// Kind names the matrix representation this method consumes.
	Kind domain.MatrixKind

	// Weight is the default fusion weight.
	Weight float64

	// Threshold is the per-method anomaly threshold for voting fusion.
	Threshold float64

	// MinPopulation is the smallest batch this method accepts; smaller
	// batches fail the method rather than producing degenerate scores.
	MinPopulation int

	// Normalize selects the transform applied to raw scores.
	Normalize Normalization

	Score Scorer
}

// Registry maps method name to its entry.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds a method. Registering an existing name is an error:
// entries are add-only.
func (r *Registry) Register(m *Method) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("method name is required")
	}
	if m.Score == nil {
		return fmt.Errorf("method %s: scoring function is required", m.Name)
	}
	if m.Weight <= 0 {
		m.Weight = 1.0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.Name]; exists {
		return fmt.Errorf("method %s is already registered", m.Name)
	}
	r.methods[m.Name] = m
	return nil
}

// Get returns a method by name.
func (r *Registry) Get(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Resolve maps requested names to methods; an empty request selects all
// registered methods. Unknown names are fatal.
func (r *Registry) Resolve(names []string) ([]*Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		all := make([]*Method, 0, len(r.methods))
		for _, m := range r.methods {
			all = append(all, m)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
		return all, nil
	}

	selected := make([]*Method, 0, len(names))
	for _, name := range names {
		m, ok := r.methods[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownMethod, name)
		}
		selected = append(selected, m)
	}
	return selected, nil
}

// List returns every registered method sorted by name.
func (r *Registry) List() []*Method {
	methods, _ := r.Resolve(nil)
	return methods
}

// Count returns the number of registered methods.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}

// ReloadExpressions replaces every expression-category entry with the
// given compiled set, leaving built-in methods untouched.
func (r *Registry) ReloadExpressions(methods []*Method) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, m := range r.methods {
		if m.Category == domain.CategoryExpression {
			delete(r.methods, name)
		}
	}
	for _, m := range methods {
		r.methods[m.Name] = m
	}
}
