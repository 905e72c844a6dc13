package finder

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dominikbraun/graph"
)

// Resolvable is the type-erased view of a finder held by a Registry.
type Resolvable interface {
	Name() string
	State() State
	Err() error
	Value() any
}

// Registry owns a set of named finders and the dependency edges late
// finders record while resolving. It is built once at startup and passed
// by reference.
type Registry struct {
	mu      sync.Mutex
	deps    graph.Graph[string, string]
	finders map[string]Resolvable
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		deps:    graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles()),
		finders: make(map[string]Resolvable),
	}
}

// Register adds f under its name. Names are unique within a registry.
func Register[T any](r *Registry, f *Finder[T]) (*Finder[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.finders[f.Name()]; dup {
		return nil, fmt.Errorf("finder %s already registered", f.Name())
	}
	if err := r.deps.AddVertex(f.Name()); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return nil, fmt.Errorf("failed to add finder %s: %w", f.Name(), err)
	}
	r.finders[f.Name()] = f
	r.order = append(r.order, f.Name())
	return f, nil
}

// Scope is handed to a late finder's thunk. Finders reached through Use
// become dependencies of the finder being resolved.
type Scope struct {
	reg  *Registry
	name string
}

// Name is the finder being resolved.
func (s *Scope) Name() string {
	return s.name
}

// Late registers a finder whose resolution depends on other finders. The
// thunk runs on first Get and must reach its dependencies through Use.
func Late[T any](r *Registry, name string, thunk func(*Scope) (T, error)) (*Finder[T], error) {
	s := &Scope{reg: r, name: name}
	return Register(r, New(name, func() (T, error) { return thunk(s) }))
}

// Use resolves dep on behalf of the scope's finder. A dependency that
// would close a cycle fails with ErrCycle before dep is touched, so a
// cycle never deadlocks on the finders' slots.
func Use[T any](s *Scope, dep *Finder[T]) (T, error) {
	var zero T
	if err := s.reg.depend(s.name, dep.Name()); err != nil {
		return zero, err
	}
	v, err := dep.Get()
	if err != nil {
		return zero, &ResolutionError{Finder: s.name, Err: err}
	}
	return v, nil
}

func (r *Registry) depend(from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range []string{from, to} {
		if err := r.deps.AddVertex(v); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return err
		}
	}
	err := r.deps.AddEdge(from, to)
	switch {
	case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
		return nil
	case errors.Is(err, graph.ErrEdgeCreatesCycle):
		return &ResolutionError{Finder: from, Kind: ErrCycle, Candidates: []string{from, to}}
	}
	return fmt.Errorf("failed to record dependency %s -> %s: %w", from, to, err)
}

// Lookup returns the finder registered under name.
func (r *Registry) Lookup(name string) (Resolvable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.finders[name]
	return f, ok
}

// Finders returns the registered finders in registration order.
func (r *Registry) Finders() []Resolvable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Resolvable, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.finders[name])
	}
	return out
}

// Dependencies returns the recorded direct dependencies of name.
func (r *Registry) Dependencies(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	adj, err := r.deps.AdjacencyMap()
	if err != nil {
		return nil
	}
	var out []string
	for to := range adj[name] {
		out = append(out, to)
	}
	slices.Sort(out)
	return out
}

// Order returns every known finder with dependencies before dependents.
// Only edges recorded so far are considered.
func (r *Registry) Order() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, err := graph.StableTopologicalSort(r.deps, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("failed to sort finders: %w", err)
	}
	slices.Reverse(order)
	return order, nil
}

// Failures resolves every registered finder and returns the failed ones.
func (r *Registry) Failures() map[string]error {
	out := make(map[string]error)
	for _, f := range r.Finders() {
		if err := f.Err(); err != nil {
			out[f.Name()] = err
		}
	}
	return out
}
