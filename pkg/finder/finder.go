// Package finder memoizes corpus queries.
//
// A Finder resolves at most once. Concurrent first callers serialize on the
// finder's slot; the winner's result is published atomically and every later
// read is lock-free. Results never change once published, failures included.
package finder

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNoMatch means a required-unique query matched nothing.
	ErrNoMatch = errors.New("no match")
	// ErrAmbiguous means a required-unique query matched more than once.
	ErrAmbiguous = errors.New("ambiguous match")
	// ErrCycle means a late finder depends on itself.
	ErrCycle = errors.New("dependency cycle")
)

// ResolutionError is a failed resolution. Kind is one of the sentinels above
// or nil when a dependency or resolver failed for another reason.
type ResolutionError struct {
	Finder     string
	Kind       error
	Candidates []string
	Err        error
}

func (e *ResolutionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "finder %s", e.Finder)
	if e.Kind != nil {
		fmt.Fprintf(&sb, ": %s", e.Kind)
	}
	if len(e.Candidates) > 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(e.Candidates, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *ResolutionError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// State is the resolution state of a finder.
type State int

const (
	Unresolved State = iota
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return "unresolved"
}

type result[T any] struct {
	value T
	err   error
}

// Finder is a lazily resolved, memoized value.
type Finder[T any] struct {
	name    string
	resolve func() (T, error)

	mu    sync.Mutex
	slot  atomic.Pointer[result[T]]
	calls atomic.Int64
}

// New returns an unresolved finder. resolve runs at most once.
func New[T any](name string, resolve func() (T, error)) *Finder[T] {
	return &Finder[T]{name: name, resolve: resolve}
}

// Resolve returns a finder that is already resolved to v.
func Resolve[T any](name string, v T) *Finder[T] {
	f := &Finder[T]{name: name}
	f.slot.Store(&result[T]{value: v})
	return f
}

func (f *Finder[T]) Name() string {
	return f.name
}

func (f *Finder[T]) String() string {
	return f.name + " (" + f.State().String() + ")"
}

// Get resolves the finder on first use and returns the cached result after.
func (f *Finder[T]) Get() (T, error) {
	if r := f.slot.Load(); r != nil {
		return r.value, r.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.slot.Load(); r != nil {
		return r.value, r.err
	}
	f.calls.Add(1)
	r := &result[T]{}
	r.value, r.err = f.resolve()
	if r.err != nil {
		var zero T
		r.value = zero
		var re *ResolutionError
		if !errors.As(r.err, &re) {
			r.err = &ResolutionError{Finder: f.name, Err: r.err}
		}
	}
	f.slot.Store(r)
	return r.value, r.err
}

// MustGet is Get for callers that validated the finder at startup. It
// panics on failure.
func (f *Finder[T]) MustGet() T {
	v, err := f.Get()
	if err != nil {
		panic(err)
	}
	return v
}

// Err resolves the finder and returns only its error.
func (f *Finder[T]) Err() error {
	_, err := f.Get()
	return err
}

// Value resolves the finder and returns its value as any, or nil if it
// failed.
func (f *Finder[T]) Value() any {
	v, err := f.Get()
	if err != nil {
		return nil
	}
	return v
}

// State reports the resolution state without resolving.
func (f *Finder[T]) State() State {
	r := f.slot.Load()
	switch {
	case r == nil:
		return Unresolved
	case r.err != nil:
		return Failed
	}
	return Resolved
}

// Resolutions counts how many times the resolver ran: zero or one.
func (f *Finder[T]) Resolutions() int64 {
	return f.calls.Load()
}

// Unique returns the only candidate or a ResolutionError naming the finder.
func Unique[T any](name string, candidates []T) (T, error) {
	var zero T
	switch len(candidates) {
	case 0:
		return zero, &ResolutionError{Finder: name, Kind: ErrNoMatch}
	case 1:
		return candidates[0], nil
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = fmt.Sprint(c)
	}
	return zero, &ResolutionError{Finder: name, Kind: ErrAmbiguous, Candidates: names}
}

// WithFallbacks returns a finder trying each alternative in order. The first
// alternative that resolves wins; when all fail their errors are joined.
func WithFallbacks[T any](name string, alternatives ...func() (T, error)) *Finder[T] {
	return New(name, func() (T, error) {
		var errs []error
		for i, alt := range alternatives {
			v, err := alt()
			if err == nil {
				return v, nil
			}
			errs = append(errs, fmt.Errorf("alternative %d: %w", i, err))
		}
		var zero T
		if len(errs) == 0 {
			return zero, &ResolutionError{Finder: name, Kind: ErrNoMatch}
		}
		return zero, &ResolutionError{Finder: name, Kind: kindOf(errs), Err: errors.Join(errs...)}
	})
}

// kindOf reports ErrAmbiguous only when every alternative was ambiguous.
func kindOf(errs []error) error {
	for _, err := range errs {
		if !errors.Is(err, ErrAmbiguous) {
			return ErrNoMatch
		}
	}
	return ErrAmbiguous
}

// Map derives a finder from another one. The derived finder resolves f on
// first use.
func Map[T, U any](name string, f *Finder[T], fn func(T) (U, error)) *Finder[U] {
	return New(name, func() (U, error) {
		v, err := f.Get()
		if err != nil {
			var zero U
			return zero, &ResolutionError{Finder: name, Err: err}
		}
		return fn(v)
	})
}
