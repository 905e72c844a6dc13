// Package hierarchy answers class-hierarchy questions about a foreign class
// corpus. Frame computation uses it to merge reference types without loading
// anything into the calling process.
package hierarchy

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// Root is the universal supertype.
const Root = "java/lang/Object"

// DefaultCacheSize is the number of class headers kept by a Resolver.
const DefaultCacheSize = 4096

// ErrNotFound is returned by a ClassSource that does not know a class.
var ErrNotFound = errors.New("class not found")

// ClassSource supplies raw class bytes by internal name.
type ClassSource interface {
	ClassBytes(name string) ([]byte, error)
}

// Chain consults each source in order.
type Chain []ClassSource

func (c Chain) ClassBytes(name string) ([]byte, error) {
	var errs []error
	for _, src := range c {
		if src == nil {
			continue
		}
		data, err := src.ClassBytes(name)
		if err == nil {
			return data, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return nil, errors.Join(errs...)
}

// Class is the identity of a class as far as the hierarchy is concerned.
type Class struct {
	Name       string
	Super      string
	Interfaces []string
	Interface  bool
}

// Resolver walks superclass chains loaded from a ClassSource. It never
// fails: classes it cannot load make it fall back to Root.
type Resolver struct {
	src       ClassSource
	cache     *lru.Cache[string, *Class]
	loads     singleflight.Group
	fallbacks atomic.Int64
}

// NewResolver returns a resolver over src. Sizes below one use
// DefaultCacheSize.
func NewResolver(src ClassSource, size int) (*Resolver, error) {
	if size < 1 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Class](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create class cache: %w", err)
	}
	return &Resolver{src: src, cache: cache}, nil
}

// Fallbacks is the number of times a lookup fell back to Root.
func (r *Resolver) Fallbacks() int64 {
	return r.fallbacks.Load()
}

// Lookup returns the class named name, consulting the source and then the
// builtin JDK table.
func (r *Resolver) Lookup(name string) (*Class, error) {
	if c, ok := r.cache.Get(name); ok {
		return c, nil
	}
	v, err, _ := r.loads.Do(name, func() (any, error) {
		c, err := r.load(name)
		if err != nil {
			return nil, err
		}
		r.cache.Add(name, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Class), nil
}

func (r *Resolver) load(name string) (*Class, error) {
	if r.src != nil {
		data, err := r.src.ClassBytes(name)
		if err == nil {
			h, err := classfile.ParseHeader(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", name, err)
			}
			return &Class{Name: h.Name, Super: h.Super, Interfaces: h.Interfaces, Interface: h.IsInterface()}, nil
		}
		if c, ok := builtin(name); ok {
			return c, nil
		}
		return nil, err
	}
	if c, ok := builtin(name); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (r *Resolver) fallback(a, b string, err error) string {
	r.fallbacks.Add(1)
	log.WithError(err).WithFields(log.Fields{
		"a": a,
		"b": b,
	}).Warn("common superclass unresolved, using " + Root)
	return Root
}

// Superclasses returns name followed by each of its ancestors up to Root.
func (r *Resolver) Superclasses(name string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("circular superclass chain at %s", cur)
		}
		seen[cur] = true
		chain = append(chain, cur)
		if cur == Root {
			break
		}
		c, err := r.Lookup(cur)
		if err != nil {
			return chain, err
		}
		cur = c.Super
	}
	return chain, nil
}

// IsInterface reports whether name is an interface.
func (r *Resolver) IsInterface(name string) (bool, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return false, err
	}
	return c.Interface, nil
}

// CommonSuperclass returns the closest class both a and b extend. Interfaces
// and arrays merge to Root, as does anything that cannot be loaded.
func (r *Resolver) CommonSuperclass(a, b string) string {
	switch {
	case a == b:
		return a
	case a == Root || b == Root:
		return Root
	case isArray(a) || isArray(b):
		return Root
	}
	ca, err := r.Lookup(a)
	if err != nil {
		return r.fallback(a, b, err)
	}
	cb, err := r.Lookup(b)
	if err != nil {
		return r.fallback(a, b, err)
	}
	if ca.Interface || cb.Interface {
		return Root
	}
	// partial chains still answer when the shared ancestor sits below the
	// class that failed to load
	chainA, errA := r.Superclasses(a)
	ancestors := make(map[string]bool, len(chainA))
	for _, c := range chainA {
		ancestors[c] = true
	}
	chainB, errB := r.Superclasses(b)
	for _, c := range chainB {
		if ancestors[c] {
			return c
		}
	}
	if err := errors.Join(errA, errB); err != nil {
		return r.fallback(a, b, err)
	}
	return Root
}

// IsAssignableFrom reports whether a value of class child can be stored in a
// variable of type parent, walking superclasses and interfaces.
func (r *Resolver) IsAssignableFrom(parent, child string) (bool, error) {
	if parent == child || parent == Root {
		return true, nil
	}
	seen := make(map[string]bool)
	queue := []string{child}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if cur == parent {
			return true, nil
		}
		if cur == Root {
			continue
		}
		c, err := r.Lookup(cur)
		if err != nil {
			return false, err
		}
		if c.Super != "" {
			queue = append(queue, c.Super)
		}
		queue = append(queue, c.Interfaces...)
	}
	return false, nil
}

func isArray(name string) bool {
	return len(name) > 0 && name[0] == '['
}
