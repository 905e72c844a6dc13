package engine

import (
	"errors"
	"fmt"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/finder"
	"github.com/blacktop/jpatch/pkg/match"
	"github.com/blacktop/jpatch/pkg/rewrite"
)

type feature struct {
	name     string
	optional bool

	finders   []finder.Resolvable
	edits     []methodEdits
	constants []constantEdit

	// set by Prepare
	plans []classPlan
	err   error
}

type methodEdits struct {
	method *MethodFinder
	edits  []rewrite.Edit
}

type constantEdit struct {
	class    *ClassFinder
	from, to any
}

type classPlan struct {
	class string
	rewrite.Plan
}

// prepare resolves the feature's finders in declaration order and turns
// its edits into plans.
func (f *feature) prepare() error {
	var errs []error
	for _, r := range f.finders {
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	for _, me := range f.edits {
		mr := me.method.MustGet()
		if !mr.HasCode() {
			return fmt.Errorf("method %s has no code to transform", mr)
		}
		f.plans = append(f.plans, classPlan{
			class: mr.Owner.Name,
			Plan:  rewrite.Plan{Name: mr.Name, Descriptor: mr.Descriptor, Edits: me.edits, Source: f.name},
		})
	}
	for _, ce := range f.constants {
		rec := ce.class.MustGet()
		key, err := bytecode.ConvertConst(bytecode.ConstDescriptor(ce.from), ce.from)
		if err != nil {
			return fmt.Errorf("constant %v: %w", ce.from, err)
		}
		n := 0
		for _, mr := range rec.Methods {
			if !mr.HasCode() || !mr.UsesConstant(key) {
				continue
			}
			n++
			f.plans = append(f.plans, classPlan{
				class: rec.Name,
				Plan: rewrite.Plan{
					Name:       mr.Name,
					Descriptor: mr.Descriptor,
					Edits:      []rewrite.Edit{rewrite.ReplaceConstant(ce.from, ce.to)},
					Source:     f.name,
				},
			})
		}
		if n == 0 {
			return fmt.Errorf("constant %s in %s: %w", bytecode.FormatConst(key), rec.Name, rewrite.ErrNoSite)
		}
	}
	return nil
}

// Declarer is the declaration surface handed to a feature.
type Declarer struct {
	engine  *Engine
	feature *feature
	errs    []error
}

// Feature is the name of the feature being declared.
func (d *Declarer) Feature() string {
	return d.feature.name
}

// Engine returns the engine the feature is declared on.
func (d *Declarer) Engine() *Engine {
	return d.engine
}

func (d *Declarer) qualify(id string) string {
	return d.feature.name + "/" + id
}

// register adds f to the registry and to the feature's validation list.
// A registration failure is recorded and f is replaced by a failing finder.
func register[T any](d *Declarer, f *finder.Finder[T]) *finder.Finder[T] {
	reg, err := finder.Register(d.engine.Registry, f)
	if err != nil {
		d.errs = append(d.errs, err)
		return finder.New(f.Name(), func() (T, error) {
			var zero T
			return zero, err
		})
	}
	d.feature.finders = append(d.feature.finders, reg)
	return reg
}

// ClassFinder resolves one class of the corpus.
type ClassFinder struct {
	*finder.Finder[*corpus.ClassRecord]
	d       *Declarer
	matcher *match.ClassMatcher
}

// FindClass declares a finder for the unique class matching m.
func (d *Declarer) FindClass(id string, m *match.ClassMatcher) *ClassFinder {
	name := d.qualify(id)
	ix := d.engine.Index
	f := finder.New(name, func() (*corpus.ClassRecord, error) {
		return finder.Unique(name, m.Find(ix))
	})
	return &ClassFinder{Finder: register(d, f), d: d, matcher: m}
}

// FindClassNamed declares a finder for a class known by name.
func (d *Declarer) FindClassNamed(id, class string) *ClassFinder {
	name := d.qualify(id)
	ix := d.engine.Index
	f := finder.New(name, func() (*corpus.ClassRecord, error) {
		rec, ok := ix.Lookup(class)
		if !ok {
			return nil, &finder.ResolutionError{Finder: name, Kind: finder.ErrNoMatch, Candidates: []string{class}}
		}
		return rec, nil
	})
	return &ClassFinder{Finder: register(d, f), d: d, matcher: match.Class(match.Named(class))}
}

// FindClassFallbacks tries each matcher in order and resolves to the first
// unique match.
func (d *Declarer) FindClassFallbacks(id string, ms ...*match.ClassMatcher) *ClassFinder {
	name := d.qualify(id)
	ix := d.engine.Index
	alts := make([]func() (*corpus.ClassRecord, error), len(ms))
	for i, m := range ms {
		alts[i] = func() (*corpus.ClassRecord, error) {
			return finder.Unique(fmt.Sprintf("%s#%d", name, i), m.Find(ix))
		}
	}
	cf := &ClassFinder{Finder: register(d, finder.WithFallbacks(name, alts...)), d: d}
	if len(ms) > 0 {
		cf.matcher = ms[0]
	}
	return cf
}

// LateClass declares a class finder computed from other finders. The
// thunk reaches them through finder.Use so cycles are reported.
func (d *Declarer) LateClass(id string, thunk func(*finder.Scope) (*corpus.ClassRecord, error)) *ClassFinder {
	name := d.qualify(id)
	f, err := finder.Late(d.engine.Registry, name, thunk)
	return &ClassFinder{Finder: late(d, name, f, err), d: d}
}

// Method declares a finder for the unique method of the class matching
// m. A nil m uses the member matcher registered under id on the class
// matcher.
func (c *ClassFinder) Method(id string, m *match.MethodMatcher) *MethodFinder {
	if m == nil && c.matcher != nil {
		m, _ = c.matcher.MethodMatcher(id)
	}
	name := c.Name() + "." + id
	if m == nil {
		c.d.errs = append(c.d.errs, fmt.Errorf("finder %s: no method matcher %q", name, id))
		m = match.Method()
	}
	f, err := finder.Late(c.d.engine.Registry, name, func(s *finder.Scope) (*corpus.MethodRecord, error) {
		rec, err := finder.Use(s, c.Finder)
		if err != nil {
			return nil, err
		}
		return finder.Unique(name, m.Find(rec))
	})
	return &MethodFinder{Finder: late(c.d, name, f, err), d: c.d}
}

// Field declares a finder for the unique field of the class matching m.
func (c *ClassFinder) Field(id string, m *match.FieldMatcher) *FieldFinder {
	if m == nil && c.matcher != nil {
		m, _ = c.matcher.FieldMatcher(id)
	}
	name := c.Name() + "." + id
	if m == nil {
		c.d.errs = append(c.d.errs, fmt.Errorf("finder %s: no field matcher %q", name, id))
		m = match.Field()
	}
	f, err := finder.Late(c.d.engine.Registry, name, func(s *finder.Scope) (*corpus.FieldRecord, error) {
		rec, err := finder.Use(s, c.Finder)
		if err != nil {
			return nil, err
		}
		return finder.Unique(name, m.Find(rec))
	})
	return &FieldFinder{Finder: late(c.d, name, f, err)}
}

// ConstantReplacement swaps the literal from for to in every method of
// the class that loads it.
func (c *ClassFinder) ConstantReplacement(from, to any) *ClassFinder {
	c.d.feature.constants = append(c.d.feature.constants, constantEdit{class: c, from: from, to: to})
	return c
}

// late records a finder registered through finder.Late.
func late[T any](d *Declarer, name string, f *finder.Finder[T], err error) *finder.Finder[T] {
	if err != nil {
		d.errs = append(d.errs, err)
		return finder.New(name, func() (T, error) {
			var zero T
			return zero, err
		})
	}
	d.feature.finders = append(d.feature.finders, f)
	return f
}

// MethodFinder resolves one method.
type MethodFinder struct {
	*finder.Finder[*corpus.MethodRecord]
	d *Declarer
}

// LateMethod declares a method finder computed from other finders.
func (d *Declarer) LateMethod(id string, thunk func(*finder.Scope) (*corpus.MethodRecord, error)) *MethodFinder {
	name := d.qualify(id)
	f, err := finder.Late(d.engine.Registry, name, thunk)
	return &MethodFinder{Finder: late(d, name, f, err), d: d}
}

// Transform queues edits for the resolved method. Edits run in the order
// they were queued across every Transform call.
func (m *MethodFinder) Transform(edits ...rewrite.Edit) *MethodFinder {
	m.d.feature.edits = append(m.d.feature.edits, methodEdits{method: m, edits: edits})
	return m
}

// FieldFinder resolves one field.
type FieldFinder struct {
	*finder.Finder[*corpus.FieldRecord]
}
