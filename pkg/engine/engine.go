// Package engine ties the corpus, finders and rewriter together behind one
// registry object. Features declare what they look for and how to patch it;
// Prepare resolves every declaration once, and Transform is the class-load
// hook that applies the resulting plans.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/finder"
	"github.com/blacktop/jpatch/pkg/hierarchy"
	"github.com/blacktop/jpatch/pkg/rewrite"
)

// ErrPrepared is returned when features are declared after Prepare.
var ErrPrepared = errors.New("engine already prepared")

// Options configure an Engine.
type Options struct {
	// Frames is the preferred frame mode for rewritten methods.
	Frames bytecode.FrameMode
	// CacheSize bounds the hierarchy resolver's header cache.
	CacheSize int
	// Parallelism bounds how many features are prepared at once.
	Parallelism int
	// Verify re-analyzes every recomputed method after encoding.
	Verify bool
	// DumpDir, if set, receives a copy of every rewritten class.
	DumpDir string
	// Source is consulted before the corpus for hierarchy lookups,
	// typically the classpath of the runtime being patched.
	Source hierarchy.ClassSource
	// Strict treats every feature as required.
	Strict bool
}

// Engine is the process-wide registry of features, finders and plans.
// Declare features, call Prepare once, then install Transform as the
// class-load hook.
type Engine struct {
	Index    *corpus.Index
	Resolver *hierarchy.Resolver
	Registry *finder.Registry

	opts        Options
	transformer *rewrite.Transformer

	mu       sync.Mutex
	features []*feature
	plans    atomic.Pointer[map[string][]rewrite.Plan]

	rewritten atomic.Int64
	failed    atomic.Int64
}

// New returns an engine over ix.
func New(ix *corpus.Index, opts Options) (*Engine, error) {
	if opts.Parallelism < 1 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	var src hierarchy.ClassSource = ix
	if opts.Source != nil {
		src = hierarchy.Chain{opts.Source, ix}
	}
	res, err := hierarchy.NewResolver(src, opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Index:    ix,
		Resolver: res,
		Registry: finder.NewRegistry(),
		opts:     opts,
		transformer: &rewrite.Transformer{
			Hierarchy: res,
			Frames:    opts.Frames,
			Verify:    opts.Verify,
		},
	}, nil
}

// Feature declares a named group of finders and edits. Optional features
// that fail to resolve are disabled at Prepare; required ones abort it.
func (e *Engine) Feature(name string, optional bool, declare func(*Declarer) error) error {
	if e.plans.Load() != nil {
		return ErrPrepared
	}
	f := &feature{name: name, optional: optional && !e.opts.Strict}
	d := &Declarer{engine: e, feature: f}
	err := declare(d)
	err = errors.Join(err, errors.Join(d.errs...))
	if err != nil {
		err = fmt.Errorf("feature %s: %w", name, err)
		if !f.optional {
			return err
		}
		log.WithError(err).WithField("feature", name).Warn("Disabling optional feature")
		f.err = err
	}
	e.mu.Lock()
	e.features = append(e.features, f)
	e.mu.Unlock()
	return nil
}

// Prepare resolves every declared finder and builds the plan table.
func (e *Engine) Prepare(ctx context.Context) error {
	e.mu.Lock()
	features := slices.Clone(e.features)
	skip := make([]bool, len(features))
	for i, f := range features {
		skip[i] = f.err != nil
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, f := range features {
		if skip[i] {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := f.prepare()
			if err == nil {
				log.WithFields(log.Fields{"feature": f.name, "plans": len(f.plans)}).Debug("Prepared feature")
				return nil
			}
			err = fmt.Errorf("feature %s: %w", f.name, err)
			if !f.optional {
				return err
			}
			log.WithError(err).WithField("feature", f.name).Warn("Disabling optional feature")
			e.mu.Lock()
			f.err = err
			e.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	table := make(map[string][]rewrite.Plan)
	enabled := 0
	for _, f := range features {
		if f.err != nil {
			continue
		}
		enabled++
		for _, p := range f.plans {
			table[p.class] = append(table[p.class], p.Plan)
		}
	}
	e.plans.Store(&table)
	log.WithFields(log.Fields{
		"features": len(features),
		"enabled":  enabled,
		"classes":  len(table),
	}).Info("Engine prepared")
	return nil
}

// Strict reports whether optional features are treated as required.
func (e *Engine) Strict() bool {
	return e.opts.Strict
}

// Plans returns the plans targeting class name, in declaration order.
func (e *Engine) Plans(name string) []rewrite.Plan {
	table := e.plans.Load()
	if table == nil {
		return nil
	}
	return (*table)[name]
}

// Targets returns the names of every class with plans.
func (e *Engine) Targets() []string {
	table := e.plans.Load()
	if table == nil {
		return nil
	}
	out := make([]string, 0, len(*table))
	for name := range *table {
		out = append(out, name)
	}
	return out
}

// Transform rewrites data if any plan targets name. Untargeted classes are
// returned as is. A class that fails to rewrite is returned unmodified
// along with the error.
func (e *Engine) Transform(name string, data []byte) ([]byte, error) {
	plans := e.Plans(name)
	if len(plans) == 0 {
		return data, nil
	}
	cf, err := classfile.Parse(data)
	if err != nil {
		return data, e.fail(&rewrite.Error{Class: name, Err: err})
	}
	_, out, err := e.transformer.Apply(cf, plans)
	if err != nil {
		return data, e.fail(err)
	}
	e.rewritten.Add(1)
	log.WithFields(log.Fields{"class": name, "plans": len(plans)}).Debug("Transformed class")
	if e.opts.DumpDir != "" {
		if err := e.dump(name, out); err != nil {
			log.WithError(err).WithField("class", name).Warn("Failed to dump class")
		}
	}
	return out, nil
}

func (e *Engine) fail(err error) error {
	e.failed.Add(1)
	log.WithError(err).Error("Class left unmodified")
	return err
}

func (e *Engine) dump(name string, data []byte) error {
	path := filepath.Join(e.opts.DumpDir, filepath.FromSlash(name)+".class")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// FeatureStatus reports the outcome of one feature.
type FeatureStatus struct {
	Name     string
	Optional bool
	Enabled  bool
	Err      error
}

// Features returns the declared features in declaration order.
func (e *Engine) Features() []FeatureStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FeatureStatus, 0, len(e.features))
	for _, f := range e.features {
		out = append(out, FeatureStatus{Name: f.name, Optional: f.optional, Enabled: f.err == nil, Err: f.err})
	}
	return out
}

// Stats counts hook activity.
type Stats struct {
	Rewritten int64
	Failed    int64
	// Fallbacks counts unresolved common-superclass queries.
	Fallbacks int64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Rewritten: e.rewritten.Load(),
		Failed:    e.failed.Load(),
		Fallbacks: e.Resolver.Fallbacks(),
	}
}
