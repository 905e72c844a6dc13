package engine

import (
	"github.com/blacktop/jpatch/pkg/accessor"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/finder"
	"github.com/blacktop/jpatch/pkg/vm"
)

// Accessor returns a finder binding shape S to the runtime form of the
// class c resolves to. Resolve it only after Prepare: loading the class
// defines it, and a class defined before its plans exist stays unpatched.
func Accessor[S any](c *ClassFinder, l *vm.Loader) *finder.Finder[*accessor.Binding[S]] {
	return finder.Map(c.Name()+" accessor", c.Finder, func(rec *corpus.ClassRecord) (*accessor.Binding[S], error) {
		class, err := l.LoadClass(rec.Name)
		if err != nil {
			return nil, err
		}
		return accessor.Bind[S](class)
	})
}

// Install registers the engine as a class-load hook of l.
func (e *Engine) Install(l *vm.Loader) {
	l.AddTransformer(e)
}
