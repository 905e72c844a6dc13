package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/internal/fixture"
	"github.com/blacktop/jpatch/pkg/accessor"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/engine"
	"github.com/blacktop/jpatch/pkg/finder"
	"github.com/blacktop/jpatch/pkg/match"
	"github.com/blacktop/jpatch/pkg/rewrite"
	"github.com/blacktop/jpatch/pkg/vm"
)

type child struct {
	accessor.Instance
	Bar func() int32  `jvm:"bar"`
	New func() *child `jvm:"<init>"`
}

func newEngine(t *testing.T) (*engine.Engine, fixture.Classes) {
	t.Helper()
	classes, err := fixture.Build()
	require.NoError(t, err)
	ix := corpus.New()
	for _, name := range classes.Names() {
		_, err := ix.Add(name+".class", classes[name])
		require.NoError(t, err)
	}
	e, err := engine.New(ix, engine.Options{Verify: true})
	require.NoError(t, err)
	return e, classes
}

func stubFoo(child **engine.ClassFinder) func(*engine.Declarer) error {
	return func(d *engine.Declarer) error {
		b := d.FindClass("child", match.Class(match.Extends("A")))
		b.Method("bar", match.Method(match.MethodNamed("bar"), match.Descriptor("()I"))).
			Transform(rewrite.ReplaceCall(rewrite.CallTo("A", "foo", "()I"), rewrite.Discard(42)))
		*child = b
		return nil
	}
}

func TestEndToEnd(t *testing.T) {
	e, classes := newEngine(t)
	var b *engine.ClassFinder
	require.NoError(t, e.Feature("stub-foo", false, stubFoo(&b)))
	require.NoError(t, e.Prepare(context.Background()))

	rec, err := b.Get()
	require.NoError(t, err)
	assert.Equal(t, "B", rec.Name)
	assert.Equal(t, []string{"B"}, e.Targets())

	l := vm.NewLoader(classes)
	e.Install(l)
	var calls []string
	l.SetTracer(func(_, callee *vm.Method) {
		calls = append(calls, callee.String())
	})

	class, err := l.LoadClass("B")
	require.NoError(t, err)
	obj, err := class.Construct("()V")
	require.NoError(t, err)
	got, err := class.Invoke(obj, "bar", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)
	assert.Contains(t, calls, "B.bar()I")
	assert.NotContains(t, calls, "A.foo()I")

	// the parent class is untouched
	a, err := l.LoadClass("A")
	require.NoError(t, err)
	got, err = a.Invoke(obj, "foo", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(fixture.FooValue), got)

	assert.Equal(t, int64(1), e.Stats().Rewritten)
	assert.Zero(t, e.Stats().Failed)
}

func TestAccessorAfterPrepare(t *testing.T) {
	e, classes := newEngine(t)
	var b *engine.ClassFinder
	require.NoError(t, e.Feature("stub-foo", false, stubFoo(&b)))
	require.NoError(t, e.Prepare(context.Background()))

	l := vm.NewLoader(classes)
	e.Install(l)
	binding, err := engine.Accessor[child](b, l).Get()
	require.NoError(t, err)
	c := binding.Static().New()
	require.NotNil(t, c)
	assert.Equal(t, int32(42), c.Bar())
}

func TestPassThroughIsIdentical(t *testing.T) {
	e, classes := newEngine(t)
	var b *engine.ClassFinder
	require.NoError(t, e.Feature("stub-foo", false, stubFoo(&b)))

	// before Prepare nothing is targeted
	data := classes["B"]
	out, err := e.Transform("B", data)
	require.NoError(t, err)
	assert.True(t, &out[0] == &data[0])

	require.NoError(t, e.Prepare(context.Background()))
	for _, name := range []string{"A", "C", "I"} {
		data := classes[name]
		out, err := e.Transform(name, data)
		require.NoError(t, err)
		assert.True(t, &out[0] == &data[0], name)
	}
}

func TestFeatureIsolation(t *testing.T) {
	tests := []struct {
		name     string
		optional bool
		declare  func(*engine.Declarer) error
		want     error
	}{
		{
			name:    "missing class",
			declare: func(d *engine.Declarer) error { d.FindClassNamed("gone", "Nope"); return nil },
			want:    finder.ErrNoMatch,
		},
		{
			name: "ambiguous class",
			declare: func(d *engine.Declarer) error {
				d.FindClass("root", match.Class(match.Extends(fixture.Object)))
				return nil
			},
			want: finder.ErrAmbiguous,
		},
		{
			name: "missing method",
			declare: func(d *engine.Declarer) error {
				d.FindClassNamed("a", "A").Method("nope", match.Method(match.MethodNamed("nope")))
				return nil
			},
			want: finder.ErrNoMatch,
		},
		{
			name: "unused constant",
			declare: func(d *engine.Declarer) error {
				d.FindClassNamed("a", "A").ConstantReplacement(424242, 1)
				return nil
			},
			want: rewrite.ErrNoSite,
		},
		{
			name: "late cycle",
			declare: func(d *engine.Declarer) error {
				var x, y *engine.ClassFinder
				x = d.LateClass("x", func(s *finder.Scope) (*corpus.ClassRecord, error) { return finder.Use(s, y.Finder) })
				y = d.LateClass("y", func(s *finder.Scope) (*corpus.ClassRecord, error) { return finder.Use(s, x.Finder) })
				return nil
			},
			want: finder.ErrCycle,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name+" required", func(t *testing.T) {
			e, _ := newEngine(t)
			require.NoError(t, e.Feature("broken", false, tt.declare))
			err := e.Prepare(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
		t.Run(tt.name+" optional", func(t *testing.T) {
			e, classes := newEngine(t)
			var b *engine.ClassFinder
			require.NoError(t, e.Feature("broken", true, tt.declare))
			require.NoError(t, e.Feature("stub-foo", false, stubFoo(&b)))
			require.NoError(t, e.Prepare(context.Background()))

			status := e.Features()
			require.Len(t, status, 2)
			assert.False(t, status[0].Enabled)
			assert.ErrorIs(t, status[0].Err, tt.want)
			assert.True(t, status[1].Enabled)

			out, err := e.Transform("B", classes["B"])
			require.NoError(t, err)
			assert.NotEqual(t, classes["B"], out)
		})
	}
}

func TestDuplicateIDsFailDeclaration(t *testing.T) {
	e, _ := newEngine(t)
	err := e.Feature("dup", false, func(d *engine.Declarer) error {
		d.FindClassNamed("a", "A")
		d.FindClassNamed("a", "B")
		return nil
	})
	assert.Error(t, err)

	err = e.Feature("failing", false, func(*engine.Declarer) error { return errors.New("boom") })
	assert.ErrorContains(t, err, "boom")
	assert.NoError(t, e.Feature("quiet", true, func(*engine.Declarer) error { return errors.New("boom") }))
}

func TestRewriteFailureKeepsOriginal(t *testing.T) {
	e, classes := newEngine(t)
	require.NoError(t, e.Feature("bad-call", false, func(d *engine.Declarer) error {
		d.FindClassNamed("b", "B").
			Method("bar", match.Method(match.MethodNamed("bar"))).
			Transform(rewrite.ReplaceCall(rewrite.CallTo("X", "y", "()V"), nil))
		return nil
	}))
	require.NoError(t, e.Prepare(context.Background()))

	data := classes["B"]
	out, err := e.Transform("B", data)
	require.Error(t, err)
	assert.ErrorIs(t, err, rewrite.ErrNoSite)
	var rerr *rewrite.Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "B", rerr.Class)
	assert.Equal(t, data, out)
	assert.Equal(t, int64(1), e.Stats().Failed)

	// the loader keeps the original bytes
	l := vm.NewLoader(classes)
	e.Install(l)
	class, err := l.LoadClass("B")
	require.NoError(t, err)
	obj, err := class.Construct("()V")
	require.NoError(t, err)
	got, err := class.Invoke(obj, "bar", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(fixture.FooValue), got)
}

func TestConstantReplacement(t *testing.T) {
	e, classes := newEngine(t)
	require.NoError(t, e.Feature("limit", false, func(d *engine.Declarer) error {
		d.FindClassNamed("a", "A").ConstantReplacement(fixture.LimitValue, 5)
		return nil
	}))
	require.NoError(t, e.Prepare(context.Background()))
	require.Len(t, e.Plans("A"), 1)

	l := vm.NewLoader(classes)
	e.Install(l)
	a, err := l.LoadClass("A")
	require.NoError(t, err)
	obj, err := a.Construct("()V")
	require.NoError(t, err)
	got, err := a.Invoke(obj, "limit", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)
}

func TestDeclareAfterPrepare(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Prepare(context.Background()))
	err := e.Feature("late", false, func(*engine.Declarer) error { return nil })
	assert.ErrorIs(t, err, engine.ErrPrepared)
}

func TestPatchJar(t *testing.T) {
	dir := t.TempDir()
	in, err := fixture.Jar(dir, "in.jar")
	require.NoError(t, err)

	e, _ := newEngine(t)
	require.NoError(t, e.Feature("fixed-foo", false, func(d *engine.Declarer) error {
		d.FindClassNamed("a", "A").
			Method("foo", match.Method(match.MethodNamed("foo"))).
			Transform(rewrite.FixedValue(99))
		return nil
	}))
	require.NoError(t, e.Prepare(context.Background()))

	out := filepath.Join(dir, "out.jar")
	var seen []string
	report, err := e.PatchJar(context.Background(), in, out, func(name string) { seen = append(seen, name) })
	require.NoError(t, err)
	assert.Equal(t, 4, report.Entries)
	assert.Len(t, seen, 4)
	require.Len(t, report.Changes, 1)
	assert.Equal(t, "A", report.Changes[0].Class)
	assert.Empty(t, report.Failures)

	ix := corpus.New()
	require.NoError(t, ix.Load(context.Background(), out))
	assert.Equal(t, 4, ix.Len())
	l := vm.NewLoader(ix)
	a, err := l.LoadClass("A")
	require.NoError(t, err)
	obj, err := a.Construct("()V")
	require.NoError(t, err)
	got, err := a.Invoke(obj, "foo", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(99), got)
}

func TestStrictMakesOptionalRequired(t *testing.T) {
	classes, err := fixture.Build()
	require.NoError(t, err)
	ix := corpus.New()
	for _, name := range classes.Names() {
		_, err := ix.Add(name+".class", classes[name])
		require.NoError(t, err)
	}
	e, err := engine.New(ix, engine.Options{Strict: true})
	require.NoError(t, err)
	require.NoError(t, e.Feature("gone", true, func(d *engine.Declarer) error {
		d.FindClassNamed("x", "Nope")
		return nil
	}))
	assert.False(t, e.Features()[0].Optional)
	assert.ErrorIs(t, e.Prepare(context.Background()), finder.ErrNoMatch)
}

func TestFeaturesReadableDuringPrepare(t *testing.T) {
	e, _ := newEngine(t)
	for i := range 16 {
		require.NoError(t, e.Feature(fmt.Sprintf("gone-%d", i), true, func(d *engine.Declarer) error {
			d.FindClassNamed("x", "Nope")
			return nil
		}))
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				for _, s := range e.Features() {
					_ = s.Err
				}
			}
		}
	}()
	require.NoError(t, e.Prepare(context.Background()))
	close(done)
	wg.Wait()

	for _, s := range e.Features() {
		assert.False(t, s.Enabled, s.Name)
		assert.ErrorIs(t, s.Err, finder.ErrNoMatch, s.Name)
	}
}
