package accessor_test

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/internal/fixture"
	"github.com/blacktop/jpatch/pkg/accessor"
	"github.com/blacktop/jpatch/pkg/vm"
)

type Base struct {
	accessor.Instance
	Foo   func() int32               `jvm:"foo"`
	Limit func() (int, error)        `jvm:"limit,()I"`
	Greet func() string              // bound to greet by name
	Count accessor.Field[int32]      `jvm:"count"`
	New   func() *Base               `jvm:"<init>"`
	Raw   func() (*vm.Object, error) `jvm:"<init>"`
	Note  string                     // plain data, ignored
}

type Derived struct {
	accessor.Instance
	Bar  func() int32 `jvm:"bar"`
	Pick func(bool) vm.Value
}

func loader(t *testing.T) *vm.Loader {
	t.Helper()
	classes, err := fixture.Build()
	require.NoError(t, err)
	return vm.NewLoader(classes)
}

func class(t *testing.T, l *vm.Loader, name string) *vm.Class {
	t.Helper()
	c, err := l.LoadClass(name)
	require.NoError(t, err)
	return c
}

func TestBindAndCall(t *testing.T) {
	l := loader(t)
	b, err := accessor.Bind[Base](class(t, l, "A"))
	require.NoError(t, err)
	assert.Len(t, b.Members(), 6)

	a := b.Static().New()
	require.NotNil(t, a)
	assert.False(t, a.IsStatic())
	assert.Equal(t, int32(fixture.FooValue), a.Foo())
	n, err := a.Limit()
	require.NoError(t, err)
	assert.Equal(t, fixture.LimitValue, n)
	assert.Equal(t, fixture.Greeting, a.Greet())

	require.NoError(t, a.Count.Set(7))
	got, err := a.Count.Get()
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)
	assert.Equal(t, "I", a.Count.Descriptor())

	obj, err := a.Delegate()
	require.NoError(t, err)
	assert.Equal(t, int32(7), obj.Field("count", "I"))
}

func TestReleasedDelegateFails(t *testing.T) {
	l := loader(t)
	b := accessor.MustBind[Base](class(t, l, "A"))
	obj, err := b.Static().Raw()
	require.NoError(t, err)
	a, err := b.Wrap(obj)
	require.NoError(t, err)

	a.Release()
	assert.True(t, a.Released())
	_, err = a.Delegate()
	assert.ErrorIs(t, err, accessor.ErrReleased)
	_, err = a.Limit()
	assert.ErrorIs(t, err, accessor.ErrReleased)
	_, err = a.Count.Get()
	assert.ErrorIs(t, err, accessor.ErrReleased)
	assert.Panics(t, func() { a.Foo() })

	// other accessors over the same object are unaffected
	again, err := b.Wrap(obj)
	require.NoError(t, err)
	assert.Equal(t, int32(fixture.FooValue), again.Foo())
	runtime.KeepAlive(obj)
}

func TestStaticViewRejectsInstanceMembers(t *testing.T) {
	l := loader(t)
	b := accessor.MustBind[Base](class(t, l, "A"))
	s := b.Static()
	assert.Same(t, s, b.Static())
	assert.True(t, s.IsStatic())

	_, err := s.Delegate()
	assert.ErrorIs(t, err, accessor.ErrNoInstance)
	_, err = s.Limit()
	assert.ErrorIs(t, err, accessor.ErrNoInstance)
	_, err = s.Count.Get()
	assert.ErrorIs(t, err, accessor.ErrNoInstance)
}

func TestCastAndIsInstance(t *testing.T) {
	l := loader(t)
	base := accessor.MustBind[Base](class(t, l, "A"))
	derived := accessor.MustBind[Derived](class(t, l, "B"))

	objB, err := class(t, l, "B").Construct("()V")
	require.NoError(t, err)
	objA, err := class(t, l, "A").Construct("()V")
	require.NoError(t, err)

	assert.True(t, base.IsInstance(objB))
	assert.False(t, derived.IsInstance(objA))
	assert.False(t, base.IsInstance(nil))

	asBase, ok := base.Cast(objB)
	require.True(t, ok)
	assert.Equal(t, int32(fixture.FooValue), asBase.Foo())

	_, ok = derived.Cast(objA)
	assert.False(t, ok)
	_, err = derived.Wrap(objA)
	assert.ErrorIs(t, err, accessor.ErrNotInstance)

	d, ok := derived.Cast(objB)
	require.True(t, ok)
	assert.Equal(t, int32(fixture.FooValue), d.Bar())
	picked, ok := d.Pick(true).(*vm.Object)
	require.True(t, ok)
	assert.Equal(t, "B", picked.Class.Name)
	picked, ok = d.Pick(false).(*vm.Object)
	require.True(t, ok)
	assert.Equal(t, "A", picked.Class.Name)
	runtime.KeepAlive(objB)
}

func TestBindingFailuresAreEager(t *testing.T) {
	type missing struct {
		Gone func() int32 `jvm:"gone"`
	}
	type wrongType struct {
		Foo func() string `jvm:"foo"`
	}
	type wrongField struct {
		Count accessor.Field[string] `jvm:"count"`
	}
	type noField struct {
		Size accessor.Field[int32]
	}
	type badCtor struct {
		New func(int32) *vm.Object `jvm:"<init>"`
	}

	l := loader(t)
	a := class(t, l, "A")
	tests := []struct {
		name   string
		bind   func() error
		want   error
		member string
	}{
		{"missing method", func() error { _, err := accessor.Bind[missing](a); return err }, accessor.ErrNotFound, "Gone"},
		{"wrong return type", func() error { _, err := accessor.Bind[wrongType](a); return err }, accessor.ErrIncompatible, "Foo"},
		{"wrong field type", func() error { _, err := accessor.Bind[wrongField](a); return err }, accessor.ErrIncompatible, "Count"},
		{"missing field", func() error { _, err := accessor.Bind[noField](a); return err }, accessor.ErrNotFound, "Size"},
		{"no such constructor", func() error { _, err := accessor.Bind[badCtor](a); return err }, accessor.ErrNotFound, "New"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bind()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var be *accessor.BindingError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.member, be.Member)
			assert.Equal(t, "A", be.Class)
		})
	}
}

func TestBindRejectsNonStruct(t *testing.T) {
	l := loader(t)
	_, err := accessor.Bind[int](class(t, l, "A"))
	assert.Error(t, err)
}
