package finder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLateFinderChain(t *testing.T) {
	reg := NewRegistry()
	class, err := Register(reg, New("class", func() (string, error) { return "B", nil }))
	require.NoError(t, err)

	var thunks int
	method, err := Late(reg, "method", func(s *Scope) (string, error) {
		thunks++
		c, err := Use(s, class)
		if err != nil {
			return "", err
		}
		return c + ".bar", nil
	})
	require.NoError(t, err)
	caller, err := Late(reg, "caller", func(s *Scope) (string, error) {
		m, err := Use(s, method)
		if err != nil {
			return "", err
		}
		return "calls " + m, nil
	})
	require.NoError(t, err)

	assert.Equal(t, Unresolved, class.State(), "late finders do not resolve at declaration")

	got, err := caller.Get()
	require.NoError(t, err)
	assert.Equal(t, "calls B.bar", got)
	_, err = method.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, thunks)

	assert.Equal(t, []string{"method"}, reg.Dependencies("caller"))
	order, err := reg.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"class", "method", "caller"}, order)
	assert.Empty(t, reg.Failures())
}

func TestLateCycleIsAnError(t *testing.T) {
	reg := NewRegistry()
	var a, b *Finder[string]
	var err error
	a, err = Late(reg, "a", func(s *Scope) (string, error) { return Use(s, b) })
	require.NoError(t, err)
	b, err = Late(reg, "b", func(s *Scope) (string, error) { return Use(s, a) })
	require.NoError(t, err)

	_, err = a.Get()
	require.ErrorIs(t, err, ErrCycle)
	assert.Equal(t, Failed, a.State())
	assert.Equal(t, Failed, b.State())

	failures := reg.Failures()
	assert.Len(t, failures, 2)
	assert.ErrorIs(t, failures["b"], ErrCycle)
}

func TestSelfDependency(t *testing.T) {
	reg := NewRegistry()
	var self *Finder[int]
	self, err := Late(reg, "self", func(s *Scope) (int, error) { return Use(s, self) })
	require.NoError(t, err)
	assert.ErrorIs(t, self.Err(), ErrCycle)
}

func TestConcurrentCycleDoesNotDeadlock(t *testing.T) {
	reg := NewRegistry()
	var a, b *Finder[string]
	a, _ = Late(reg, "a", func(s *Scope) (string, error) { return Use(s, b) })
	b, _ = Late(reg, "b", func(s *Scope) (string, error) { return Use(s, a) })

	var wg sync.WaitGroup
	for _, f := range []*Finder[string]{a, b, a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.ErrorIs(t, f.Err(), ErrCycle)
		}()
	}
	wg.Wait()
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	_, err := Register(reg, Resolve("x", 1))
	require.NoError(t, err)
	_, err = Register(reg, Resolve("x", 2))
	require.Error(t, err)

	f, ok := reg.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, Resolved, f.State())
	assert.Len(t, reg.Finders(), 1)
}
