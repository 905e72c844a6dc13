package finder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnique(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       string
		kind       error
	}{
		{"none", nil, "", ErrNoMatch},
		{"one", []string{"B"}, "B", nil},
		{"two", []string{"B", "C"}, "", ErrAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unique("extends A", tt.candidates)
			if tt.kind == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			require.ErrorIs(t, err, tt.kind)
			var re *ResolutionError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "extends A", re.Finder)
			assert.Equal(t, len(tt.candidates), len(re.Candidates))
		})
	}
}

func TestFinderResolvesOnce(t *testing.T) {
	type class struct{ name string }
	var evals atomic.Int32
	f := New("b", func() (*class, error) {
		evals.Add(1)
		return &class{name: "B"}, nil
	})
	assert.Equal(t, Unresolved, f.State())

	first, err := f.Get()
	require.NoError(t, err)
	second, err := f.Get()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), evals.Load())
	assert.Equal(t, int64(1), f.Resolutions())
	assert.Equal(t, Resolved, f.State())
	assert.Equal(t, "b (resolved)", f.String())
}

func TestFailureIsPermanent(t *testing.T) {
	var evals int
	f := New("missing", func() (string, error) {
		evals++
		return Unique[string]("missing", nil)
	})
	for range 3 {
		_, err := f.Get()
		require.ErrorIs(t, err, ErrNoMatch)
	}
	assert.Equal(t, 1, evals)
	assert.Equal(t, Failed, f.State())
	assert.Panics(t, func() { f.MustGet() })
}

func TestPlainErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	f := New("x", func() (int, error) { return 7, boom })
	v, err := f.Get()
	assert.Zero(t, v)
	require.ErrorIs(t, err, boom)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "x", re.Finder)
	assert.EqualError(t, err, "finder x: boom")
}

func TestConcurrentFirstAccess(t *testing.T) {
	var evals atomic.Int32
	start := make(chan struct{})
	f := New("shared", func() (*int, error) {
		evals.Add(1)
		v := 42
		return &v, nil
	})

	const n = 64
	results := make([]*int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := f.Get()
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), evals.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestWithFallbacks(t *testing.T) {
	var tried []int
	alt := func(i int, candidates ...string) func() (string, error) {
		return func() (string, error) {
			tried = append(tried, i)
			return Unique(fmt.Sprintf("alt%d", i), candidates)
		}
	}

	f := WithFallbacks("drift", alt(0), alt(1, "B", "C"), alt(2, "B"), alt(3, "D"))
	got, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, "B", got)
	assert.Equal(t, []int{0, 1, 2}, tried, "first unique alternative wins")

	f = WithFallbacks("gone", alt(0), alt(1, "B", "C"))
	_, err = f.Get()
	require.ErrorIs(t, err, ErrNoMatch)
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.Contains(t, err.Error(), "alternative 0")
	assert.Contains(t, err.Error(), "alternative 1")

	f = WithFallbacks[string]("empty")
	assert.ErrorIs(t, f.Err(), ErrNoMatch)
}

func TestMapAndResolve(t *testing.T) {
	class := Resolve("class", "B")
	assert.Equal(t, Resolved, class.State())
	assert.Zero(t, class.Resolutions())

	method := Map("method", class, func(c string) (string, error) { return c + ".bar()I", nil })
	got, err := method.Get()
	require.NoError(t, err)
	assert.Equal(t, "B.bar()I", got)

	broken := New("broken", func() (string, error) { return "", ErrNoMatch })
	derived := Map("derived", broken, func(c string) (int, error) { return len(c), nil })
	_, err = derived.Get()
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, Failed, broken.State())
}

func TestValue(t *testing.T) {
	var ok Resolvable = Resolve("ok", 7)
	assert.Equal(t, 7, ok.Value())

	var failed Resolvable = New("failed", func() (int, error) { return 0, errors.New("nope") })
	assert.Nil(t, failed.Value())
	assert.Equal(t, Failed, failed.State())
}
