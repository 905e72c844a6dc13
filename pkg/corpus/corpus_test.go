package corpus_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/internal/fixture"
	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/hierarchy"
)

func loadFixture(t *testing.T) *corpus.Index {
	t.Helper()
	classes, err := fixture.Build()
	require.NoError(t, err)
	ix := corpus.New()
	for _, name := range classes.Names() {
		_, err := ix.Add(name+".class", classes[name])
		require.NoError(t, err)
	}
	return ix
}

func TestAddAndLookup(t *testing.T) {
	ix := loadFixture(t)
	assert.Equal(t, 4, ix.Len())

	b, ok := ix.Lookup("B")
	require.True(t, ok)
	assert.Equal(t, "A", b.Super)
	assert.NotNil(t, b.Method("bar", "()I"))
	assert.Nil(t, b.Method("bar", "()V"))

	c, ok := ix.Lookup("C")
	require.True(t, ok)
	assert.True(t, c.Implements("I"))

	i, ok := ix.Lookup("I")
	require.True(t, ok)
	assert.True(t, i.IsInterface())
	run := i.Method("run", "")
	require.NotNil(t, run)
	_, err := run.Body()
	assert.ErrorIs(t, err, classfile.ErrNoCode)
}

func TestAllIsRestartable(t *testing.T) {
	ix := loadFixture(t)
	count := func() int {
		n := 0
		for range ix.All() {
			n++
		}
		return n
	}
	assert.Equal(t, 4, count())
	assert.Equal(t, 4, count())
}

func TestMalformedEntriesAreSkipped(t *testing.T) {
	ix := loadFixture(t)
	_, err := ix.Add("junk.class", []byte{0xca, 0xfe, 0xba, 0xbe, 0})
	assert.Error(t, err)
	assert.Equal(t, 4, ix.Len())
	require.Len(t, ix.Warnings(), 1)
	assert.Equal(t, "junk.class", ix.Warnings()[0].Source)
}

func TestDuplicateKeepsFirst(t *testing.T) {
	ix := loadFixture(t)
	first, _ := ix.Lookup("A")
	rec, err := ix.Add("other/A.class", first.Bytes())
	require.NoError(t, err)
	assert.Same(t, first, rec)
	assert.Len(t, ix.Warnings(), 1)
}

func TestLiteralsAndMethodFacts(t *testing.T) {
	ix := loadFixture(t)
	a, _ := ix.Lookup("A")
	assert.True(t, a.HasConstant(int32(fixture.LimitValue)), "pool literal")
	assert.True(t, a.HasConstant(int32(fixture.FooValue)), "sipush operand")
	assert.False(t, a.HasConstant(int32(99)))
	assert.True(t, a.HasStringContaining("from A"))
	assert.Contains(t, a.Strings(), fixture.Greeting)

	foo := a.Method("foo", "()I")
	assert.True(t, foo.UsesConstant(int32(fixture.FooValue)))
	assert.NotZero(t, foo.OpcodeHash())

	b, _ := ix.Lookup("B")
	bar := b.Method("bar", "()I")
	require.Len(t, bar.Calls(), 1)
	assert.Equal(t, classfile.MemberRef{Owner: "A", Name: "foo", Descriptor: "()I"}, bar.Calls()[0])
	assert.Empty(t, bar.FieldRefs())
	assert.Equal(t, "I", bar.Return)
	assert.Empty(t, bar.Args)

	// body is decoded once and shared
	b1, err := bar.Body()
	require.NoError(t, err)
	b2, err := bar.Body()
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}

func TestCommitRebindsMethods(t *testing.T) {
	ix := loadFixture(t)
	a, _ := ix.Lookup("A")
	foo := a.Method("foo", "()I")
	before, err := foo.Body()
	require.NoError(t, err)

	cf := a.File().Clone()
	m := cf.Method("foo", "()I")
	body, err := bytecode.NewBuilder(&bytecode.Body{}, bytecode.Method{Owner: "A", Access: m.Access, Name: m.Name, Descriptor: m.Descriptor}).
		PushInt(7).Return().Build()
	require.NoError(t, err)
	require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{}))
	data, err := cf.Bytes()
	require.NoError(t, err)
	require.NoError(t, a.Commit(cf, data))

	after, err := foo.Body()
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.True(t, foo.UsesConstant(int32(7)))
	assert.False(t, foo.UsesConstant(int32(fixture.FooValue)))
	assert.Equal(t, data, a.Bytes())

	got, err := ix.ClassBytes("A")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	_, err = ix.ClassBytes("Nope")
	assert.ErrorIs(t, err, hierarchy.ErrNotFound)
}

func TestLoadJarAndDir(t *testing.T) {
	dir := t.TempDir()
	jar, err := fixture.Jar(dir, "fixture.jar")
	require.NoError(t, err)

	classes, err := fixture.Build()
	require.NoError(t, err)
	classDir := filepath.Join(dir, "classes", "pkg")
	require.NoError(t, os.MkdirAll(classDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(classDir, "A.class"), classes["A"], 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(classDir, "Broken.class"), []byte("nope"), 0o644))

	n, err := corpus.CountEntries(jar, filepath.Join(dir, "classes"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	ix := corpus.New()
	ix.Parallelism = 2
	var seen atomic.Int32
	ix.OnClass = func(string, error) { seen.Add(1) }
	require.NoError(t, ix.Load(context.Background(), jar, filepath.Join(dir, "classes")))
	assert.Equal(t, 4, ix.Len())
	// duplicate A plus the broken file
	assert.Len(t, ix.Warnings(), 2)
	assert.Equal(t, int32(6), seen.Load())

	stats := ix.Stats()
	assert.Equal(t, 4, stats.Classes)
	assert.Equal(t, 2, stats.Warnings)
	assert.Positive(t, stats.Bytes)

	assert.Error(t, corpus.New().Load(context.Background(), filepath.Join(dir, "missing.jar")))
}

func TestIndexServesResolver(t *testing.T) {
	ix := loadFixture(t)
	r, err := hierarchy.NewResolver(ix, 0)
	require.NoError(t, err)
	assert.Equal(t, "A", r.CommonSuperclass("B", "A"))
	assert.Equal(t, hierarchy.Root, r.CommonSuperclass("C", "B"))
	assert.Equal(t, hierarchy.Root, r.CommonSuperclass("C", "I"))
}
