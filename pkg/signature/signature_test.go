package signature

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/internal/fixture"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/engine"
	"github.com/blacktop/jpatch/pkg/vm"
)

const stubYAML = `
target: fixture
version:
  min: 1.2.0
  max: 1.4.0
features:
  - name: stub-foo
    classes:
      - id: child
        match:
          extends: A
          methods:
            - name: bar
              calls:
                - owner: A
                  name: foo
        methods:
          - id: bar
            match:
              name: bar
              descriptor: ()I
            edits:
              - op: replace_call
                call: {owner: A, name: foo, descriptor: ()I}
                value: {value: 42}
  - name: gone
    optional: true
    classes:
      - id: nope
        match:
          name: does/not/Exist
`

const limitJSON = `{
  "target": "fixture",
  "features": [{
    "name": "limit",
    "classes": [{
      "id": "a",
      "match": {"name": "A", "strings": ["hello from A"]},
      "constants": [{"from": {"value": 100000}, "to": {"value": 5}}]
    }]
  }]
}`

func prepare(t *testing.T, sigs ...*Signatures) (*engine.Engine, fixture.Classes) {
	t.Helper()
	classes, err := fixture.Build()
	require.NoError(t, err)
	ix := corpus.New()
	for _, name := range classes.Names() {
		_, err := ix.Add(name+".class", classes[name])
		require.NoError(t, err)
	}
	e, err := engine.New(ix, engine.Options{})
	require.NoError(t, err)
	require.NoError(t, Register(e, sigs...))
	require.NoError(t, e.Prepare(context.Background()))
	return e, classes
}

func call(t *testing.T, e *engine.Engine, classes fixture.Classes, class, name string) vm.Value {
	t.Helper()
	l := vm.NewLoader(classes)
	e.Install(l)
	c, err := l.LoadClass(class)
	require.NoError(t, err)
	obj, err := c.Construct("()V")
	require.NoError(t, err)
	v, err := c.Invoke(obj, name, "()I")
	require.NoError(t, err)
	return v
}

func TestYAMLSignatures(t *testing.T) {
	sig, err := Decode([]byte(stubYAML), false)
	require.NoError(t, err)
	require.Len(t, sig.Features, 2)

	e, classes := prepare(t, sig)
	status := e.Features()
	require.Len(t, status, 2)
	assert.True(t, status[0].Enabled)
	assert.False(t, status[1].Enabled, "optional feature without a match is disabled")

	assert.Equal(t, int32(42), call(t, e, classes, "B", "bar"))
}

func TestJSONSignatures(t *testing.T) {
	sig, err := Decode([]byte(limitJSON), true)
	require.NoError(t, err)
	e, classes := prepare(t, sig)
	assert.Equal(t, int32(5), call(t, e, classes, "A", "limit"))
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stub.yml"), []byte(stubYAML), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "limit.json"), []byte(limitJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes"), 0o644))

	sigs, err := Parse(dir)
	require.NoError(t, err)
	assert.Len(t, sigs, 2)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		json bool
	}{
		{"unknown yaml key", "target: x\nfeaturez: []\n", false},
		{"unknown json key", `{"target": "x", "extra": 1}`, true},
		{"unknown op", "features:\n  - name: f\n    classes:\n      - id: a\n        match: {name: A}\n        methods:\n          - id: m\n            match: {name: foo}\n            edits: [{op: explode}]\n", false},
		{"constant without to", "features:\n  - name: f\n    classes:\n      - id: a\n        match: {name: A}\n        methods:\n          - id: m\n            match: {name: foo}\n            edits: [{op: replace_constant, from: {value: 1}}]\n", false},
		{"duplicate ids", "features:\n  - name: f\n    classes:\n      - {id: a, match: {name: A}}\n      - {id: a, match: {name: B}}\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data), tt.json)
			assert.Error(t, err)
		})
	}
}

func TestCheckVersion(t *testing.T) {
	sig := &Signatures{Version: Version{Min: "1.2.0", Max: "1.4.0"}}
	tests := []struct {
		version string
		want    bool
	}{
		{"1.1.9", false},
		{"1.2.0", true},
		{"1.3", true},
		{"1.4.0", true},
		{"1.4.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			got, err := CheckVersion(sig, tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	open := &Signatures{}
	got, err := CheckVersion(open, "99.0")
	require.NoError(t, err)
	assert.True(t, got)

	_, err = CheckVersion(sig, "not a version")
	assert.Error(t, err)

	kept, err := Supported([]*Signatures{sig, open}, "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, []*Signatures{open}, kept)
}

func TestLiteralValue(t *testing.T) {
	tests := []struct {
		name string
		lit  Literal
		want any
	}{
		{"yaml int", Literal{Value: 7}, int32(7)},
		{"json number", Literal{Value: float64(100000)}, int32(100000)},
		{"large", Literal{Value: 1 << 40}, int64(1 << 40)},
		{"fraction", Literal{Value: 2.5}, 2.5},
		{"string", Literal{Value: "hi"}, "hi"},
		{"typed long", Literal{Value: 3, Type: "J"}, int64(3)},
		{"typed float", Literal{Value: 1.5, Type: "F"}, float32(1.5)},
		{"typed string", Literal{Value: 12, Type: "Ljava/lang/String;"}, "12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.lit.value()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
