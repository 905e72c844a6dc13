package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDifference(t *testing.T) {
	type args struct {
		a []string
		b []string
	}
	tests := []struct {
		name string
		args args
		want []string
	}{
		{
			name: "disjoint tail",
			args: args{a: []string{"a", "b", "c"}, b: []string{"b", "c", "d"}},
			want: []string{"a"},
		},
		{
			name: "same set",
			args: args{a: []string{"a", "b", "c"}, b: []string{"c", "b", "a"}},
			want: []string{},
		},
		{
			name: "nothing shared",
			args: args{a: []string{"a", "b", "c"}, b: []string{"d", "e", "f"}},
			want: []string{"a", "b", "c"},
		},
		{
			name: "superset",
			args: args{a: []string{"a", "b", "c"}, b: []string{"c", "b", "a", "d"}},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Difference(tt.args.a, tt.args.b))
		})
	}
}

func TestUnique(t *testing.T) {
	assert.Equal(t, []string{"A", "B", "C"}, Unique([]string{"C", "A", "B", "A"}))
	assert.Empty(t, Unique(nil))
}

func TestClassName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"com.example.Foo", "com/example/Foo"},
		{"com/example/Foo.class", "com/example/Foo"},
		{"Foo", "Foo"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassName(tt.in), tt.in)
	}
}

func TestDiff(t *testing.T) {
	assert.Empty(t, Diff("a\nb\n", "a\nb\n", false))

	got := Diff("iconst_1\nireturn\n", "bipush 42\nireturn\n", false)
	assert.Contains(t, got, "-iconst_1\n")
	assert.Contains(t, got, "+bipush 42\n")
	assert.Contains(t, got, " ireturn\n")
}

func TestPad(t *testing.T) {
	assert.Equal(t, "   ", Pad(3))
	assert.Equal(t, " ", Pad(0))
}
