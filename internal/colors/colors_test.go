package colors

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	on, off := true, false
	tests := []struct {
		name  string
		start bool
		force *bool
		want  bool
	}{
		{"force on", true, &on, true},
		{"force off", false, &off, false},
		{"nil keeps enabled", false, nil, true},
		{"nil keeps disabled", true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color.NoColor = tt.start
			Init(tt.force)
			assert.Equal(t, tt.want, Enabled())
		})
	}
}

func TestPaletteHonorsNoColor(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	color.NoColor = true
	for _, c := range []*color.Color{Feature(), Class(), Method(), Resolved(), Failed()} {
		assert.Equal(t, "java/lang/Object", c.Sprint("java/lang/Object"))
	}

	color.NoColor = false
	assert.Contains(t, Class().Sprint("A"), "\x1b[")
}
