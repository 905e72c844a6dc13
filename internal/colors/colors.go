// Package colors holds the palette of the jpatch CLI.
//
// Colors are disabled when stdout is not a terminal; fatih/color detects
// that. Init overrides the detection from the --color flag.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected setting when forceColor is non-nil.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color  { return color.New(color.Bold) }
func Faint() *color.Color { return color.New(color.Faint) }

// Feature is a feature heading.
func Feature() *color.Color { return color.New(color.Bold, color.FgHiMagenta) }

// Class is an internal class name.
func Class() *color.Color { return color.New(color.Bold, color.FgHiBlue) }

// Method is a method name and descriptor.
func Method() *color.Color { return color.New(color.FgHiCyan) }

// Resolved marks a finder value or an enabled feature.
func Resolved() *color.Color { return color.New(color.FgHiGreen) }

// Failed marks a failed finder or a disabled feature.
func Failed() *color.Color { return color.New(color.FgHiRed) }
