package utils

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff returns a line-oriented diff of src and dst, colored when color is
// set. Identical inputs give an empty string.
func Diff(src, dst string, color bool) string {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(src, dst)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	if len(diffs) == 0 || len(diffs) == 1 && diffs[0].Type == diffmatchpatch.DiffEqual {
		return ""
	}
	if color {
		return dmp.DiffPrettyText(diffs)
	}
	var out []byte
	for _, d := range diffs {
		prefix := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = '+'
		case diffmatchpatch.DiffDelete:
			prefix = '-'
		}
		for _, line := range splitLines(d.Text) {
			out = append(out, prefix)
			out = append(out, line...)
			out = append(out, '\n')
		}
	}
	return string(out)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
