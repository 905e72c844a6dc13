package bytecode

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/twmb/murmur3"
)

// InstructionMatcher matches disassembled instructions using exact string
// comparisons and an optional regular expression.
type InstructionMatcher struct {
	patterns   []string
	normalized []string
	regex      *regexp.Regexp
}

// normalizeInstruction condenses whitespace and lowercases the input so that
// formatting differences do not impact matching.
func normalizeInstruction(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(s)), " "))
}

// NewInstructionMatcher builds a matcher from literal instruction patterns and
// an optional regex. An error is returned if the regex fails to compile.
func NewInstructionMatcher(patterns []string, regexPattern string) (*InstructionMatcher, error) {
	m := &InstructionMatcher{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, p)
		m.normalized = append(m.normalized, normalizeInstruction(p))
	}
	if regexPattern != "" {
		re, err := regexp.Compile(regexPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", regexPattern, err)
		}
		m.regex = re
	}
	return m, nil
}

// HasCriteria reports whether the matcher has any patterns or regex configured.
func (m *InstructionMatcher) HasCriteria() bool {
	return len(m.patterns) > 0 || m.regex != nil
}

// Match reports whether instruction equals a pattern after normalization or
// satisfies the regex.
func (m *InstructionMatcher) Match(instruction string) bool {
	if !m.HasCriteria() {
		return false
	}
	if m.regex != nil && m.regex.MatchString(instruction) {
		return true
	}
	norm := normalizeInstruction(instruction)
	for _, p := range m.normalized {
		if p == norm {
			return true
		}
	}
	return false
}

// MatchBody returns the real instructions of b that match.
func (m *InstructionMatcher) MatchBody(b *Body) []*Instruction {
	var out []*Instruction
	for _, in := range b.Instructions {
		if !in.Op.Pseudo() && m.Match(in.String()) {
			out = append(out, in)
		}
	}
	return out
}

func (m *InstructionMatcher) String() string {
	parts := append([]string(nil), m.patterns...)
	if m.regex != nil {
		parts = append(parts, "/"+m.regex.String()+"/")
	}
	return strings.Join(parts, " | ")
}

// ShapeHash fingerprints a body by its opcode sequence only. Operands are
// ignored so the hash survives renaming and constant pool reshuffles.
func ShapeHash(b *Body) uint32 {
	h := murmur3.New32()
	buf := make([]byte, 0, len(b.Instructions))
	for _, in := range b.Instructions {
		if in.Op.Pseudo() {
			continue
		}
		buf = append(buf, byte(in.Op))
	}
	h.Write(buf)
	return h.Sum32()
}
