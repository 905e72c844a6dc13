package match

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/blacktop/jpatch/pkg/corpus"
)

// MethodMatcher selects methods of a class.
type MethodMatcher struct {
	pred  MethodPredicate
	evals atomic.Int64
}

// Method returns a matcher requiring every predicate.
func Method(preds ...MethodPredicate) *MethodMatcher {
	return &MethodMatcher{pred: All(preds...)}
}

// Spec returns a matcher for a signature shape.
func Spec(s MethodSpec, extra ...MethodPredicate) *MethodMatcher {
	return Method(append(s.Predicates(), extra...)...)
}

func (m *MethodMatcher) Match(mr *corpus.MethodRecord) bool {
	m.evals.Add(1)
	return m.pred.Fn(mr)
}

// Find returns the matching methods of c in declaration order.
func (m *MethodMatcher) Find(c *corpus.ClassRecord) []*corpus.MethodRecord {
	var out []*corpus.MethodRecord
	for _, mr := range c.Methods {
		if m.Match(mr) {
			out = append(out, mr)
		}
	}
	return out
}

// Evaluations counts predicate evaluations.
func (m *MethodMatcher) Evaluations() int64 {
	return m.evals.Load()
}

func (m *MethodMatcher) String() string {
	return m.pred.Name
}

// FieldMatcher selects fields of a class.
type FieldMatcher struct {
	pred  FieldPredicate
	evals atomic.Int64
}

// Field returns a matcher requiring every predicate.
func Field(preds ...FieldPredicate) *FieldMatcher {
	return &FieldMatcher{pred: All(preds...)}
}

func (m *FieldMatcher) Match(f *corpus.FieldRecord) bool {
	m.evals.Add(1)
	return m.pred.Fn(f)
}

// Find returns the matching fields of c in declaration order.
func (m *FieldMatcher) Find(c *corpus.ClassRecord) []*corpus.FieldRecord {
	var out []*corpus.FieldRecord
	for _, f := range c.Fields {
		if m.Match(f) {
			out = append(out, f)
		}
	}
	return out
}

// Evaluations counts predicate evaluations.
func (m *FieldMatcher) Evaluations() int64 {
	return m.evals.Load()
}

func (m *FieldMatcher) String() string {
	return m.pred.Name
}

type namedMethod struct {
	id string
	m  *MethodMatcher
}

type namedField struct {
	id string
	m  *FieldMatcher
}

// ClassMatcher is a block of class predicates plus named member matchers.
// A class is a candidate only when every class predicate holds and every
// member matcher finds at least one member.
type ClassMatcher struct {
	pred    ClassPredicate
	preds   []ClassPredicate
	methods []namedMethod
	fields  []namedField
	evals   atomic.Int64
}

// Class returns a matcher requiring every predicate.
func Class(preds ...ClassPredicate) *ClassMatcher {
	return &ClassMatcher{pred: All(preds...), preds: preds}
}

// Where adds predicates to the block.
func (m *ClassMatcher) Where(preds ...ClassPredicate) *ClassMatcher {
	m.preds = append(m.preds, preds...)
	m.pred = All(m.preds...)
	return m
}

// Method adds a named member requirement.
func (m *ClassMatcher) Method(id string, mm *MethodMatcher) *ClassMatcher {
	m.methods = append(m.methods, namedMethod{id: id, m: mm})
	return m
}

// Field adds a named member requirement.
func (m *ClassMatcher) Field(id string, fm *FieldMatcher) *ClassMatcher {
	m.fields = append(m.fields, namedField{id: id, m: fm})
	return m
}

// MethodMatcher returns the member matcher registered under id.
func (m *ClassMatcher) MethodMatcher(id string) (*MethodMatcher, bool) {
	for _, nm := range m.methods {
		if nm.id == id {
			return nm.m, true
		}
	}
	return nil, false
}

// FieldMatcher returns the member matcher registered under id.
func (m *ClassMatcher) FieldMatcher(id string) (*FieldMatcher, bool) {
	for _, nf := range m.fields {
		if nf.id == id {
			return nf.m, true
		}
	}
	return nil, false
}

func (m *ClassMatcher) Match(c *corpus.ClassRecord) bool {
	m.evals.Add(1)
	if !m.pred.Fn(c) {
		return false
	}
	for _, nf := range m.fields {
		if len(nf.m.Find(c)) == 0 {
			return false
		}
	}
	for _, nm := range m.methods {
		if len(nm.m.Find(c)) == 0 {
			return false
		}
	}
	return true
}

// Find scans ix and returns every matching class.
func (m *ClassMatcher) Find(ix *corpus.Index) []*corpus.ClassRecord {
	var out []*corpus.ClassRecord
	for c := range ix.All() {
		if m.Match(c) {
			out = append(out, c)
		}
	}
	return out
}

// Evaluations counts class predicate evaluations.
func (m *ClassMatcher) Evaluations() int64 {
	return m.evals.Load()
}

func (m *ClassMatcher) String() string {
	var sb strings.Builder
	sb.WriteString(m.pred.Name)
	for _, nf := range m.fields {
		fmt.Fprintf(&sb, "; field %s (%s)", nf.id, nf.m)
	}
	for _, nm := range m.methods {
		fmt.Fprintf(&sb, "; method %s (%s)", nm.id, nm.m)
	}
	return sb.String()
}
