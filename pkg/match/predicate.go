// Package match provides composable predicates over indexed classes,
// methods and fields.
//
// Predicates only combine with AND. A matcher describes one shape; there is
// no OR so a matcher can never quietly accept two different things.
package match

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
)

// Relative evaluation costs. All runs cheaper predicates first.
const (
	CostName   = 1
	CostFlags  = 1
	CostPool   = 4
	CostMember = 8
	CostWalk   = 12
	CostBody   = 16
)

// Predicate is a named pure test.
type Predicate[T any] struct {
	Name string
	Cost int
	Fn   func(T) bool
}

// New returns a predicate.
func New[T any](name string, cost int, fn func(T) bool) Predicate[T] {
	return Predicate[T]{Name: name, Cost: cost, Fn: fn}
}

// Test evaluates the predicate.
func (p Predicate[T]) Test(v T) bool {
	return p.Fn(v)
}

func (p Predicate[T]) String() string {
	return p.Name
}

// All is the conjunction of preds. Evaluation order is by cost and stops
// at the first failure; an empty conjunction is true.
func All[T any](preds ...Predicate[T]) Predicate[T] {
	sorted := slices.Clone(preds)
	slices.SortStableFunc(sorted, func(a, b Predicate[T]) int { return cmp.Compare(a.Cost, b.Cost) })
	names := make([]string, len(sorted))
	cost := 0
	for i, p := range sorted {
		names[i] = p.Name
		cost += p.Cost
	}
	return Predicate[T]{
		Name: strings.Join(names, " && "),
		Cost: cost,
		Fn: func(v T) bool {
			for _, p := range sorted {
				if !p.Fn(v) {
					return false
				}
			}
			return true
		},
	}
}

type (
	ClassPredicate  = Predicate[*corpus.ClassRecord]
	MethodPredicate = Predicate[*corpus.MethodRecord]
	FieldPredicate  = Predicate[*corpus.FieldRecord]
	RefPredicate    = Predicate[classfile.MemberRef]
)

func quote(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}
