package signature

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cast"

	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/engine"
	"github.com/blacktop/jpatch/pkg/match"
	"github.com/blacktop/jpatch/pkg/rewrite"
)

// Register declares every feature of sigs on e.
func Register(e *engine.Engine, sigs ...*Signatures) error {
	for _, s := range sigs {
		for _, f := range s.Features {
			if err := e.Feature(f.Name, f.Optional, declare(e.Index, f)); err != nil {
				return err
			}
		}
	}
	return nil
}

func declare(ix *corpus.Index, f Feature) func(*engine.Declarer) error {
	return func(d *engine.Declarer) error {
		var errs []error
		for _, c := range f.Classes {
			if err := declareClass(d, ix, c); err != nil {
				errs = append(errs, fmt.Errorf("class %s: %w", c.ID, err))
			}
		}
		return errors.Join(errs...)
	}
}

func declareClass(d *engine.Declarer, ix *corpus.Index, c Class) error {
	primary, err := classMatcher(ix, c.Match)
	if err != nil {
		return err
	}
	var cf *engine.ClassFinder
	if len(c.Fallbacks) == 0 {
		cf = d.FindClass(c.ID, primary)
	} else {
		ms := []*match.ClassMatcher{primary}
		for _, fb := range c.Fallbacks {
			m, err := classMatcher(ix, fb)
			if err != nil {
				return err
			}
			ms = append(ms, m)
		}
		cf = d.FindClassFallbacks(c.ID, ms...)
	}

	for _, m := range c.Methods {
		preds, err := methodPredicates(m.Match)
		if err != nil {
			return fmt.Errorf("method %s: %w", m.ID, err)
		}
		edits := make([]rewrite.Edit, 0, len(m.Edits))
		for _, e := range m.Edits {
			edit, err := e.edit()
			if err != nil {
				return fmt.Errorf("method %s: %w", m.ID, err)
			}
			edits = append(edits, edit)
		}
		mf := cf.Method(m.ID, match.Method(preds...))
		if len(edits) > 0 {
			mf.Transform(edits...)
		}
	}
	for _, r := range c.Constants {
		from, err := r.From.value()
		if err != nil {
			return err
		}
		to, err := r.To.value()
		if err != nil {
			return err
		}
		cf.ConstantReplacement(from, to)
	}
	return nil
}

// flag picks on or off for a tri-state access switch.
func flag[T any](set *bool, on, off match.Predicate[T]) []match.Predicate[T] {
	switch {
	case set == nil:
		return nil
	case *set:
		return []match.Predicate[T]{on}
	}
	return []match.Predicate[T]{off}
}

func classMatcher(ix *corpus.Index, cm ClassMatch) (*match.ClassMatcher, error) {
	var preds []match.ClassPredicate
	if cm.Name != "" {
		preds = append(preds, match.Named(cm.Name))
	}
	if cm.Prefix != "" {
		preds = append(preds, match.NamePrefix(cm.Prefix))
	}
	if cm.Suffix != "" {
		preds = append(preds, match.NameSuffix(cm.Suffix))
	}
	if cm.Package != "" {
		preds = append(preds, match.InPackage(cm.Package))
	}
	if cm.Extends != "" {
		preds = append(preds, match.Extends(cm.Extends))
	}
	if cm.ExtendsChain != "" {
		preds = append(preds, match.ExtendsChain(ix, cm.ExtendsChain))
	}
	for _, iface := range cm.Implements {
		preds = append(preds, match.Implements(iface))
	}
	preds = append(preds, flag(cm.Interface, match.IsInterface(), match.AccessClear(classfile.AccInterface))...)
	preds = append(preds, flag(cm.Abstract, match.IsAbstract(), match.AccessClear(classfile.AccAbstract))...)
	preds = append(preds, flag(cm.Enum, match.IsEnum(), match.AccessClear(classfile.AccEnum))...)
	for _, s := range cm.Strings {
		preds = append(preds, match.HasString(s))
	}
	for _, s := range cm.StringsContaining {
		preds = append(preds, match.HasStringContaining(s))
	}
	for _, l := range cm.Constants {
		v, err := l.value()
		if err != nil {
			return nil, err
		}
		preds = append(preds, match.HasConstant(v))
	}
	if cm.MethodCount != nil {
		preds = append(preds, match.MethodCount(*cm.MethodCount))
	}
	if cm.FieldCount != nil {
		preds = append(preds, match.FieldCount(*cm.FieldCount))
	}
	for _, mm := range cm.Methods {
		mp, err := methodPredicates(mm)
		if err != nil {
			return nil, err
		}
		preds = append(preds, match.DeclaresMethod(mp...))
	}
	for _, fm := range cm.Fields {
		preds = append(preds, match.DeclaresField(fieldPredicates(fm)...))
	}
	if len(preds) == 0 {
		return nil, errors.New("empty class match")
	}
	return match.Class(preds...), nil
}

func methodPredicates(mm MethodMatch) ([]match.MethodPredicate, error) {
	var preds []match.MethodPredicate
	if mm.Name != "" {
		preds = append(preds, match.MethodNamed(mm.Name))
	}
	if mm.Descriptor != "" {
		preds = append(preds, match.Descriptor(mm.Descriptor))
	}
	if mm.Args != nil {
		preds = append(preds, match.ArgTypes(mm.Args...))
	}
	if mm.ArgCount != nil {
		preds = append(preds, match.ArgCount(*mm.ArgCount))
	}
	if mm.Returns != "" {
		preds = append(preds, match.Returns(mm.Returns))
	}
	preds = append(preds, flag(mm.Static, match.MethodAccess(classfile.AccStatic), match.MethodAccessClear(classfile.AccStatic))...)
	if mm.Constructor {
		preds = append(preds, match.IsConstructor())
	}
	for _, s := range mm.Strings {
		preds = append(preds, match.UsesString(s))
	}
	for _, s := range mm.StringsContaining {
		preds = append(preds, match.UsesStringContaining(s))
	}
	for _, l := range mm.Constants {
		v, err := l.value()
		if err != nil {
			return nil, err
		}
		preds = append(preds, match.UsesConstant(v))
	}
	for _, r := range mm.Calls {
		preds = append(preds, match.Calls(r.predicates()...))
	}
	for _, r := range mm.Reads {
		preds = append(preds, match.ReadsField(r.predicates()...))
	}
	for _, r := range mm.Writes {
		preds = append(preds, match.WritesField(r.predicates()...))
	}
	if mm.Hash != "" {
		h, err := strconv.ParseUint(mm.Hash, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad opcode hash %q: %w", mm.Hash, err)
		}
		preds = append(preds, match.OpcodeHash(uint32(h)))
	}
	return preds, nil
}

func fieldPredicates(fm FieldMatch) []match.FieldPredicate {
	var preds []match.FieldPredicate
	if fm.Name != "" {
		preds = append(preds, match.FieldNamed(fm.Name))
	}
	if fm.Type != "" {
		preds = append(preds, match.FieldType(fm.Type))
	}
	return append(preds, flag(fm.Static, match.FieldAccess(classfile.AccStatic), match.FieldAccessClear(classfile.AccStatic))...)
}

func (r Ref) predicates() []match.RefPredicate {
	var preds []match.RefPredicate
	if r.Owner != "" {
		preds = append(preds, match.RefOwner(r.Owner))
	}
	if r.Name != "" {
		preds = append(preds, match.RefNamed(r.Name))
	}
	if r.Descriptor != "" {
		preds = append(preds, match.RefDescriptor(r.Descriptor))
	}
	return preds
}

// value converts the literal to the Go type the rewriter uses for its
// JVM type. Untyped whole numbers become int when they fit 32 bits.
func (l Literal) value() (any, error) {
	if l.Value == nil {
		return nil, errors.New("literal without a value")
	}
	switch l.Type {
	case "":
		switch v := l.Value.(type) {
		case string, bool:
			return v, nil
		case float32, float64:
			f := cast.ToFloat64(v)
			if f != math.Trunc(f) {
				return f, nil
			}
			if f >= math.MinInt32 && f <= math.MaxInt32 {
				return int32(f), nil
			}
			return int64(f), nil
		}
		n, err := cast.ToInt64E(l.Value)
		if err != nil {
			return nil, err
		}
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n), nil
		}
		return n, nil
	case "I", "S", "B", "C":
		return cast.ToInt32E(l.Value)
	case "J":
		return cast.ToInt64E(l.Value)
	case "F":
		return cast.ToFloat32E(l.Value)
	case "D":
		return cast.ToFloat64E(l.Value)
	case "Z":
		return cast.ToBoolE(l.Value)
	case "Ljava/lang/String;":
		return cast.ToStringE(l.Value)
	}
	return nil, fmt.Errorf("unsupported literal type %q", l.Type)
}

func (e Edit) options() rewrite.Options {
	return rewrite.Options{Optional: e.Optional, Occurrence: e.Occurrence}
}

func (e Edit) edit() (rewrite.Edit, error) {
	switch e.Op {
	case "replace_constant":
		if e.From == nil || e.To == nil {
			return nil, errors.New("replace_constant needs from and to")
		}
		from, err := e.From.value()
		if err != nil {
			return nil, err
		}
		to, err := e.To.value()
		if err != nil {
			return nil, err
		}
		return rewrite.ReplaceConstant(from, to, e.options()), nil
	case "replace_string":
		if e.Old == "" {
			return nil, errors.New("replace_string needs old")
		}
		return rewrite.ReplaceString(e.Old, e.With, e.options()), nil
	case "fixed_value":
		if e.Value == nil {
			return nil, errors.New("fixed_value needs value")
		}
		v, err := e.Value.value()
		if err != nil {
			return nil, err
		}
		return rewrite.FixedValue(v), nil
	case "stub":
		return rewrite.Stub(), nil
	case "replace_call":
		if e.Call == nil {
			return nil, errors.New("replace_call needs call")
		}
		preds := e.Call.predicates()
		if len(preds) == 0 {
			return nil, errors.New("replace_call needs a non-empty call")
		}
		var with rewrite.SiteCode
		if e.Value != nil {
			v, err := e.Value.value()
			if err != nil {
				return nil, err
			}
			with = rewrite.Discard(v)
		}
		return rewrite.ReplaceCall(rewrite.Call(preds...), with, e.options()), nil
	}
	return nil, fmt.Errorf("unknown edit op %q", e.Op)
}
