package match

import (
	"fmt"
	"slices"
	"strings"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
)

func MethodNamed(name string) MethodPredicate {
	return New("name "+name, CostName, func(m *corpus.MethodRecord) bool { return m.Name == name })
}

// Descriptor matches the full method descriptor.
func Descriptor(desc string) MethodPredicate {
	return New("descriptor "+desc, CostName, func(m *corpus.MethodRecord) bool { return m.Descriptor == desc })
}

func ArgCount(n int) MethodPredicate {
	return New(fmt.Sprintf("%d args", n), CostName, func(m *corpus.MethodRecord) bool { return len(m.Args) == n })
}

// ArgAt matches methods whose argument i has field descriptor desc.
func ArgAt(i int, desc string) MethodPredicate {
	return New(fmt.Sprintf("arg %d %s", i, desc), CostName, func(m *corpus.MethodRecord) bool {
		return i >= 0 && i < len(m.Args) && m.Args[i] == desc
	})
}

// ArgTypes matches the exact ordered argument list.
func ArgTypes(descs ...string) MethodPredicate {
	return New("args ("+strings.Join(descs, "")+")", CostName, func(m *corpus.MethodRecord) bool {
		return slices.Equal(m.Args, descs)
	})
}

func Returns(desc string) MethodPredicate {
	return New("returns "+desc, CostName, func(m *corpus.MethodRecord) bool { return m.Return == desc })
}

func IsConstructor() MethodPredicate {
	return New("constructor", CostName, (*corpus.MethodRecord).IsConstructor)
}

func IsStaticInit() MethodPredicate {
	return New("static initializer", CostName, (*corpus.MethodRecord).IsStaticInit)
}

// MethodAccess matches methods with every bit of flags set.
func MethodAccess(flags uint16) MethodPredicate {
	return New(fmt.Sprintf("access %#04x", flags), CostFlags, func(m *corpus.MethodRecord) bool { return m.Is(flags) })
}

func MethodAccessClear(flags uint16) MethodPredicate {
	return New(fmt.Sprintf("access clear %#04x", flags), CostFlags, func(m *corpus.MethodRecord) bool { return m.Access&flags == 0 })
}

// UsesConstant matches methods whose body pushes the literal v.
func UsesConstant(v any) MethodPredicate {
	v = normalizeConst(v)
	return New("uses constant "+quote(v), CostBody, func(m *corpus.MethodRecord) bool { return m.UsesConstant(v) })
}

// UsesString matches methods loading the exact string s.
func UsesString(s string) MethodPredicate {
	return New("uses string "+quote(s), CostBody, func(m *corpus.MethodRecord) bool { return m.UsesConstant(s) })
}

// UsesStringContaining matches methods loading a string containing substr.
func UsesStringContaining(substr string) MethodPredicate {
	return New("uses string containing "+quote(substr), CostBody, func(m *corpus.MethodRecord) bool {
		return slices.ContainsFunc(m.Strings(), func(s string) bool { return strings.Contains(s, substr) })
	})
}

// Calls matches methods invoking a method whose reference satisfies every
// ref predicate.
func Calls(preds ...RefPredicate) MethodPredicate {
	p := All(preds...)
	return New("calls ("+p.Name+")", CostBody+p.Cost, func(m *corpus.MethodRecord) bool {
		return slices.ContainsFunc(m.Calls(), p.Fn)
	})
}

// ReadsField matches methods with a getfield or getstatic satisfying preds.
func ReadsField(preds ...RefPredicate) MethodPredicate {
	return fieldAccess("reads", false, preds)
}

// WritesField matches methods with a putfield or putstatic satisfying preds.
func WritesField(preds ...RefPredicate) MethodPredicate {
	return fieldAccess("writes", true, preds)
}

func fieldAccess(verb string, write bool, preds []RefPredicate) MethodPredicate {
	p := All(preds...)
	return New(verb+" field ("+p.Name+")", CostBody+p.Cost, func(m *corpus.MethodRecord) bool {
		return slices.ContainsFunc(m.FieldRefs(), func(a corpus.FieldAccess) bool {
			return a.Write() == write && p.Fn(a.Ref)
		})
	})
}

// References matches methods calling or accessing a member satisfying preds.
func References(preds ...RefPredicate) MethodPredicate {
	p := All(preds...)
	return New("references ("+p.Name+")", CostBody+p.Cost, func(m *corpus.MethodRecord) bool {
		if slices.ContainsFunc(m.Calls(), p.Fn) {
			return true
		}
		return slices.ContainsFunc(m.FieldRefs(), func(a corpus.FieldAccess) bool { return p.Fn(a.Ref) })
	})
}

// HasInstruction matches methods with at least one instruction im accepts.
func HasInstruction(im *bytecode.InstructionMatcher) MethodPredicate {
	return New("has instruction "+im.String(), CostBody, func(m *corpus.MethodRecord) bool {
		body, err := m.Body()
		return err == nil && len(im.MatchBody(body)) > 0
	})
}

// OpcodeHash matches methods whose opcode shape hashes to h.
func OpcodeHash(h uint32) MethodPredicate {
	return New(fmt.Sprintf("opcode hash %#08x", h), CostBody, func(m *corpus.MethodRecord) bool {
		return m.HasCode() && m.OpcodeHash() == h
	})
}

// InClass matches methods whose owner satisfies preds.
func InClass(preds ...ClassPredicate) MethodPredicate {
	p := All(preds...)
	return New("in class ("+p.Name+")", p.Cost, func(m *corpus.MethodRecord) bool { return p.Fn(m.Owner) })
}

// MethodSpec is the signature shape accepted by DeclaresMethod. Zero fields
// match anything; ArgCount is ignored when nil.
type MethodSpec struct {
	Name     string
	ArgCount *int
	Args     []string
	Return   string
	Access   uint16
}

// Predicates returns the predicates the MethodSpec describes.
func (s MethodSpec) Predicates() []MethodPredicate {
	var preds []MethodPredicate
	if s.Name != "" {
		preds = append(preds, MethodNamed(s.Name))
	}
	if s.ArgCount != nil {
		preds = append(preds, ArgCount(*s.ArgCount))
	}
	if s.Args != nil {
		preds = append(preds, ArgTypes(s.Args...))
	}
	if s.Return != "" {
		preds = append(preds, Returns(s.Return))
	}
	if s.Access != 0 {
		preds = append(preds, MethodAccess(s.Access))
	}
	return preds
}

func FieldNamed(name string) FieldPredicate {
	return New("name "+name, CostName, func(f *corpus.FieldRecord) bool { return f.Name == name })
}

// FieldType matches the field descriptor.
func FieldType(desc string) FieldPredicate {
	return New("type "+desc, CostName, func(f *corpus.FieldRecord) bool { return f.Descriptor == desc })
}

// FieldAccess matches fields with every bit of flags set.
func FieldAccess(flags uint16) FieldPredicate {
	return New(fmt.Sprintf("access %#04x", flags), CostFlags, func(f *corpus.FieldRecord) bool { return f.Is(flags) })
}

func FieldAccessClear(flags uint16) FieldPredicate {
	return New(fmt.Sprintf("access clear %#04x", flags), CostFlags, func(f *corpus.FieldRecord) bool { return f.Access&flags == 0 })
}

func RefNamed(name string) RefPredicate {
	return New("name "+name, CostName, func(r classfile.MemberRef) bool { return r.Name == name })
}

func RefOwner(owner string) RefPredicate {
	return New("owner "+owner, CostName, func(r classfile.MemberRef) bool { return r.Owner == owner })
}

func RefDescriptor(desc string) RefPredicate {
	return New("descriptor "+desc, CostName, func(r classfile.MemberRef) bool { return r.Descriptor == desc })
}

// RefReturns matches method references by return type.
func RefReturns(desc string) RefPredicate {
	return New("returns "+desc, CostName, func(r classfile.MemberRef) bool {
		i := strings.LastIndexByte(r.Descriptor, ')')
		return i >= 0 && r.Descriptor[i+1:] == desc
	})
}

func RefIsConstructor() RefPredicate {
	return New("constructor", CostName, func(r classfile.MemberRef) bool { return r.Name == "<init>" })
}

// RefFieldType matches field references by field descriptor.
func RefFieldType(desc string) RefPredicate {
	return New("type "+desc, CostName, func(r classfile.MemberRef) bool { return r.Descriptor == desc })
}

// RefTo matches a reference to a specific method or field record.
func RefTo(owner, name, desc string) RefPredicate {
	return All(RefOwner(owner), RefNamed(name), RefDescriptor(desc))
}
