package match

import (
	"fmt"
	"strings"

	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
)

// Named matches the exact internal class name.
func Named(name string) ClassPredicate {
	return New("named "+name, CostName, func(c *corpus.ClassRecord) bool { return c.Name == name })
}

func NamePrefix(prefix string) ClassPredicate {
	return New("name prefix "+prefix, CostName, func(c *corpus.ClassRecord) bool { return strings.HasPrefix(c.Name, prefix) })
}

func NameSuffix(suffix string) ClassPredicate {
	return New("name suffix "+suffix, CostName, func(c *corpus.ClassRecord) bool { return strings.HasSuffix(c.Name, suffix) })
}

// InPackage matches classes directly inside pkg.
func InPackage(pkg string) ClassPredicate {
	return New("in package "+pkg, CostName, func(c *corpus.ClassRecord) bool { return classfile.PackageName(c.Name) == pkg })
}

// Extends matches the direct superclass only.
func Extends(super string) ClassPredicate {
	return New("extends "+super, CostName, func(c *corpus.ClassRecord) bool { return c.Super == super })
}

// Implements matches a direct superinterface only.
func Implements(iface string) ClassPredicate {
	return New("implements "+iface, CostName, func(c *corpus.ClassRecord) bool { return c.Implements(iface) })
}

// ExtendsChain walks the superclass chain through ix and matches when
// ancestor appears anywhere above the class. The walk stops at the first
// class missing from ix.
func ExtendsChain(ix *corpus.Index, ancestor string) ClassPredicate {
	return New("extends* "+ancestor, CostWalk, func(c *corpus.ClassRecord) bool {
		seen := map[string]bool{c.Name: true}
		for super := c.Super; super != ""; {
			if super == ancestor {
				return true
			}
			if seen[super] {
				return false
			}
			seen[super] = true
			next, ok := ix.Lookup(super)
			if !ok {
				return false
			}
			super = next.Super
		}
		return false
	})
}

func IsInterface() ClassPredicate {
	return New("interface", CostFlags, (*corpus.ClassRecord).IsInterface)
}

func IsEnum() ClassPredicate {
	return New("enum", CostFlags, (*corpus.ClassRecord).IsEnum)
}

func IsAbstract() ClassPredicate {
	return New("abstract", CostFlags, (*corpus.ClassRecord).IsAbstract)
}

// Access matches classes with every bit of flags set.
func Access(flags uint16) ClassPredicate {
	return New(fmt.Sprintf("access %#04x", flags), CostFlags, func(c *corpus.ClassRecord) bool { return c.Is(flags) })
}

// AccessClear matches classes with none of flags set.
func AccessClear(flags uint16) ClassPredicate {
	return New(fmt.Sprintf("access clear %#04x", flags), CostFlags, func(c *corpus.ClassRecord) bool { return c.Access&flags == 0 })
}

// HasConstant matches classes referencing the literal v exactly. Numeric
// and string constants never compare equal to each other.
func HasConstant(v any) ClassPredicate {
	v = normalizeConst(v)
	return New("has constant "+quote(v), CostPool, func(c *corpus.ClassRecord) bool { return c.HasConstant(v) })
}

// HasString matches classes with the exact string literal s.
func HasString(s string) ClassPredicate {
	return New("has string "+quote(s), CostPool, func(c *corpus.ClassRecord) bool { return c.HasConstant(s) })
}

// HasStringContaining matches classes with a string literal containing substr.
func HasStringContaining(substr string) ClassPredicate {
	return New("has string containing "+quote(substr), CostPool, func(c *corpus.ClassRecord) bool { return c.HasStringContaining(substr) })
}

// DeclaresMethod matches classes declaring at least one method satisfying
// every predicate.
func DeclaresMethod(preds ...MethodPredicate) ClassPredicate {
	p := All(preds...)
	return New("declares method ("+p.Name+")", CostMember+p.Cost, func(c *corpus.ClassRecord) bool {
		for _, m := range c.Methods {
			if p.Fn(m) {
				return true
			}
		}
		return false
	})
}

// DeclaresField matches classes declaring at least one field satisfying
// every predicate.
func DeclaresField(preds ...FieldPredicate) ClassPredicate {
	p := All(preds...)
	return New("declares field ("+p.Name+")", CostMember+p.Cost, func(c *corpus.ClassRecord) bool {
		for _, f := range c.Fields {
			if p.Fn(f) {
				return true
			}
		}
		return false
	})
}

// FieldCount matches classes declaring exactly n fields.
func FieldCount(n int) ClassPredicate {
	return New(fmt.Sprintf("%d fields", n), CostFlags, func(c *corpus.ClassRecord) bool { return len(c.Fields) == n })
}

// MethodCount matches classes declaring exactly n methods.
func MethodCount(n int) ClassPredicate {
	return New(fmt.Sprintf("%d methods", n), CostFlags, func(c *corpus.ClassRecord) bool { return len(c.Methods) == n })
}

// normalizeConst maps Go literals onto the types the constant pool uses.
func normalizeConst(v any) any {
	switch n := v.(type) {
	case int:
		return int32(n)
	case int8:
		return int32(n)
	case int16:
		return int32(n)
	case uint8:
		return int32(n)
	case uint16:
		return int32(n)
	case bool:
		if n {
			return int32(1)
		}
		return int32(0)
	}
	return v
}
