package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/hierarchy"
)

type builtinMethod struct {
	name   string
	desc   string
	static bool
	fn     NativeFunc
}

type builtinClass struct {
	super   string
	ifaces  []string
	access  uint16
	fields  []builtinField
	methods []builtinMethod
}

type builtinField struct {
	name, desc string
	static     bool
	value      func(l *Loader) (Value, error)
}

var builtins map[string]*builtinClass

func init() {
	builtins = map[string]*builtinClass{
		hierarchy.Root: {methods: objectMethods()},
		"java/lang/Class": {access: classfile.AccFinal, methods: []builtinMethod{
			{name: "getName", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
				return classfile.JavaName(mirrored(args[0]).Name), nil
			}},
			{name: "getSimpleName", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
				return classfile.SimpleName(mirrored(args[0]).Name), nil
			}},
		}},
		"java/lang/String": {
			access:  classfile.AccFinal,
			ifaces:  []string{"java/io/Serializable", "java/lang/Comparable", "java/lang/CharSequence"},
			methods: stringMethods(),
		},
		"java/lang/StringBuilder": {
			access:  classfile.AccFinal,
			ifaces:  []string{"java/io/Serializable", "java/lang/CharSequence"},
			methods: stringBuilderMethods(),
		},
		"java/lang/Math":   {access: classfile.AccFinal, methods: mathMethods()},
		"java/lang/Number": {access: classfile.AccAbstract, ifaces: []string{"java/io/Serializable"}},
		"java/lang/Integer": {
			super:  "java/lang/Number",
			access: classfile.AccFinal,
			ifaces: []string{"java/lang/Comparable"},
			fields: []builtinField{
				{name: "MAX_VALUE", desc: "I", static: true, value: constant(int32(math.MaxInt32))},
				{name: "MIN_VALUE", desc: "I", static: true, value: constant(int32(math.MinInt32))},
			},
			methods: integerMethods(),
		},
		"java/lang/System": {
			access: classfile.AccFinal,
			fields: []builtinField{
				{name: "out", desc: "Ljava/io/PrintStream;", static: true, value: func(l *Loader) (Value, error) {
					c, err := l.load("java/io/PrintStream", nil)
					if err != nil {
						return nil, err
					}
					return newObject(c), nil
				}},
			},
			methods: systemMethods(),
		},
		"java/io/PrintStream": {methods: printStreamMethods()},
	}
	for _, name := range []string{
		"java/io/Serializable", "java/lang/Comparable", "java/lang/CharSequence",
		"java/lang/Cloneable", "java/lang/Runnable",
	} {
		builtins[name] = &builtinClass{access: classfile.AccInterface | classfile.AccAbstract}
	}

	builtins["java/lang/Throwable"] = &builtinClass{
		ifaces:  []string{"java/io/Serializable"},
		methods: append(throwableConstructors(), throwableMethods()...),
	}
	for name, super := range map[string]string{
		"java/lang/Exception":                      "java/lang/Throwable",
		"java/lang/Error":                          "java/lang/Throwable",
		"java/lang/RuntimeException":               "java/lang/Exception",
		"java/io/IOException":                      "java/lang/Exception",
		"java/lang/IllegalArgumentException":       "java/lang/RuntimeException",
		"java/lang/IllegalStateException":          "java/lang/RuntimeException",
		"java/lang/NumberFormatException":          "java/lang/IllegalArgumentException",
		"java/lang/NullPointerException":           "java/lang/RuntimeException",
		"java/lang/ArithmeticException":            "java/lang/RuntimeException",
		"java/lang/ClassCastException":             "java/lang/RuntimeException",
		"java/lang/NegativeArraySizeException":     "java/lang/RuntimeException",
		"java/lang/UnsupportedOperationException":  "java/lang/RuntimeException",
		"java/lang/IndexOutOfBoundsException":      "java/lang/RuntimeException",
		"java/lang/ArrayIndexOutOfBoundsException": "java/lang/IndexOutOfBoundsException",
		"java/lang/LinkageError":                   "java/lang/Error",
		"java/lang/IncompatibleClassChangeError":   "java/lang/LinkageError",
		"java/lang/InstantiationError":             "java/lang/IncompatibleClassChangeError",
		"java/lang/AbstractMethodError":            "java/lang/IncompatibleClassChangeError",
		"java/lang/NoSuchMethodError":              "java/lang/IncompatibleClassChangeError",
		"java/lang/NoSuchFieldError":               "java/lang/IncompatibleClassChangeError",
		"java/lang/UnsatisfiedLinkError":           "java/lang/LinkageError",
		"java/lang/StackOverflowError":             "java/lang/Error",
	} {
		builtins[name] = &builtinClass{super: super, methods: throwableConstructors()}
	}
}

func constant(v Value) func(*Loader) (Value, error) {
	return func(*Loader) (Value, error) { return v, nil }
}

func (l *Loader) defineBuiltin(name string, b *builtinClass, chain []string) (*Class, error) {
	c := &Class{
		Name:    name,
		Access:  classfile.AccPublic | b.access,
		loader:  l,
		statics: make(map[string]Value),
		state:   initialized,
	}
	super := b.super
	if super == "" && name != hierarchy.Root {
		super = hierarchy.Root
	}
	if err := l.link(c, super, b.ifaces, chain); err != nil {
		return nil, err
	}
	for _, bm := range b.methods {
		md, err := classfile.ParseMethodDescriptor(bm.desc)
		if err != nil {
			return nil, fmt.Errorf("builtin %s.%s: %w", name, bm.name, err)
		}
		access := classfile.AccPublic | classfile.AccNative
		if bm.static {
			access |= classfile.AccStatic
		}
		c.methods = append(c.methods, &Method{
			Class:      c,
			Name:       bm.name,
			Descriptor: bm.desc,
			Access:     access,
			Args:       md.Args,
			Return:     md.Return,
			native:     bm.fn,
		})
	}
	// registered before static values so that a value may load its own type
	l.classes[name] = c
	for _, bf := range b.fields {
		access := classfile.AccPublic
		if bf.static {
			access |= classfile.AccStatic | classfile.AccFinal
		}
		c.fields = append(c.fields, &Field{Class: c, Name: bf.name, Descriptor: bf.desc, Access: access})
		if bf.value == nil {
			continue
		}
		v, err := bf.value(l)
		if err != nil {
			delete(l.classes, name)
			return nil, fmt.Errorf("builtin %s.%s: %w", name, bf.name, err)
		}
		c.statics[bf.name] = v
	}
	return c, nil
}

// Mirror returns the java.lang.Class object for c.
func (l *Loader) Mirror(c *Class) (*Object, error) {
	if m, ok := l.mirrors.Load(c); ok {
		return m.(*Object), nil
	}
	cc, err := l.LoadClass("java/lang/Class")
	if err != nil {
		return nil, err
	}
	obj := newObject(cc)
	obj.Native = c
	m, _ := l.mirrors.LoadOrStore(c, obj)
	return m.(*Object), nil
}

func mirrored(v Value) *Class {
	return v.(*Object).Native.(*Class)
}

// CallVirtual invokes name desc on recv with virtual dispatch.
func (l *Loader) CallVirtual(recv Value, name, desc string, args ...Value) (Value, error) {
	c, err := l.classOf(recv)
	if err != nil {
		return nil, err
	}
	return c.Invoke(recv, name, desc, args...)
}

// ToString renders v the way String.valueOf would.
func (l *Loader) ToString(v Value) (string, error) {
	switch v := v.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case *Object, *Array:
		s, err := l.CallVirtual(v, "toString", "()Ljava/lang/String;")
		if err != nil {
			return "", err
		}
		if s == nil {
			return "null", nil
		}
		return s.(string), nil
	}
	return formatPrimitive(v, ""), nil
}

// formatPrimitive renders a primitive; desc disambiguates char and boolean
// from int.
func formatPrimitive(v Value, desc string) string {
	switch v := v.(type) {
	case int32:
		switch desc {
		case "C":
			return string(utf16.Decode([]uint16{uint16(v)}))
		case "Z":
			return strconv.FormatBool(v != 0)
		}
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return formatFloat(float64(v), 32)
	case float64:
		return formatFloat(v, 64)
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	if abs := math.Abs(f); abs != 0 && (abs < 1e-3 || abs >= 1e7) {
		s := strconv.FormatFloat(f, 'E', -1, bits)
		mant, exp, _ := strings.Cut(s, "E")
		if !strings.Contains(mant, ".") {
			mant += ".0"
		}
		e, _ := strconv.Atoi(exp)
		return mant + "E" + strconv.Itoa(e)
	}
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func jbool(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func fromUnits(u []uint16) string {
	return string(utf16.Decode(u))
}

// StringHash is java.lang.String#hashCode.
func StringHash(s string) int32 {
	var h int32
	for _, u := range units(s) {
		h = 31*h + int32(u)
	}
	return h
}

func objectMethods() []builtinMethod {
	return []builtinMethod{
		{name: "<init>", desc: "()V", fn: func(*Loader, []Value) (Value, error) { return nil, nil }},
		{name: "hashCode", desc: "()I", fn: func(l *Loader, args []Value) (Value, error) {
			return identityHash(args[0]), nil
		}},
		{name: "equals", desc: "(Ljava/lang/Object;)Z", fn: func(l *Loader, args []Value) (Value, error) {
			return jbool(args[0] == args[1]), nil
		}},
		{name: "toString", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			c, err := l.classOf(args[0])
			if err != nil {
				return nil, err
			}
			return classfile.JavaName(c.Name) + "@" + strconv.FormatUint(uint64(uint32(identityHash(args[0]))), 16), nil
		}},
		{name: "getClass", desc: "()Ljava/lang/Class;", fn: func(l *Loader, args []Value) (Value, error) {
			c, err := l.classOf(args[0])
			if err != nil {
				return nil, err
			}
			return l.Mirror(c)
		}},
	}
}

func identityHash(v Value) int32 {
	switch v := v.(type) {
	case *Object:
		return v.hash
	case string:
		return StringHash(v)
	}
	return 0
}

func stringMethods() []builtinMethod {
	str := func(v Value) string { return v.(string) }
	return []builtinMethod{
		{name: "length", desc: "()I", fn: func(l *Loader, args []Value) (Value, error) {
			return int32(len(units(str(args[0])))), nil
		}},
		{name: "isEmpty", desc: "()Z", fn: func(l *Loader, args []Value) (Value, error) {
			return jbool(str(args[0]) == ""), nil
		}},
		{name: "charAt", desc: "(I)C", fn: func(l *Loader, args []Value) (Value, error) {
			u := units(str(args[0]))
			i := args[1].(int32)
			if i < 0 || int(i) >= len(u) {
				return nil, l.throw("java/lang/IndexOutOfBoundsException", fmt.Sprintf("Index %d out of bounds for length %d", i, len(u)))
			}
			return int32(u[i]), nil
		}},
		{name: "equals", desc: "(Ljava/lang/Object;)Z", fn: func(l *Loader, args []Value) (Value, error) {
			other, ok := args[1].(string)
			return jbool(ok && other == str(args[0])), nil
		}},
		{name: "hashCode", desc: "()I", fn: func(l *Loader, args []Value) (Value, error) {
			return StringHash(str(args[0])), nil
		}},
		{name: "toString", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return args[0], nil
		}},
		{name: "concat", desc: "(Ljava/lang/String;)Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			if args[1] == nil {
				return nil, l.throw("java/lang/NullPointerException", "")
			}
			return str(args[0]) + str(args[1]), nil
		}},
		{name: "contains", desc: "(Ljava/lang/CharSequence;)Z", fn: func(l *Loader, args []Value) (Value, error) {
			s, err := l.ToString(args[1])
			if err != nil {
				return nil, err
			}
			return jbool(strings.Contains(str(args[0]), s)), nil
		}},
		{name: "startsWith", desc: "(Ljava/lang/String;)Z", fn: func(l *Loader, args []Value) (Value, error) {
			return jbool(strings.HasPrefix(str(args[0]), str(args[1]))), nil
		}},
		{name: "endsWith", desc: "(Ljava/lang/String;)Z", fn: func(l *Loader, args []Value) (Value, error) {
			return jbool(strings.HasSuffix(str(args[0]), str(args[1]))), nil
		}},
		{name: "indexOf", desc: "(Ljava/lang/String;)I", fn: func(l *Loader, args []Value) (Value, error) {
			i := strings.Index(str(args[0]), str(args[1]))
			if i < 0 {
				return int32(-1), nil
			}
			return int32(len(units(str(args[0])[:i]))), nil
		}},
		{name: "substring", desc: "(II)Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			u := units(str(args[0]))
			from, to := args[1].(int32), args[2].(int32)
			if from < 0 || to > int32(len(u)) || from > to {
				return nil, l.throw("java/lang/IndexOutOfBoundsException", fmt.Sprintf("begin %d, end %d, length %d", from, to, len(u)))
			}
			return fromUnits(u[from:to]), nil
		}},
		{name: "toUpperCase", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return strings.ToUpper(str(args[0])), nil
		}},
		{name: "toLowerCase", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return strings.ToLower(str(args[0])), nil
		}},
		{name: "trim", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return strings.TrimFunc(str(args[0]), func(r rune) bool { return r <= ' ' }), nil
		}},
		{name: "valueOf", desc: "(I)Ljava/lang/String;", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return formatPrimitive(args[0], "I"), nil
		}},
		{name: "valueOf", desc: "(J)Ljava/lang/String;", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return formatPrimitive(args[0], "J"), nil
		}},
		{name: "valueOf", desc: "(Z)Ljava/lang/String;", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return formatPrimitive(args[0], "Z"), nil
		}},
		{name: "valueOf", desc: "(C)Ljava/lang/String;", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return formatPrimitive(args[0], "C"), nil
		}},
		{name: "valueOf", desc: "(Ljava/lang/Object;)Ljava/lang/String;", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return l.ToString(args[0])
		}},
	}
}

func builder(v Value) *strings.Builder {
	return v.(*Object).Native.(*strings.Builder)
}

func stringBuilderMethods() []builtinMethod {
	appendAs := func(desc string) builtinMethod {
		return builtinMethod{
			name: "append",
			desc: "(" + desc + ")Ljava/lang/StringBuilder;",
			fn: func(l *Loader, args []Value) (Value, error) {
				var s string
				if classfile.IsReference(desc) {
					var err error
					if s, err = l.ToString(args[1]); err != nil {
						return nil, err
					}
				} else {
					s = formatPrimitive(args[1], desc)
				}
				builder(args[0]).WriteString(s)
				return args[0], nil
			},
		}
	}
	methods := []builtinMethod{
		{name: "<init>", desc: "()V", fn: func(l *Loader, args []Value) (Value, error) {
			args[0].(*Object).Native = &strings.Builder{}
			return nil, nil
		}},
		{name: "<init>", desc: "(I)V", fn: func(l *Loader, args []Value) (Value, error) {
			sb := &strings.Builder{}
			if n := args[1].(int32); n > 0 {
				sb.Grow(int(n))
			}
			args[0].(*Object).Native = sb
			return nil, nil
		}},
		{name: "<init>", desc: "(Ljava/lang/String;)V", fn: func(l *Loader, args []Value) (Value, error) {
			if args[1] == nil {
				return nil, l.throw("java/lang/NullPointerException", "")
			}
			sb := &strings.Builder{}
			sb.WriteString(args[1].(string))
			args[0].(*Object).Native = sb
			return nil, nil
		}},
		{name: "toString", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return builder(args[0]).String(), nil
		}},
		{name: "length", desc: "()I", fn: func(l *Loader, args []Value) (Value, error) {
			return int32(len(units(builder(args[0]).String()))), nil
		}},
	}
	for _, desc := range []string{"Ljava/lang/String;", "Ljava/lang/Object;", "Ljava/lang/CharSequence;", "I", "J", "C", "Z", "F", "D"} {
		methods = append(methods, appendAs(desc))
	}
	return methods
}

func mathMethods() []builtinMethod {
	return []builtinMethod{
		{name: "max", desc: "(II)I", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return max(args[0].(int32), args[1].(int32)), nil
		}},
		{name: "min", desc: "(II)I", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return min(args[0].(int32), args[1].(int32)), nil
		}},
		{name: "max", desc: "(JJ)J", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return max(args[0].(int64), args[1].(int64)), nil
		}},
		{name: "min", desc: "(JJ)J", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return min(args[0].(int64), args[1].(int64)), nil
		}},
		{name: "abs", desc: "(I)I", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			if v := args[0].(int32); v < 0 {
				return -v, nil
			}
			return args[0], nil
		}},
		{name: "abs", desc: "(J)J", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			if v := args[0].(int64); v < 0 {
				return -v, nil
			}
			return args[0], nil
		}},
		{name: "abs", desc: "(D)D", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return math.Abs(args[0].(float64)), nil
		}},
		{name: "sqrt", desc: "(D)D", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return math.Sqrt(args[0].(float64)), nil
		}},
		{name: "pow", desc: "(DD)D", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return math.Pow(args[0].(float64), args[1].(float64)), nil
		}},
		{name: "floorMod", desc: "(II)I", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			x, y := args[0].(int32), args[1].(int32)
			if y == 0 {
				return nil, l.throw("java/lang/ArithmeticException", "/ by zero")
			}
			m := x % y
			if m != 0 && (m < 0) != (y < 0) {
				m += y
			}
			return m, nil
		}},
	}
}

func integerMethods() []builtinMethod {
	boxed := func(v Value) int32 { return v.(*Object).Native.(int32) }
	return []builtinMethod{
		{name: "<init>", desc: "(I)V", fn: func(l *Loader, args []Value) (Value, error) {
			args[0].(*Object).Native = args[1].(int32)
			return nil, nil
		}},
		{name: "valueOf", desc: "(I)Ljava/lang/Integer;", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return l.Box(args[0].(int32))
		}},
		{name: "intValue", desc: "()I", fn: func(l *Loader, args []Value) (Value, error) {
			return boxed(args[0]), nil
		}},
		{name: "longValue", desc: "()J", fn: func(l *Loader, args []Value) (Value, error) {
			return int64(boxed(args[0])), nil
		}},
		{name: "hashCode", desc: "()I", fn: func(l *Loader, args []Value) (Value, error) {
			return boxed(args[0]), nil
		}},
		{name: "equals", desc: "(Ljava/lang/Object;)Z", fn: func(l *Loader, args []Value) (Value, error) {
			o, ok := args[1].(*Object)
			if !ok || o.Class.Name != "java/lang/Integer" {
				return jbool(false), nil
			}
			return jbool(boxed(o) == boxed(args[0])), nil
		}},
		{name: "toString", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return strconv.Itoa(int(boxed(args[0]))), nil
		}},
		{name: "toString", desc: "(I)Ljava/lang/String;", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return strconv.Itoa(int(args[0].(int32))), nil
		}},
		{name: "parseInt", desc: "(Ljava/lang/String;)I", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			s, _ := args[0].(string)
			n, err := strconv.ParseInt(s, 10, 32)
			if err != nil {
				return nil, l.throw("java/lang/NumberFormatException", fmt.Sprintf("For input string: %q", s))
			}
			return int32(n), nil
		}},
	}
}

// Box returns a java.lang.Integer holding v.
func (l *Loader) Box(v int32) (*Object, error) {
	c, err := l.LoadClass("java/lang/Integer")
	if err != nil {
		return nil, err
	}
	obj := newObject(c)
	obj.Native = v
	return obj, nil
}

func systemMethods() []builtinMethod {
	return []builtinMethod{
		{name: "currentTimeMillis", desc: "()J", static: true, fn: func(*Loader, []Value) (Value, error) {
			return time.Now().UnixMilli(), nil
		}},
		{name: "nanoTime", desc: "()J", static: true, fn: func(*Loader, []Value) (Value, error) {
			return time.Now().UnixNano(), nil
		}},
		{name: "identityHashCode", desc: "(Ljava/lang/Object;)I", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			return identityHash(args[0]), nil
		}},
		{name: "arraycopy", desc: "(Ljava/lang/Object;ILjava/lang/Object;II)V", static: true, fn: func(l *Loader, args []Value) (Value, error) {
			src, ok1 := args[0].(*Array)
			dst, ok2 := args[2].(*Array)
			if args[0] == nil || args[2] == nil {
				return nil, l.throw("java/lang/NullPointerException", "")
			}
			if !ok1 || !ok2 {
				return nil, l.throw("java/lang/IllegalArgumentException", "arraycopy: argument type mismatch")
			}
			sp, dp, n := args[1].(int32), args[3].(int32), args[4].(int32)
			if sp < 0 || dp < 0 || n < 0 || int(sp+n) > len(src.Elems) || int(dp+n) > len(dst.Elems) {
				return nil, l.throw("java/lang/ArrayIndexOutOfBoundsException", "arraycopy: last source index out of bounds")
			}
			copy(dst.Elems[dp:dp+n], src.Elems[sp:sp+n])
			return nil, nil
		}},
	}
}

func printStreamMethods() []builtinMethod {
	printer := func(name, desc string, newline bool) builtinMethod {
		return builtinMethod{name: name, desc: "(" + desc + ")V", fn: func(l *Loader, args []Value) (Value, error) {
			var s string
			switch {
			case desc == "":
			case classfile.IsReference(desc):
				var err error
				if s, err = l.ToString(args[1]); err != nil {
					return nil, err
				}
			default:
				s = formatPrimitive(args[1], desc)
			}
			if newline {
				s += "\n"
			}
			_, err := fmt.Fprint(l.output(), s)
			return nil, err
		}}
	}
	methods := []builtinMethod{printer("println", "", true)}
	for _, desc := range []string{"Ljava/lang/String;", "Ljava/lang/Object;", "I", "J", "C", "Z", "F", "D"} {
		methods = append(methods, printer("println", desc, true), printer("print", desc, false))
	}
	return methods
}

func throwableConstructors() []builtinMethod {
	return []builtinMethod{
		{name: "<init>", desc: "()V", fn: func(*Loader, []Value) (Value, error) { return nil, nil }},
		{name: "<init>", desc: "(Ljava/lang/String;)V", fn: func(l *Loader, args []Value) (Value, error) {
			args[0].(*Object).SetField("message", args[1])
			return nil, nil
		}},
		{name: "<init>", desc: "(Ljava/lang/String;Ljava/lang/Throwable;)V", fn: func(l *Loader, args []Value) (Value, error) {
			obj := args[0].(*Object)
			obj.SetField("message", args[1])
			obj.SetField("cause", args[2])
			return nil, nil
		}},
		{name: "<init>", desc: "(Ljava/lang/Throwable;)V", fn: func(l *Loader, args []Value) (Value, error) {
			obj := args[0].(*Object)
			obj.SetField("cause", args[1])
			if args[1] != nil {
				msg, err := l.ToString(args[1])
				if err != nil {
					return nil, err
				}
				obj.SetField("message", msg)
			}
			return nil, nil
		}},
	}
}

func throwableMethods() []builtinMethod {
	return []builtinMethod{
		{name: "getMessage", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return args[0].(*Object).Field("message", "Ljava/lang/String;"), nil
		}},
		{name: "getCause", desc: "()Ljava/lang/Throwable;", fn: func(l *Loader, args []Value) (Value, error) {
			return args[0].(*Object).Field("cause", "Ljava/lang/Throwable;"), nil
		}},
		{name: "toString", desc: "()Ljava/lang/String;", fn: func(l *Loader, args []Value) (Value, error) {
			return (&Throw{Object: args[0].(*Object)}).Error(), nil
		}},
	}
}
