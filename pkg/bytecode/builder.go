package bytecode

import (
	"fmt"
	"math"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// Builder appends instructions for one method. Typed helpers pick opcodes
// from descriptors so callers rarely spell opcodes out.
type Builder struct {
	Method Method

	body  *Body
	desc  *classfile.MethodDescriptor
	insns []*Instruction
	err   error
}

// NewBuilder returns a builder for code that will be placed in body, which
// belongs to method m. Labels are allocated from body.
func NewBuilder(body *Body, m Method) *Builder {
	b := &Builder{Method: m, body: body}
	b.desc, b.err = classfile.ParseMethodDescriptor(m.Descriptor)
	return b
}

// Instructions returns what has been built so far.
func (b *Builder) Instructions() []*Instruction {
	return b.insns
}

// Err returns the first error recorded by a helper.
func (b *Builder) Err() error {
	return b.err
}

// Static reports whether the method being built is static.
func (b *Builder) Static() bool {
	return b.Method.Access&classfile.AccStatic != 0
}

// Descriptor returns the parsed descriptor of the method being built.
func (b *Builder) Descriptor() *classfile.MethodDescriptor {
	return b.desc
}

func (b *Builder) fail(format string, args ...any) *Builder {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return b
}

// Errorf records an error for Build to return. Only the first one is kept.
func (b *Builder) Errorf(format string, args ...any) *Builder {
	return b.fail(format, args...)
}

// Add appends raw instructions.
func (b *Builder) Add(insns ...*Instruction) *Builder {
	b.insns = append(b.insns, insns...)
	return b
}

// Insn appends an operand-less instruction.
func (b *Builder) Insn(op Opcode) *Builder {
	return b.Add(Insn(op))
}

// NewLabel allocates a label from the target body.
func (b *Builder) NewLabel() *Label {
	return b.body.NewLabel()
}

// Mark places l at the current position.
func (b *Builder) Mark(l *Label) *Builder {
	return b.Add(LabelInsn(l))
}

// Jump appends a branch to l.
func (b *Builder) Jump(op Opcode, l *Label) *Builder {
	return b.Add(JumpInsn(op, l))
}

// Line appends a source line marker.
func (b *Builder) Line(n int) *Builder {
	return b.Add(LineInsn(n))
}

// PushInt pushes v with the shortest encoding.
func (b *Builder) PushInt(v int32) *Builder {
	switch {
	case v >= -1 && v <= 5:
		return b.Insn(ICONST_0 + Opcode(v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return b.Add(IntInsn(BIPUSH, v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return b.Add(IntInsn(SIPUSH, v))
	}
	return b.Add(LdcInsn(v))
}

// PushLong pushes v.
func (b *Builder) PushLong(v int64) *Builder {
	if v == 0 || v == 1 {
		return b.Insn(LCONST_0 + Opcode(v))
	}
	return b.Add(LdcInsn(v))
}

// PushFloat pushes v.
func (b *Builder) PushFloat(v float32) *Builder {
	if (v == 0 && !math.Signbit(float64(v))) || v == 1 || v == 2 {
		return b.Insn(FCONST_0 + Opcode(v))
	}
	return b.Add(LdcInsn(v))
}

// PushDouble pushes v.
func (b *Builder) PushDouble(v float64) *Builder {
	if (v == 0 && !math.Signbit(v)) || v == 1 {
		return b.Insn(DCONST_0 + Opcode(v))
	}
	return b.Add(LdcInsn(v))
}

// PushString pushes a string literal.
func (b *Builder) PushString(s string) *Builder {
	return b.Add(LdcInsn(s))
}

// PushNull pushes null.
func (b *Builder) PushNull() *Builder {
	return b.Insn(ACONST_NULL)
}

// PushConst pushes a Go value as the JVM value of type desc. An empty desc
// infers the type from v.
func (b *Builder) PushConst(desc string, v any) *Builder {
	if v == nil {
		if desc != "" && !classfile.IsReference(desc) {
			return b.fail("cannot push null as %s", desc)
		}
		return b.PushNull()
	}
	if desc == "" {
		desc = ConstDescriptor(v)
	}
	c, err := ConvertConst(desc, v)
	if err != nil {
		return b.fail("%v", err)
	}
	switch c := c.(type) {
	case int32:
		return b.PushInt(c)
	case int64:
		return b.PushLong(c)
	case float32:
		return b.PushFloat(c)
	case float64:
		return b.PushDouble(c)
	case string:
		return b.PushString(c)
	}
	return b.Add(LdcInsn(c))
}

// ConstDescriptor is the natural field descriptor of a Go constant.
func ConstDescriptor(v any) string {
	switch v.(type) {
	case bool:
		return "Z"
	case int8:
		return "B"
	case int16:
		return "S"
	case uint16:
		return "C"
	case int32, int, uint8:
		return "I"
	case int64:
		return "J"
	case float32:
		return "F"
	case float64:
		return "D"
	case string:
		return "Ljava/lang/String;"
	case classfile.ClassRef:
		return "Ljava/lang/Class;"
	}
	return "Ljava/lang/Object;"
}

// ConvertConst coerces v into the ldc representation of type desc.
func ConvertConst(desc string, v any) (any, error) {
	switch desc {
	case "Z":
		if bv, ok := v.(bool); ok {
			if bv {
				return int32(1), nil
			}
			return int32(0), nil
		}
		fallthrough
	case "B", "C", "S", "I":
		if n, ok := integer(v); ok {
			r := intRanges[desc]
			if n < r[0] || n > r[1] {
				return nil, fmt.Errorf("%T %v out of range for %s", v, v, desc)
			}
			return int32(n), nil
		}
	case "J":
		if n, ok := integer(v); ok {
			return n, nil
		}
	case "F":
		switch n := v.(type) {
		case float32:
			return n, nil
		case float64:
			return float32(n), nil
		case int:
			return float32(n), nil
		}
	case "D":
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
	case "Ljava/lang/String;", "Ljava/lang/Object;", "Ljava/lang/CharSequence;":
		if s, ok := v.(string); ok {
			return s, nil
		}
	case "Ljava/lang/Class;":
		if c, ok := v.(classfile.ClassRef); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("cannot use %T %v as %s", v, v, desc)
}

var intRanges = map[string][2]int64{
	"Z": {math.MinInt32, math.MaxInt32},
	"B": {math.MinInt8, math.MaxInt8},
	"C": {0, math.MaxUint16},
	"S": {math.MinInt16, math.MaxInt16},
	"I": {math.MinInt32, math.MaxInt32},
}

// integer widens any Go integer to int64. Unsigned values above
// math.MaxInt64 are not integers for this purpose.
func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	}
	return 0, false
}

// DefaultValue pushes the zero value of desc.
func (b *Builder) DefaultValue(desc string) *Builder {
	switch desc {
	case "V":
		return b
	case "Z", "B", "C", "S", "I":
		return b.Insn(ICONST_0)
	case "J":
		return b.Insn(LCONST_0)
	case "F":
		return b.Insn(FCONST_0)
	case "D":
		return b.Insn(DCONST_0)
	}
	return b.PushNull()
}

// Load pushes local v of type desc.
func (b *Builder) Load(desc string, v int) *Builder {
	return b.Add(VarInsn(LoadOpcode(desc), v))
}

// Store pops into local v of type desc.
func (b *Builder) Store(desc string, v int) *Builder {
	return b.Add(VarInsn(StoreOpcode(desc), v))
}

// LoadThis pushes the receiver.
func (b *Builder) LoadThis() *Builder {
	if b.Static() {
		return b.fail("%s.%s is static and has no receiver", b.Method.Owner, b.Method.Name)
	}
	return b.Load("L"+b.Method.Owner+";", 0)
}

// LoadArg pushes argument i (zero based, receiver excluded).
func (b *Builder) LoadArg(i int) *Builder {
	if b.desc == nil || i < 0 || i >= len(b.desc.Args) {
		return b.fail("argument %d out of range", i)
	}
	return b.Load(b.desc.Args[i], b.desc.ArgSlot(i, b.Static()))
}

// LoadArgs pushes every argument in order.
func (b *Builder) LoadArgs() *Builder {
	if b.desc == nil {
		return b
	}
	for i := range b.desc.Args {
		b.LoadArg(i)
	}
	return b
}

// Pop discards a value of type desc.
func (b *Builder) Pop(desc string) *Builder {
	switch classfile.SlotSize(desc) {
	case 0:
		return b
	case 2:
		return b.Insn(POP2)
	}
	return b.Insn(POP)
}

// Return returns from the method being built; a value of its return type
// must be on the stack.
func (b *Builder) Return() *Builder {
	if b.desc == nil {
		return b
	}
	return b.Insn(ReturnOpcode(b.desc.Return))
}

// ReturnDefault returns the zero value of the method's return type.
func (b *Builder) ReturnDefault() *Builder {
	if b.desc == nil {
		return b
	}
	return b.DefaultValue(b.desc.Return).Return()
}

// ReturnValue returns v converted to the method's return type.
func (b *Builder) ReturnValue(v any) *Builder {
	if b.desc == nil {
		return b
	}
	return b.PushConst(b.desc.Return, v).Return()
}

func (b *Builder) InvokeStatic(owner, name, desc string) *Builder {
	return b.Add(MethodInsn(INVOKESTATIC, owner, name, desc, false))
}

func (b *Builder) InvokeVirtual(owner, name, desc string) *Builder {
	return b.Add(MethodInsn(INVOKEVIRTUAL, owner, name, desc, false))
}

func (b *Builder) InvokeSpecial(owner, name, desc string) *Builder {
	return b.Add(MethodInsn(INVOKESPECIAL, owner, name, desc, false))
}

func (b *Builder) InvokeInterface(owner, name, desc string) *Builder {
	return b.Add(MethodInsn(INVOKEINTERFACE, owner, name, desc, true))
}

func (b *Builder) GetField(owner, name, desc string) *Builder {
	return b.Add(FieldInsn(GETFIELD, owner, name, desc))
}

func (b *Builder) PutField(owner, name, desc string) *Builder {
	return b.Add(FieldInsn(PUTFIELD, owner, name, desc))
}

func (b *Builder) GetStatic(owner, name, desc string) *Builder {
	return b.Add(FieldInsn(GETSTATIC, owner, name, desc))
}

func (b *Builder) PutStatic(owner, name, desc string) *Builder {
	return b.Add(FieldInsn(PUTSTATIC, owner, name, desc))
}

// New allocates an instance of class and runs its no-arg constructor.
func (b *Builder) New(class string) *Builder {
	return b.Add(TypeInsn(NEW, class), Insn(DUP), MethodInsn(INVOKESPECIAL, class, "<init>", "()V", false))
}

func (b *Builder) CheckCast(class string) *Builder {
	return b.Add(TypeInsn(CHECKCAST, class))
}

func (b *Builder) InstanceOf(class string) *Builder {
	return b.Add(TypeInsn(INSTANCEOF, class))
}

// Build stores the built instructions as the code of the body passed to
// NewBuilder and returns it.
func (b *Builder) Build() (*Body, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.body.Instructions = b.insns
	return b.body, nil
}
