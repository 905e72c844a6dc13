// Package bytecode models method bodies as editable, pool-independent
// instruction lists and converts them to and from Code attributes.
package bytecode

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// Label is a position in an instruction list. It is placed with a LABEL
// pseudo-instruction and referenced by jumps, switches and try/catch ranges.
type Label struct {
	id int
}

func (l *Label) String() string {
	if l == nil {
		return "L?"
	}
	return "L" + strconv.Itoa(l.id)
}

// InvokeDynamic is an invokedynamic call site. Index is the constant pool
// entry of the call site; it is only valid against the owning class's pool.
type InvokeDynamic struct {
	Index      uint16
	Bootstrap  uint16
	Name       string
	Descriptor string
}

// Instruction is one symbolic instruction. Which operand fields are set
// depends on the opcode.
type Instruction struct {
	Op Opcode

	Var   int                  // load, store, iinc, ret
	Int   int32                // bipush, sipush, newarray type, iinc delta
	Ref   *classfile.MemberRef // field and method instructions
	Type  string               // new, anewarray, checkcast, instanceof, multianewarray; ldc pool refs carry their value descriptor
	Dims  uint8                // multianewarray
	Const any                  // ldc: int32, float32, int64, float64, string, classfile.ClassRef, classfile.MethodTypeRef, classfile.PoolRef
	Indy  *InvokeDynamic

	Target  *Label   // jumps
	Default *Label   // switches
	Low     int32    // tableswitch
	Keys    []int32  // lookupswitch
	Targets []*Label // switches

	Label *Label // LABEL
	Line  int    // LINE
	Frame *Frame // FRAME

	// Offset is the bytecode offset assigned by the last Decode or Encode.
	Offset int
}

// TryCatch is an exception handler covering [Start, End).
type TryCatch struct {
	Start   *Label
	End     *Label
	Handler *Label
	Type    string // empty catches everything
}

// Body is a method's editable code.
type Body struct {
	Instructions []*Instruction
	TryCatch     []TryCatch
	MaxStack     int
	MaxLocals    int

	labels int
}

// NewLabel allocates a label unique within b.
func (b *Body) NewLabel() *Label {
	b.labels++
	return &Label{id: b.labels}
}

// Real returns the number of non-pseudo instructions.
func (b *Body) Real() int {
	n := 0
	for _, in := range b.Instructions {
		if !in.Op.Pseudo() {
			n++
		}
	}
	return n
}

// Insert places insns before position i.
func (b *Body) Insert(i int, insns ...*Instruction) {
	b.Instructions = slices.Insert(b.Instructions, i, insns...)
}

// Replace swaps the instruction at i for insns.
func (b *Body) Replace(i int, insns ...*Instruction) {
	b.Instructions = slices.Replace(b.Instructions, i, i+1, insns...)
}

// Position returns the index of the LABEL instruction placing l, or -1.
func (b *Body) Position(l *Label) int {
	for i, in := range b.Instructions {
		if in.Op == LABEL && in.Label == l {
			return i
		}
	}
	return -1
}

// Clone deep-copies b with fresh labels so edits on the copy never leak.
func (b *Body) Clone() *Body {
	out := &Body{MaxStack: b.MaxStack, MaxLocals: b.MaxLocals, labels: b.labels}
	labels := make(map[*Label]*Label)
	relabel := func(l *Label) *Label {
		if l == nil {
			return nil
		}
		if n, ok := labels[l]; ok {
			return n
		}
		n := &Label{id: l.id}
		labels[l] = n
		return n
	}
	insns := make(map[*Instruction]*Instruction, len(b.Instructions))
	for _, in := range b.Instructions {
		cp := *in
		if in.Ref != nil {
			ref := *in.Ref
			cp.Ref = &ref
		}
		if in.Indy != nil {
			indy := *in.Indy
			cp.Indy = &indy
		}
		cp.Label = relabel(in.Label)
		cp.Target = relabel(in.Target)
		cp.Default = relabel(in.Default)
		cp.Keys = slices.Clone(in.Keys)
		if in.Targets != nil {
			cp.Targets = make([]*Label, len(in.Targets))
			for i, t := range in.Targets {
				cp.Targets[i] = relabel(t)
			}
		}
		insns[in] = &cp
		out.Instructions = append(out.Instructions, &cp)
	}
	// frames reference NEW instructions, remap them last
	for _, in := range out.Instructions {
		if in.Frame != nil {
			in.Frame = in.Frame.remap(insns)
		}
	}
	for _, tc := range b.TryCatch {
		out.TryCatch = append(out.TryCatch, TryCatch{
			Start:   relabel(tc.Start),
			End:     relabel(tc.End),
			Handler: relabel(tc.Handler),
			Type:    tc.Type,
		})
	}
	return out
}

// Insn returns an instruction without operands.
func Insn(op Opcode) *Instruction {
	return &Instruction{Op: op}
}

// VarInsn returns a local variable instruction.
func VarInsn(op Opcode, v int) *Instruction {
	return &Instruction{Op: op, Var: v}
}

// IntInsn returns bipush, sipush or newarray.
func IntInsn(op Opcode, v int32) *Instruction {
	return &Instruction{Op: op, Int: v}
}

// IincInsn returns iinc.
func IincInsn(v int, delta int32) *Instruction {
	return &Instruction{Op: IINC, Var: v, Int: delta}
}

// LdcInsn returns ldc for a loadable constant.
func LdcInsn(v any) *Instruction {
	return &Instruction{Op: LDC, Const: v}
}

// JumpInsn returns a branch to l.
func JumpInsn(op Opcode, l *Label) *Instruction {
	return &Instruction{Op: op, Target: l}
}

// LabelInsn places l.
func LabelInsn(l *Label) *Instruction {
	return &Instruction{Op: LABEL, Label: l}
}

// LineInsn records a source line.
func LineInsn(line int) *Instruction {
	return &Instruction{Op: LINE, Line: line}
}

// FieldInsn returns a field access instruction.
func FieldInsn(op Opcode, owner, name, desc string) *Instruction {
	return &Instruction{Op: op, Ref: &classfile.MemberRef{Owner: owner, Name: name, Descriptor: desc}}
}

// MethodInsn returns an invoke instruction.
func MethodInsn(op Opcode, owner, name, desc string, itf bool) *Instruction {
	return &Instruction{Op: op, Ref: &classfile.MemberRef{Owner: owner, Name: name, Descriptor: desc, Interface: itf || op == INVOKEINTERFACE}}
}

// TypeInsn returns new, anewarray, checkcast or instanceof.
func TypeInsn(op Opcode, typ string) *Instruction {
	return &Instruction{Op: op, Type: typ}
}

// MultiANewArrayInsn returns multianewarray.
func MultiANewArrayInsn(desc string, dims uint8) *Instruction {
	return &Instruction{Op: MULTIANEWARRAY, Type: desc, Dims: dims}
}

// TableSwitchInsn returns tableswitch covering [low, low+len(targets)).
func TableSwitchInsn(low int32, dflt *Label, targets ...*Label) *Instruction {
	return &Instruction{Op: TABLESWITCH, Low: low, Default: dflt, Targets: targets}
}

// LookupSwitchInsn returns lookupswitch; keys must be sorted.
func LookupSwitchInsn(dflt *Label, keys []int32, targets []*Label) *Instruction {
	return &Instruction{Op: LOOKUPSWITCH, Default: dflt, Keys: keys, Targets: targets}
}

func (in *Instruction) String() string {
	switch in.Op.kind() {
	case kindPseudo:
		switch in.Op {
		case LABEL:
			return in.Label.String() + ":"
		case LINE:
			return "line " + strconv.Itoa(in.Line)
		case FRAME:
			return "frame " + in.Frame.String()
		}
	case kindVar:
		return fmt.Sprintf("%s %d", in.Op, in.Var)
	case kindInt:
		if in.Op == NEWARRAY {
			return fmt.Sprintf("%s %s", in.Op, newarrayNames[in.Int])
		}
		return fmt.Sprintf("%s %d", in.Op, in.Int)
	case kindIinc:
		return fmt.Sprintf("%s %d %d", in.Op, in.Var, in.Int)
	case kindLdc:
		return fmt.Sprintf("%s %s", in.Op, FormatConst(in.Const))
	case kindJump:
		return fmt.Sprintf("%s %s", in.Op, in.Target)
	case kindTable:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %d", in.Op, in.Low)
		for i, t := range in.Targets {
			fmt.Fprintf(&sb, " %d:%s", in.Low+int32(i), t)
		}
		fmt.Fprintf(&sb, " default:%s", in.Default)
		return sb.String()
	case kindLookup:
		var sb strings.Builder
		sb.WriteString(in.Op.String())
		for i, t := range in.Targets {
			fmt.Fprintf(&sb, " %d:%s", in.Keys[i], t)
		}
		fmt.Fprintf(&sb, " default:%s", in.Default)
		return sb.String()
	case kindField, kindMethod:
		return fmt.Sprintf("%s %s", in.Op, in.Ref)
	case kindIndy:
		return fmt.Sprintf("%s %s%s", in.Op, in.Indy.Name, in.Indy.Descriptor)
	case kindType:
		return fmt.Sprintf("%s %s", in.Op, in.Type)
	case kindMulti:
		return fmt.Sprintf("%s %s %d", in.Op, in.Type, in.Dims)
	}
	return in.Op.String()
}

var newarrayNames = map[int32]string{
	T_BOOLEAN: "boolean", T_CHAR: "char", T_FLOAT: "float", T_DOUBLE: "double",
	T_BYTE: "byte", T_SHORT: "short", T_INT: "int", T_LONG: "long",
}

var newarrayDescs = map[int32]string{
	T_BOOLEAN: "[Z", T_CHAR: "[C", T_FLOAT: "[F", T_DOUBLE: "[D",
	T_BYTE: "[B", T_SHORT: "[S", T_INT: "[I", T_LONG: "[J",
}

// FormatConst renders an ldc operand.
func FormatConst(v any) string {
	switch v := v.(type) {
	case string:
		return strconv.Quote(v)
	case int64:
		return strconv.FormatInt(v, 10) + "L"
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32) + "F"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64) + "D"
	case classfile.ClassRef:
		return string(v) + ".class"
	case classfile.MethodTypeRef:
		return "methodtype " + string(v)
	case classfile.PoolRef:
		return "#" + strconv.Itoa(int(v))
	}
	return fmt.Sprint(v)
}

// Disassemble renders b one instruction per line.
func Disassemble(b *Body) string {
	var sb strings.Builder
	for _, in := range b.Instructions {
		if in.Op.Pseudo() {
			if in.Op == LABEL {
				sb.WriteString(in.String())
				sb.WriteByte('\n')
			}
			continue
		}
		fmt.Fprintf(&sb, "  %4d: %s\n", in.Offset, in)
	}
	for _, tc := range b.TryCatch {
		typ := tc.Type
		if typ == "" {
			typ = "any"
		}
		fmt.Fprintf(&sb, "  try %s %s -> %s %s\n", tc.Start, tc.End, tc.Handler, typ)
	}
	return sb.String()
}
