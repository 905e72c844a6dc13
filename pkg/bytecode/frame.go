package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// Kind is a verification type tag, numbered as in StackMapTable.
type Kind uint8

const (
	Top Kind = iota
	Integer
	Float
	Double
	Long
	Null
	UninitializedThis
	Object
	Uninitialized
)

// VType is a verification type. Class is the internal name (or array
// descriptor) of an Object; New is the allocating instruction of an
// Uninitialized value.
type VType struct {
	Kind  Kind
	Class string
	New   *Instruction
}

var (
	vTop   = VType{Kind: Top}
	vInt   = VType{Kind: Integer}
	vFloat = VType{Kind: Float}
	vLong  = VType{Kind: Long}
	vDbl   = VType{Kind: Double}
	vNull  = VType{Kind: Null}
)

// ObjectType returns the verification type of a reference to class.
func ObjectType(class string) VType {
	return VType{Kind: Object, Class: class}
}

// Wide reports whether v occupies two slots.
func (v VType) Wide() bool {
	return v.Kind == Long || v.Kind == Double
}

// Reference reports whether v is a reference (including null).
func (v VType) Reference() bool {
	switch v.Kind {
	case Null, UninitializedThis, Object, Uninitialized:
		return true
	}
	return false
}

func (v VType) String() string {
	switch v.Kind {
	case Top:
		return "top"
	case Integer:
		return "int"
	case Float:
		return "float"
	case Double:
		return "double"
	case Long:
		return "long"
	case Null:
		return "null"
	case UninitializedThis:
		return "uninit_this"
	case Object:
		return v.Class
	case Uninitialized:
		if v.New != nil {
			return fmt.Sprintf("uninit@%d", v.New.Offset)
		}
		return "uninit"
	}
	return "?"
}

// FromDescriptor converts a field descriptor to its verification type.
func FromDescriptor(desc string) VType {
	switch desc[0] {
	case 'Z', 'B', 'C', 'S', 'I':
		return vInt
	case 'F':
		return vFloat
	case 'J':
		return vLong
	case 'D':
		return vDbl
	case 'L':
		return ObjectType(classfile.InternalName(desc))
	}
	return ObjectType(desc)
}

// Frame is a stack map frame in compact form: long and double values are
// single entries, as StackMapTable stores them.
type Frame struct {
	Locals []VType
	Stack  []VType
}

func (f *Frame) String() string {
	if f == nil {
		return "<nil>"
	}
	l := make([]string, len(f.Locals))
	for i, v := range f.Locals {
		l[i] = v.String()
	}
	s := make([]string, len(f.Stack))
	for i, v := range f.Stack {
		s[i] = v.String()
	}
	return "[" + strings.Join(l, " ") + "] [" + strings.Join(s, " ") + "]"
}

// Equal compares two frames. Uninitialized types compare by allocation offset.
func (f *Frame) Equal(o *Frame) bool {
	eq := func(a, b VType) bool {
		if a.Kind != b.Kind || a.Class != b.Class {
			return false
		}
		if a.Kind == Uninitialized {
			return a.New != nil && b.New != nil && a.New.Offset == b.New.Offset
		}
		return true
	}
	return slices.EqualFunc(f.Locals, o.Locals, eq) && slices.EqualFunc(f.Stack, o.Stack, eq)
}

func (f *Frame) remap(insns map[*Instruction]*Instruction) *Frame {
	re := func(vs []VType) []VType {
		out := slices.Clone(vs)
		for i := range out {
			if out[i].New != nil {
				out[i].New = insns[out[i].New]
			}
		}
		return out
	}
	return &Frame{Locals: re(f.Locals), Stack: re(f.Stack)}
}

// compact folds slot-form values (wide value followed by top) into
// StackMapTable form and trims trailing tops from locals.
func compact(slots []VType, trim bool) []VType {
	out := make([]VType, 0, len(slots))
	for i := 0; i < len(slots); i++ {
		out = append(out, slots[i])
		if slots[i].Wide() {
			i++
		}
	}
	if trim {
		for len(out) > 0 && out[len(out)-1].Kind == Top {
			out = out[:len(out)-1]
		}
	}
	return out
}

// expand is the inverse of compact.
func expand(vs []VType) []VType {
	out := make([]VType, 0, len(vs))
	for _, v := range vs {
		out = append(out, v)
		if v.Wide() {
			out = append(out, vTop)
		}
	}
	return out
}

// entryFrame is the implicit initial frame of a method, in slot form.
func entryFrame(owner string, access uint16, name string, md *classfile.MethodDescriptor) []VType {
	var locals []VType
	if access&classfile.AccStatic == 0 {
		if name == "<init>" && owner != "java/lang/Object" {
			locals = append(locals, VType{Kind: UninitializedThis})
		} else {
			locals = append(locals, ObjectType(owner))
		}
	}
	for _, a := range md.Args {
		v := FromDescriptor(a)
		locals = append(locals, v)
		if v.Wide() {
			locals = append(locals, vTop)
		}
	}
	return locals
}

// OffsetFrame is a frame anchored at a bytecode offset.
type OffsetFrame struct {
	Offset int
	Frame  *Frame
}

var errStackMap = errors.New("malformed StackMapTable")

// DecodeStackMap expands a StackMapTable attribute into full frames.
// byOffset resolves uninitialized(offset) entries to their NEW instruction.
func DecodeStackMap(data []byte, pool *classfile.ConstantPool, initial []VType, byOffset func(int) *Instruction) ([]OffsetFrame, error) {
	r := &smReader{b: data}
	n := int(r.u2())
	prev := compact(initial, false)
	var out []OffsetFrame
	offset := -1
	for i := 0; i < n; i++ {
		if r.err != nil {
			break
		}
		typ := r.u1()
		var delta int
		var locals, stack []VType
		switch {
		case typ < 64:
			delta = int(typ)
			locals = prev
		case typ < 128:
			delta = int(typ - 64)
			locals = prev
			stack = []VType{r.vtype(pool, byOffset)}
		case typ < 247:
			return nil, fmt.Errorf("%w: reserved frame type %d", errStackMap, typ)
		case typ == 247:
			delta = int(r.u2())
			locals = prev
			stack = []VType{r.vtype(pool, byOffset)}
		case typ < 251:
			delta = int(r.u2())
			k := int(251 - typ)
			if k > len(prev) {
				return nil, fmt.Errorf("%w: chop %d of %d locals", errStackMap, k, len(prev))
			}
			locals = prev[:len(prev)-k]
		case typ == 251:
			delta = int(r.u2())
			locals = prev
		case typ < 255:
			delta = int(r.u2())
			locals = slices.Clone(prev)
			for k := 0; k < int(typ-251); k++ {
				locals = append(locals, r.vtype(pool, byOffset))
			}
		default:
			delta = int(r.u2())
			nl := int(r.u2())
			for k := 0; k < nl; k++ {
				locals = append(locals, r.vtype(pool, byOffset))
			}
			ns := int(r.u2())
			for k := 0; k < ns; k++ {
				stack = append(stack, r.vtype(pool, byOffset))
			}
		}
		offset += delta + 1
		f := &Frame{Locals: slices.Clone(locals), Stack: stack}
		out = append(out, OffsetFrame{Offset: offset, Frame: f})
		prev = f.Locals
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

type smReader struct {
	b   []byte
	off int
	err error
}

func (r *smReader) u1() uint8 {
	if r.err != nil || r.off >= len(r.b) {
		r.err = fmt.Errorf("%w: truncated", errStackMap)
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *smReader) u2() uint16 {
	if r.err != nil || r.off+2 > len(r.b) {
		r.err = fmt.Errorf("%w: truncated", errStackMap)
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *smReader) vtype(pool *classfile.ConstantPool, byOffset func(int) *Instruction) VType {
	tag := Kind(r.u1())
	switch tag {
	case Top, Integer, Float, Double, Long, Null, UninitializedThis:
		return VType{Kind: tag}
	case Object:
		name, err := pool.ClassName(r.u2())
		if err != nil && r.err == nil {
			r.err = fmt.Errorf("%w: %v", errStackMap, err)
		}
		return ObjectType(name)
	case Uninitialized:
		off := int(r.u2())
		in := byOffset(off)
		if in == nil && r.err == nil {
			r.err = fmt.Errorf("%w: uninitialized(%d) is not an instruction", errStackMap, off)
		}
		return VType{Kind: Uninitialized, New: in}
	}
	if r.err == nil {
		r.err = fmt.Errorf("%w: unknown verification type %d", errStackMap, tag)
	}
	return vTop
}

// encodeStackMap writes frames (sorted by offset, compact form) using the
// smallest frame kinds.
func encodeStackMap(frames []OffsetFrame, initial []VType, pool *classfile.ConstantPool) ([]byte, error) {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(frames)))
	prev := compact(initial, true)
	last := -1
	var err error
	vt := func(v VType) {
		out = append(out, byte(v.Kind))
		switch v.Kind {
		case Object:
			idx, err2 := pool.AddClass(v.Class)
			if err2 != nil && err == nil {
				err = err2
			}
			out = binary.BigEndian.AppendUint16(out, idx)
		case Uninitialized:
			out = binary.BigEndian.AppendUint16(out, uint16(v.New.Offset))
		}
	}
	for _, of := range frames {
		delta := of.Offset - last - 1
		if delta < 0 {
			return nil, fmt.Errorf("frames out of order at offset %d", of.Offset)
		}
		last = of.Offset
		locals, stack := of.Frame.Locals, of.Frame.Stack
		same := sameTypes(locals, prev)
		switch {
		case same && len(stack) == 0 && delta < 64:
			out = append(out, byte(delta))
		case same && len(stack) == 0:
			out = append(out, 251)
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
		case same && len(stack) == 1 && delta < 64:
			out = append(out, byte(64+delta))
			vt(stack[0])
		case same && len(stack) == 1:
			out = append(out, 247)
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
			vt(stack[0])
		case len(stack) == 0 && len(locals) < len(prev) && len(prev)-len(locals) <= 3 && sameTypes(locals, prev[:len(locals)]):
			out = append(out, byte(251-(len(prev)-len(locals))))
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
		case len(stack) == 0 && len(locals) > len(prev) && len(locals)-len(prev) <= 3 && sameTypes(locals[:len(prev)], prev):
			out = append(out, byte(251+(len(locals)-len(prev))))
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
			for _, v := range locals[len(prev):] {
				vt(v)
			}
		default:
			out = append(out, 255)
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
			out = binary.BigEndian.AppendUint16(out, uint16(len(locals)))
			for _, v := range locals {
				vt(v)
			}
			out = binary.BigEndian.AppendUint16(out, uint16(len(stack)))
			for _, v := range stack {
				vt(v)
			}
		}
		prev = locals
	}
	return out, err
}

func sameTypes(a, b []VType) bool {
	return slices.EqualFunc(a, b, func(x, y VType) bool {
		return x.Kind == y.Kind && x.Class == y.Class && x.New == y.New
	})
}
