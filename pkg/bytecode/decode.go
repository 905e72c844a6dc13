package bytecode

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// Decode converts m's Code attribute into a Body. Branch offsets become
// labels, LineNumberTable rows become LINE instructions and StackMapTable
// frames become FRAME instructions.
func Decode(cf *classfile.ClassFile, m *classfile.Method) (*Body, error) {
	code, err := m.Code(cf.Pool)
	if err != nil {
		return nil, err
	}
	b, byOffset, err := decodeCode(cf.Pool, code)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", cf.Name, m, err)
	}
	if a, ok := code.Attribute("StackMapTable"); ok {
		md, err := classfile.ParseMethodDescriptor(m.Descriptor)
		if err != nil {
			return nil, err
		}
		frames, err := DecodeStackMap(a.Data, cf.Pool, entryFrame(cf.Name, m.Access, m.Name, md), func(off int) *Instruction {
			return byOffset[off]
		})
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", cf.Name, m, err)
		}
		insertFrames(b, frames)
	}
	return b, nil
}

type decoder struct {
	pool   *classfile.ConstantPool
	code   []byte
	body   *Body
	labels map[int]*Label
}

func (d *decoder) label(off int) *Label {
	if l, ok := d.labels[off]; ok {
		return l
	}
	l := d.body.NewLabel()
	d.labels[off] = l
	return l
}

func decodeCode(pool *classfile.ConstantPool, code *classfile.CodeAttribute) (*Body, map[int]*Instruction, error) {
	d := &decoder{
		pool:   pool,
		code:   code.Code,
		body:   &Body{MaxStack: int(code.MaxStack), MaxLocals: int(code.MaxLocals)},
		labels: make(map[int]*Label),
	}
	var insns []*Instruction
	for off := 0; off < len(d.code); {
		in, n, err := d.decodeAt(off)
		if err != nil {
			return nil, nil, fmt.Errorf("offset %d: %w", off, err)
		}
		in.Offset = off
		insns = append(insns, in)
		off += n
	}

	for _, e := range code.ExceptionTable {
		tc := TryCatch{
			Start:   d.label(int(e.StartPC)),
			End:     d.label(int(e.EndPC)),
			Handler: d.label(int(e.HandlerPC)),
		}
		if e.CatchType != 0 {
			name, err := pool.ClassName(e.CatchType)
			if err != nil {
				return nil, nil, fmt.Errorf("exception table: %w", err)
			}
			tc.Type = name
		}
		d.body.TryCatch = append(d.body.TryCatch, tc)
	}

	lines := make(map[int][]int)
	for _, ln := range code.LineNumbers() {
		lines[int(ln.StartPC)] = append(lines[int(ln.StartPC)], int(ln.Line))
	}

	byOffset := make(map[int]*Instruction, len(insns))
	for _, in := range insns {
		if l, ok := d.labels[in.Offset]; ok {
			d.body.Instructions = append(d.body.Instructions, &Instruction{Op: LABEL, Label: l, Offset: in.Offset})
		}
		for _, line := range lines[in.Offset] {
			d.body.Instructions = append(d.body.Instructions, &Instruction{Op: LINE, Line: line, Offset: in.Offset})
		}
		d.body.Instructions = append(d.body.Instructions, in)
		byOffset[in.Offset] = in
	}
	if l, ok := d.labels[len(d.code)]; ok {
		d.body.Instructions = append(d.body.Instructions, &Instruction{Op: LABEL, Label: l, Offset: len(d.code)})
	}
	for off := range d.labels {
		if off != len(d.code) && byOffset[off] == nil {
			return nil, nil, fmt.Errorf("label at offset %d is not an instruction boundary", off)
		}
	}
	return d.body, byOffset, nil
}

func (d *decoder) u1(off int) (int, error) {
	if off >= len(d.code) {
		return 0, fmt.Errorf("truncated operand")
	}
	return int(d.code[off]), nil
}

func (d *decoder) s1(off int) (int, error) {
	v, err := d.u1(off)
	return int(int8(v)), err
}

func (d *decoder) u2(off int) (int, error) {
	if off+2 > len(d.code) {
		return 0, fmt.Errorf("truncated operand")
	}
	return int(binary.BigEndian.Uint16(d.code[off:])), nil
}

func (d *decoder) s2(off int) (int, error) {
	v, err := d.u2(off)
	return int(int16(v)), err
}

func (d *decoder) s4(off int) (int, error) {
	if off+4 > len(d.code) {
		return 0, fmt.Errorf("truncated operand")
	}
	return int(int32(binary.BigEndian.Uint32(d.code[off:]))), nil
}

func (d *decoder) decodeAt(off int) (*Instruction, int, error) {
	op := Opcode(d.code[off])
	if op > JSR_W {
		return nil, 0, fmt.Errorf("invalid opcode %#x", uint8(op))
	}
	switch {
	case op >= ILOAD_0 && op <= ALOAD_3:
		return &Instruction{Op: ILOAD + (op-ILOAD_0)/4, Var: int(op-ILOAD_0) % 4}, 1, nil
	case op >= ISTORE_0 && op <= ASTORE_3:
		return &Instruction{Op: ISTORE + (op-ISTORE_0)/4, Var: int(op-ISTORE_0) % 4}, 1, nil
	case op == WIDE:
		return d.decodeWide(off)
	}

	in := &Instruction{Op: op}
	var err error
	switch op.kind() {
	case kindNone:
		return in, 1, nil
	case kindVar:
		in.Var, err = d.u1(off + 1)
		return in, 2, err
	case kindInt:
		var v int
		if op == SIPUSH {
			v, err = d.s2(off + 1)
			in.Int = int32(v)
			return in, 3, err
		}
		if op == BIPUSH {
			v, err = d.s1(off + 1)
		} else {
			v, err = d.u1(off + 1)
		}
		in.Int = int32(v)
		return in, 2, err
	case kindIinc:
		in.Var, err = d.u1(off + 1)
		if err != nil {
			return nil, 0, err
		}
		var v int
		v, err = d.s1(off + 2)
		in.Int = int32(v)
		return in, 3, err
	case kindLdc:
		var idx, n int
		if op == LDC {
			idx, err = d.u1(off + 1)
			n = 2
		} else {
			idx, err = d.u2(off + 1)
			n = 3
		}
		if err != nil {
			return nil, 0, err
		}
		if err := d.ldc(in, uint16(idx)); err != nil {
			return nil, 0, err
		}
		in.Op = LDC
		return in, n, nil
	case kindJump:
		var rel, n int
		if op == GOTO_W || op == JSR_W {
			rel, err = d.s4(off + 1)
			n = 5
			in.Op = op - GOTO_W + GOTO
		} else {
			rel, err = d.s2(off + 1)
			n = 3
		}
		if err != nil {
			return nil, 0, err
		}
		in.Target = d.label(off + rel)
		return in, n, nil
	case kindTable:
		// operands are aligned to a multiple of four
		p := (off + 4) &^ 3
		dflt, err := d.s4(p)
		if err != nil {
			return nil, 0, err
		}
		low, err := d.s4(p + 4)
		if err != nil {
			return nil, 0, err
		}
		high, err := d.s4(p + 8)
		if err != nil {
			return nil, 0, err
		}
		if high < low || high-low > len(d.code) {
			return nil, 0, fmt.Errorf("invalid tableswitch range [%d, %d]", low, high)
		}
		in.Default = d.label(off + dflt)
		in.Low = int32(low)
		p += 12
		for i := 0; i <= high-low; i++ {
			rel, err := d.s4(p)
			if err != nil {
				return nil, 0, err
			}
			in.Targets = append(in.Targets, d.label(off+rel))
			p += 4
		}
		return in, p - off, nil
	case kindLookup:
		p := (off + 4) &^ 3
		dflt, err := d.s4(p)
		if err != nil {
			return nil, 0, err
		}
		n, err := d.s4(p + 4)
		if err != nil {
			return nil, 0, err
		}
		if n < 0 || n > len(d.code) {
			return nil, 0, fmt.Errorf("invalid lookupswitch size %d", n)
		}
		in.Default = d.label(off + dflt)
		p += 8
		for i := 0; i < n; i++ {
			key, err := d.s4(p)
			if err != nil {
				return nil, 0, err
			}
			rel, err := d.s4(p + 4)
			if err != nil {
				return nil, 0, err
			}
			in.Keys = append(in.Keys, int32(key))
			in.Targets = append(in.Targets, d.label(off+rel))
			p += 8
		}
		return in, p - off, nil
	case kindField, kindMethod:
		idx, err := d.u2(off + 1)
		if err != nil {
			return nil, 0, err
		}
		ref, err := d.pool.MemberRef(uint16(idx))
		if err != nil {
			return nil, 0, err
		}
		in.Ref = &ref
		if op == INVOKEINTERFACE {
			return in, 5, nil
		}
		return in, 3, nil
	case kindIndy:
		idx, err := d.u2(off + 1)
		if err != nil {
			return nil, 0, err
		}
		c, err := d.pool.Get(uint16(idx))
		if err != nil {
			return nil, 0, err
		}
		if c.Tag != classfile.TagInvokeDynamic {
			return nil, 0, fmt.Errorf("invokedynamic operand is %s", c.Tag)
		}
		name, desc, err := d.pool.NameAndType(c.B)
		if err != nil {
			return nil, 0, err
		}
		in.Indy = &InvokeDynamic{Index: uint16(idx), Bootstrap: c.A, Name: name, Descriptor: desc}
		return in, 5, nil
	case kindType, kindMulti:
		idx, err := d.u2(off + 1)
		if err != nil {
			return nil, 0, err
		}
		if in.Type, err = d.pool.ClassName(uint16(idx)); err != nil {
			return nil, 0, err
		}
		if op == MULTIANEWARRAY {
			dims, err := d.u1(off + 3)
			in.Dims = uint8(dims)
			return in, 4, err
		}
		return in, 3, nil
	}
	return nil, 0, fmt.Errorf("unhandled opcode %s", op)
}

func (d *decoder) decodeWide(off int) (*Instruction, int, error) {
	sub, err := d.u1(off + 1)
	if err != nil {
		return nil, 0, err
	}
	op := Opcode(sub)
	v, err := d.u2(off + 2)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case op == IINC:
		inc, err := d.s2(off + 4)
		return &Instruction{Op: IINC, Var: v, Int: int32(inc)}, 6, err
	case op.kind() == kindVar:
		return &Instruction{Op: op, Var: v}, 4, nil
	}
	return nil, 0, fmt.Errorf("invalid wide opcode %s", op)
}

func (d *decoder) ldc(in *Instruction, idx uint16) error {
	v, err := d.pool.Loadable(idx)
	if err != nil {
		return err
	}
	in.Const = v
	if _, ok := v.(classfile.PoolRef); ok {
		c, _ := d.pool.Get(idx)
		switch c.Tag {
		case classfile.TagMethodHandle:
			in.Type = "Ljava/lang/invoke/MethodHandle;"
		case classfile.TagDynamic:
			_, desc, err := d.pool.NameAndType(c.B)
			if err != nil {
				return err
			}
			in.Type = desc
		}
	}
	return nil
}

// insertFrames places FRAME pseudo-instructions before the instruction at
// each frame offset.
func insertFrames(b *Body, frames []OffsetFrame) {
	if len(frames) == 0 {
		return
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Offset < frames[j].Offset })
	out := make([]*Instruction, 0, len(b.Instructions)+len(frames))
	next := 0
	for _, in := range b.Instructions {
		if !in.Op.Pseudo() {
			for next < len(frames) && frames[next].Offset <= in.Offset {
				out = append(out, &Instruction{Op: FRAME, Frame: frames[next].Frame, Offset: in.Offset})
				next++
			}
		}
		out = append(out, in)
	}
	b.Instructions = out
}
