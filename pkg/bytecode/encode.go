package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// FrameMode selects how stack map frames are produced for an encoded body.
type FrameMode int

const (
	// Recompute re-analyzes the whole method and emits fresh frames.
	Recompute FrameMode = iota
	// Preserve re-emits the FRAME instructions carried by the body at their
	// new offsets. Only valid when every edit left the type state intact.
	Preserve
	// NoFrames omits the StackMapTable; used for pre-Java 6 classes.
	NoFrames
)

func (m FrameMode) String() string {
	switch m {
	case Recompute:
		return "recompute"
	case Preserve:
		return "preserve"
	case NoFrames:
		return "none"
	}
	return fmt.Sprintf("FrameMode(%d)", int(m))
}

// ParseFrameMode parses the String form of a FrameMode.
func ParseFrameMode(s string) (FrameMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "recompute":
		return Recompute, nil
	case "preserve":
		return Preserve, nil
	case "none":
		return NoFrames, nil
	}
	return Recompute, fmt.Errorf("unknown frame mode %q", s)
}

func (m *FrameMode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseFrameMode(string(b))
	return err
}

func (m FrameMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ErrNeedRecompute is returned by Preserve encoding when the layout
// created a branch target that has no carried frame.
var ErrNeedRecompute = errors.New("frames must be recomputed")

// EncodeOptions configures Encode.
type EncodeOptions struct {
	Frames    FrameMode
	Hierarchy Hierarchy
}

type slot struct {
	in     *Instruction
	index  int // position in body
	pool   uint16
	wide   bool // ldc2_w
	far    bool
	offset int
	size   int
}

// Encode assembles body into m's Code attribute, interning constants in
// cf's pool. With Recompute, unreachable code is dropped and frames, max
// stack and max locals come from Analyze.
func Encode(cf *classfile.ClassFile, m *classfile.Method, body *Body, opts EncodeOptions) error {
	meth := Method{Owner: cf.Name, Access: m.Access, Name: m.Name, Descriptor: m.Descriptor}
	mode := opts.Frames
	if cf.Major < classfile.Java6 {
		mode = NoFrames
	}
	h := opts.Hierarchy
	if mode != Recompute || h == nil {
		h = RootHierarchy{}
	}
	an, err := Analyze(meth, body, h)
	if err != nil && mode == Recompute {
		return err
	}

	var slots []*slot
	for i, in := range body.Instructions {
		if in.Op.Pseudo() {
			continue
		}
		if mode == Recompute && !an.Reachable(i) {
			continue
		}
		s := &slot{in: in, index: i}
		if err := s.intern(cf.Pool); err != nil {
			return fmt.Errorf("%s.%s: %w", cf.Name, m, err)
		}
		slots = append(slots, s)
	}
	if len(slots) == 0 {
		return fmt.Errorf("%s.%s: empty body", cf.Name, m)
	}

	labels, codeLen, err := layout(body, slots)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", cf.Name, m, err)
	}
	code, err := emit(slots, labels, codeLen)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", cf.Name, m, err)
	}

	// publish offsets, pseudo instructions take the next real offset
	next := codeLen
	bySlot := make(map[int]*slot, len(slots))
	for _, s := range slots {
		bySlot[s.index] = s
	}
	for i := len(body.Instructions) - 1; i >= 0; i-- {
		if s, ok := bySlot[i]; ok {
			next = s.offset
		}
		body.Instructions[i].Offset = next
	}

	attr := &classfile.CodeAttribute{Code: code}
	if an != nil {
		attr.MaxStack = uint16(an.MaxStack)
		attr.MaxLocals = uint16(an.MaxLocals)
	}
	if mode != Recompute {
		attr.MaxStack = uint16(max(int(attr.MaxStack), body.MaxStack))
		attr.MaxLocals = uint16(max(int(attr.MaxLocals), body.MaxLocals))
	}
	body.MaxStack, body.MaxLocals = int(attr.MaxStack), int(attr.MaxLocals)

	for _, tc := range body.TryCatch {
		start, end, handler := labels[tc.Start], labels[tc.End], labels[tc.Handler]
		if start >= end {
			continue
		}
		e := classfile.ExceptionEntry{StartPC: uint16(start), EndPC: uint16(end), HandlerPC: uint16(handler)}
		if tc.Type != "" {
			if e.CatchType, err = cf.Pool.AddClass(tc.Type); err != nil {
				return err
			}
		}
		attr.ExceptionTable = append(attr.ExceptionTable, e)
	}

	if rows := lineRows(body, codeLen); len(rows) > 0 {
		attr.Attributes = append(attr.Attributes, classfile.Attribute{Name: "LineNumberTable", Data: classfile.EncodeLineNumbers(rows)})
	}

	if mode != NoFrames {
		var frames []OffsetFrame
		switch mode {
		case Recompute:
			frames = recomputedFrames(body, an, slots)
		case Preserve:
			if frames, err = carriedFrames(body, slots); err != nil {
				return fmt.Errorf("%s.%s: %w", cf.Name, m, err)
			}
		}
		if len(frames) > 0 {
			md, err := classfile.ParseMethodDescriptor(m.Descriptor)
			if err != nil {
				return err
			}
			data, err := encodeStackMap(frames, entryFrame(cf.Name, m.Access, m.Name, md), cf.Pool)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", cf.Name, m, err)
			}
			attr.Attributes = append(attr.Attributes, classfile.Attribute{Name: "StackMapTable", Data: data})
		}
	}
	return m.SetCode(cf.Pool, attr)
}

func (s *slot) intern(pool *classfile.ConstantPool) (err error) {
	in := s.in
	switch in.Op.kind() {
	case kindLdc:
		if s.pool, err = pool.AddLoadable(in.Const); err != nil {
			return err
		}
		switch in.Const.(type) {
		case int64, float64:
			s.wide = true
		}
	case kindField:
		s.pool, err = pool.AddMemberRef(*in.Ref, true)
	case kindMethod:
		s.pool, err = pool.AddMemberRef(*in.Ref, false)
	case kindIndy:
		if _, err = pool.Get(in.Indy.Index); err == nil {
			s.pool = in.Indy.Index
		}
	case kindType, kindMulti:
		s.pool, err = pool.AddClass(in.Type)
	case kindInt:
		switch in.Op {
		case BIPUSH:
			if in.Int < math.MinInt8 || in.Int > math.MaxInt8 {
				return fmt.Errorf("bipush operand %d out of range", in.Int)
			}
		case SIPUSH:
			if in.Int < math.MinInt16 || in.Int > math.MaxInt16 {
				return fmt.Errorf("sipush operand %d out of range", in.Int)
			}
		}
	case kindNone:
		if in.Op == WIDE || in.Op > JSR_W {
			return fmt.Errorf("cannot encode %s", in.Op)
		}
	}
	return err
}

func (s *slot) measure(off int) int {
	in := s.in
	switch in.Op.kind() {
	case kindVar:
		switch {
		case in.Op != RET && in.Var <= 3:
			return 1
		case in.Var <= math.MaxUint8:
			return 2
		}
		return 4
	case kindInt:
		if in.Op == SIPUSH {
			return 3
		}
		return 2
	case kindIinc:
		if in.Var <= math.MaxUint8 && in.Int >= math.MinInt8 && in.Int <= math.MaxInt8 {
			return 3
		}
		return 6
	case kindLdc:
		if s.wide || s.pool > math.MaxUint8 {
			return 3
		}
		return 2
	case kindJump:
		if !s.far {
			return 3
		}
		if in.Op == GOTO || in.Op == JSR {
			return 5
		}
		return 8
	case kindTable:
		return 1 + pad(off) + 12 + 4*len(in.Targets)
	case kindLookup:
		return 1 + pad(off) + 8 + 8*len(in.Targets)
	case kindField, kindType:
		return 3
	case kindMethod:
		if in.Op == INVOKEINTERFACE {
			return 5
		}
		return 3
	case kindIndy:
		return 5
	case kindMulti:
		return 4
	}
	return 1
}

func pad(off int) int {
	return (4 - (off+1)%4) % 4
}

// layout assigns offsets, widening jumps until every displacement fits.
func layout(body *Body, slots []*slot) (map[*Label]int, int, error) {
	bySlot := make(map[int]*slot, len(slots))
	for _, s := range slots {
		bySlot[s.index] = s
	}
	for {
		off := 0
		for _, s := range slots {
			s.offset = off
			s.size = s.measure(off)
			off += s.size
		}
		if off > math.MaxUint16 {
			return nil, 0, fmt.Errorf("code too large: %d bytes", off)
		}
		labels := make(map[*Label]int)
		var pending []*Label
		for i, in := range body.Instructions {
			if in.Op == LABEL {
				pending = append(pending, in.Label)
				continue
			}
			if s, ok := bySlot[i]; ok {
				for _, l := range pending {
					labels[l] = s.offset
				}
				pending = pending[:0]
			}
		}
		for _, l := range pending {
			labels[l] = off
		}

		grown := false
		for _, s := range slots {
			if !s.in.Op.IsJump() || s.far {
				continue
			}
			t, ok := labels[s.in.Target]
			if !ok {
				return nil, 0, fmt.Errorf("%s to unplaced label %s", s.in.Op, s.in.Target)
			}
			if d := t - s.offset; d < math.MinInt16 || d > math.MaxInt16 {
				s.far = true
				grown = true
			}
		}
		if !grown {
			return labels, off, nil
		}
	}
}

func emit(slots []*slot, labels map[*Label]int, codeLen int) ([]byte, error) {
	out := make([]byte, 0, codeLen)
	u2 := func(v int) { out = binary.BigEndian.AppendUint16(out, uint16(v)) }
	s4 := func(v int) { out = binary.BigEndian.AppendUint32(out, uint32(int32(v))) }
	target := func(l *Label) (int, error) {
		t, ok := labels[l]
		if !ok {
			return 0, fmt.Errorf("branch to unplaced label %s", l)
		}
		return t, nil
	}
	for _, s := range slots {
		in, off := s.in, s.offset
		if len(out) != off {
			return nil, fmt.Errorf("layout drift at %d (%d)", off, len(out))
		}
		switch in.Op.kind() {
		case kindNone:
			out = append(out, byte(in.Op))
		case kindVar:
			switch s.size {
			case 1:
				if in.Op <= ALOAD {
					out = append(out, byte(ILOAD_0+(in.Op-ILOAD)*4)+byte(in.Var))
				} else {
					out = append(out, byte(ISTORE_0+(in.Op-ISTORE)*4)+byte(in.Var))
				}
			case 2:
				out = append(out, byte(in.Op), byte(in.Var))
			default:
				out = append(out, byte(WIDE), byte(in.Op))
				u2(in.Var)
			}
		case kindInt:
			out = append(out, byte(in.Op))
			if in.Op == SIPUSH {
				u2(int(in.Int))
			} else {
				out = append(out, byte(in.Int))
			}
		case kindIinc:
			if s.size == 3 {
				out = append(out, byte(IINC), byte(in.Var), byte(int8(in.Int)))
			} else {
				out = append(out, byte(WIDE), byte(IINC))
				u2(in.Var)
				u2(int(in.Int))
			}
		case kindLdc:
			switch {
			case s.wide:
				out = append(out, byte(LDC2_W))
				u2(int(s.pool))
			case s.size == 2:
				out = append(out, byte(LDC), byte(s.pool))
			default:
				out = append(out, byte(LDC_W))
				u2(int(s.pool))
			}
		case kindJump:
			t, err := target(in.Target)
			if err != nil {
				return nil, err
			}
			switch {
			case !s.far:
				out = append(out, byte(in.Op))
				u2(t - off)
			case in.Op == GOTO || in.Op == JSR:
				out = append(out, byte(in.Op-GOTO+GOTO_W))
				s4(t - off)
			default:
				out = append(out, byte(invertJump(in.Op)))
				u2(8)
				out = append(out, byte(GOTO_W))
				s4(t - (off + 3))
			}
		case kindTable, kindLookup:
			out = append(out, byte(in.Op))
			for range pad(off) {
				out = append(out, 0)
			}
			d, err := target(in.Default)
			if err != nil {
				return nil, err
			}
			s4(d - off)
			if in.Op == TABLESWITCH {
				s4(int(in.Low))
				s4(int(in.Low) + len(in.Targets) - 1)
			} else {
				if len(in.Keys) != len(in.Targets) {
					return nil, fmt.Errorf("lookupswitch has %d keys and %d targets", len(in.Keys), len(in.Targets))
				}
				s4(len(in.Targets))
			}
			for k, l := range in.Targets {
				t, err := target(l)
				if err != nil {
					return nil, err
				}
				if in.Op == LOOKUPSWITCH {
					s4(int(in.Keys[k]))
				}
				s4(t - off)
			}
		case kindField, kindType:
			out = append(out, byte(in.Op))
			u2(int(s.pool))
		case kindMethod:
			out = append(out, byte(in.Op))
			u2(int(s.pool))
			if in.Op == INVOKEINTERFACE {
				md, err := classfile.ParseMethodDescriptor(in.Ref.Descriptor)
				if err != nil {
					return nil, err
				}
				out = append(out, byte(md.ArgSlots(false)), 0)
			}
		case kindIndy:
			out = append(out, byte(in.Op))
			u2(int(s.pool))
			out = append(out, 0, 0)
		case kindMulti:
			out = append(out, byte(in.Op))
			u2(int(s.pool))
			out = append(out, in.Dims)
		default:
			return nil, fmt.Errorf("cannot encode %s", in.Op)
		}
	}
	return out, nil
}

// recomputedFrames places a frame at every branch target, handler and
// instruction following an unconditional transfer.
func recomputedFrames(body *Body, an *Analysis, slots []*slot) []OffsetFrame {
	targets := make(map[*Label]bool)
	for _, in := range body.Instructions {
		if in.Target != nil {
			targets[in.Target] = true
		}
		if in.Default != nil {
			targets[in.Default] = true
		}
		for _, l := range in.Targets {
			targets[l] = true
		}
	}
	for _, tc := range body.TryCatch {
		targets[tc.Handler] = true
	}
	var frames []OffsetFrame
	prev := -1
	for k, s := range slots {
		need := false
		if k > 0 {
			p := slots[k-1]
			need = p.in.Op.EndsBlock() || (p.far && p.in.Op.IsConditional())
		}
		for i := prev + 1; i < s.index && !need; i++ {
			in := body.Instructions[i]
			need = in.Op == LABEL && targets[in.Label]
		}
		prev = s.index
		if need {
			frames = append(frames, OffsetFrame{Offset: s.offset, Frame: an.Frame(s.index)})
		}
	}
	return frames
}

// carriedFrames maps FRAME instructions to the offset of the next real
// instruction.
func carriedFrames(body *Body, slots []*slot) ([]OffsetFrame, error) {
	bySlot := make(map[int]*slot, len(slots))
	for _, s := range slots {
		bySlot[s.index] = s
		if s.far && s.in.Op.IsConditional() {
			return nil, ErrNeedRecompute
		}
	}
	var frames []OffsetFrame
	var pending *Frame
	for i, in := range body.Instructions {
		if in.Op == FRAME {
			pending = in.Frame
			continue
		}
		if s, ok := bySlot[i]; ok && pending != nil {
			if n := len(frames); n > 0 && frames[n-1].Offset == s.offset {
				frames[n-1].Frame = pending
			} else {
				frames = append(frames, OffsetFrame{Offset: s.offset, Frame: pending})
			}
			pending = nil
		}
	}
	return frames, nil
}

func lineRows(body *Body, codeLen int) []classfile.LineNumber {
	var rows []classfile.LineNumber
	for _, in := range body.Instructions {
		if in.Op != LINE || in.Offset >= codeLen {
			continue
		}
		row := classfile.LineNumber{StartPC: uint16(in.Offset), Line: uint16(in.Line)}
		if n := len(rows); n > 0 && rows[n-1].StartPC == row.StartPC {
			rows[n-1] = row
			continue
		}
		rows = append(rows, row)
	}
	return rows
}
