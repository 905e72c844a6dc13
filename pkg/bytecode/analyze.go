package bytecode

import (
	"errors"
	"fmt"
	"slices"

	"github.com/blacktop/jpatch/pkg/classfile"
)

var (
	// ErrSubroutine is returned for jsr/ret code, which cannot carry frames.
	ErrSubroutine = errors.New("jsr/ret subroutines are not supported")
	// ErrFallOff is returned when execution can run past the last instruction.
	ErrFallOff = errors.New("execution falls off the end of the code")
)

// Hierarchy answers the one class-hierarchy question frame merging needs.
type Hierarchy interface {
	CommonSuperclass(a, b string) string
}

// RootHierarchy merges every pair of distinct classes to java/lang/Object.
// It is enough for stack sizing but not for emitting frames.
type RootHierarchy struct{}

func (RootHierarchy) CommonSuperclass(a, b string) string {
	if a == b {
		return a
	}
	return "java/lang/Object"
}

// Method identifies the method whose body is analyzed.
type Method struct {
	Owner      string
	Access     uint16
	Name       string
	Descriptor string
}

// Analysis is the result of dataflow over a body. In holds the slot-form
// state on entry to each instruction, nil where unreachable.
type Analysis struct {
	In        []*state
	MaxStack  int
	MaxLocals int
	Entry     []VType
}

type state struct {
	locals []VType
	stack  []VType
}

func (s *state) clone() *state {
	return &state{locals: slices.Clone(s.locals), stack: slices.Clone(s.stack)}
}

// Frame returns the compact frame on entry to instruction i.
func (a *Analysis) Frame(i int) *Frame {
	s := a.In[i]
	if s == nil {
		return nil
	}
	return &Frame{Locals: compact(s.locals, true), Stack: compact(s.stack, false)}
}

// Reachable reports whether instruction i can execute.
func (a *Analysis) Reachable(i int) bool {
	return a.In[i] != nil
}

type analyzer struct {
	m       Method
	body    *Body
	h       Hierarchy
	in      []*state
	labels  map[*Label]int
	handles [][]TryCatch // handlers covering each instruction
	queue   []int
	queued  []bool
	maxS    int
	maxL    int
}

// newAnalyzer indexes body's labels and the handlers covering each
// instruction.
func newAnalyzer(m Method, body *Body, h Hierarchy) (*analyzer, error) {
	if h == nil {
		h = RootHierarchy{}
	}
	n := len(body.Instructions)
	a := &analyzer{
		m:       m,
		body:    body,
		h:       h,
		in:      make([]*state, n),
		labels:  make(map[*Label]int),
		handles: make([][]TryCatch, n),
		queued:  make([]bool, n),
	}
	for i, in := range body.Instructions {
		if in.Op == LABEL {
			a.labels[in.Label] = i
		}
	}
	for _, tc := range body.TryCatch {
		start, ok1 := a.labels[tc.Start]
		end, ok2 := a.labels[tc.End]
		if _, ok3 := a.labels[tc.Handler]; !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("try/catch references a label that is not placed")
		}
		for i := start; i < end; i++ {
			a.handles[i] = append(a.handles[i], tc)
		}
	}
	return a, nil
}

// Analyze computes the type state at every instruction of body.
func Analyze(m Method, body *Body, h Hierarchy) (*Analysis, error) {
	md, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, err
	}
	a, err := newAnalyzer(m, body, h)
	if err != nil {
		return nil, err
	}
	n := len(body.Instructions)

	entry := entryFrame(m.Owner, m.Access, m.Name, md)
	a.maxL = len(entry)
	if n == 0 {
		return nil, ErrFallOff
	}
	if err := a.merge(0, &state{locals: slices.Clone(entry)}); err != nil {
		return nil, err
	}
	for len(a.queue) > 0 {
		i := a.queue[0]
		a.queue = a.queue[1:]
		a.queued[i] = false
		if err := a.step(i); err != nil {
			in := body.Instructions[i]
			return nil, fmt.Errorf("%s.%s%s: %s at %d: %w", m.Owner, m.Name, m.Descriptor, in.Op, i, err)
		}
	}
	return &Analysis{In: a.in, MaxStack: a.maxS, MaxLocals: a.maxL, Entry: entry}, nil
}

func (a *analyzer) target(l *Label) (int, error) {
	i, ok := a.labels[l]
	if !ok {
		return 0, fmt.Errorf("jump to label %s that is not placed", l)
	}
	return i, nil
}

// merge folds s into the entry state of instruction i and queues it on change.
func (a *analyzer) merge(i int, s *state) error {
	if i >= len(a.in) {
		return ErrFallOff
	}
	cur := a.in[i]
	if cur == nil {
		a.in[i] = s.clone()
		a.enqueue(i)
		return nil
	}
	if len(cur.stack) != len(s.stack) {
		return fmt.Errorf("stack height mismatch at %d: %d != %d", i, len(cur.stack), len(s.stack))
	}
	changed := false
	for k := range cur.stack {
		v, err := a.mergeValue(cur.stack[k], s.stack[k], true)
		if err != nil {
			return fmt.Errorf("stack slot %d at %d: %w", k, i, err)
		}
		if v != cur.stack[k] {
			cur.stack[k] = v
			changed = true
		}
	}
	n := min(len(cur.locals), len(s.locals))
	if len(cur.locals) > n {
		for k := n; k < len(cur.locals); k++ {
			if cur.locals[k].Kind != Top {
				changed = true
			}
		}
		cur.locals = cur.locals[:n]
	}
	for k := 0; k < n; k++ {
		v, _ := a.mergeValue(cur.locals[k], s.locals[k], false)
		if v != cur.locals[k] {
			cur.locals[k] = v
			changed = true
		}
	}
	// a wide value whose upper half was lost is no longer usable
	for k := 0; k < len(cur.locals); k++ {
		if cur.locals[k].Wide() && (k+1 >= len(cur.locals) || cur.locals[k+1].Kind != Top) {
			cur.locals[k] = vTop
			changed = true
		}
	}
	if changed {
		a.enqueue(i)
	}
	return nil
}

func (a *analyzer) enqueue(i int) {
	if !a.queued[i] {
		a.queued[i] = true
		a.queue = append(a.queue, i)
	}
}

func (a *analyzer) mergeValue(x, y VType, onStack bool) (VType, error) {
	if x == y {
		return x, nil
	}
	xr, yr := x.Kind == Object || x.Kind == Null, y.Kind == Object || y.Kind == Null
	if xr && yr {
		switch {
		case x.Kind == Null:
			return y, nil
		case y.Kind == Null:
			return x, nil
		}
		return ObjectType(a.mergeClass(x.Class, y.Class)), nil
	}
	if onStack {
		return vTop, fmt.Errorf("cannot merge %s and %s", x, y)
	}
	return vTop, nil
}

func (a *analyzer) mergeClass(x, y string) string {
	if x == y {
		return x
	}
	xa, ya := x[0] == '[', y[0] == '['
	switch {
	case xa && ya:
		cx, cy := x[1:], y[1:]
		if classfile.IsReference(cx) && classfile.IsReference(cy) {
			return "[" + classfile.TypeDescriptor(a.mergeClass(classfile.InternalName(cx), classfile.InternalName(cy)))
		}
		return "java/lang/Object"
	case xa || ya:
		return "java/lang/Object"
	}
	return a.h.CommonSuperclass(x, y)
}

type frameOps struct {
	a *analyzer
	s *state
}

func (f *frameOps) push(vs ...VType) {
	for _, v := range vs {
		f.s.stack = append(f.s.stack, v)
		if v.Wide() {
			f.s.stack = append(f.s.stack, vTop)
		}
	}
	f.a.maxS = max(f.a.maxS, len(f.s.stack))
}

func (f *frameOps) pushDesc(desc string) {
	if desc != "V" {
		f.push(FromDescriptor(desc))
	}
}

func (f *frameOps) popN(n int) ([]VType, error) {
	if n > len(f.s.stack) {
		return nil, fmt.Errorf("stack underflow: need %d, have %d", n, len(f.s.stack))
	}
	top := slices.Clone(f.s.stack[len(f.s.stack)-n:])
	f.s.stack = f.s.stack[:len(f.s.stack)-n]
	return top, nil
}

// pop removes one value (two slots for long/double) and returns it.
func (f *frameOps) pop() (VType, error) {
	if len(f.s.stack) == 0 {
		return vTop, fmt.Errorf("stack underflow")
	}
	top := f.s.stack[len(f.s.stack)-1]
	if top.Kind == Top && len(f.s.stack) > 1 && f.s.stack[len(f.s.stack)-2].Wide() {
		v := f.s.stack[len(f.s.stack)-2]
		f.s.stack = f.s.stack[:len(f.s.stack)-2]
		return v, nil
	}
	f.s.stack = f.s.stack[:len(f.s.stack)-1]
	return top, nil
}

func (f *frameOps) popDesc(desc string) error {
	_, err := f.popN(classfile.SlotSize(desc))
	return err
}

func (f *frameOps) load(v int) (VType, error) {
	if v >= len(f.s.locals) {
		return vTop, fmt.Errorf("load of unset local %d", v)
	}
	return f.s.locals[v], nil
}

func (f *frameOps) store(v int, t VType) {
	need := v + 1
	if t.Wide() {
		need++
	}
	for len(f.s.locals) < need {
		f.s.locals = append(f.s.locals, vTop)
	}
	f.a.maxL = max(f.a.maxL, need)
	if v > 0 && f.s.locals[v-1].Wide() {
		f.s.locals[v-1] = vTop
	}
	if f.s.locals[v].Wide() && v+1 < len(f.s.locals) {
		f.s.locals[v+1] = vTop
	}
	f.s.locals[v] = t
	if t.Wide() {
		f.s.locals[v+1] = vTop
	}
}

func (f *frameOps) replaceAll(from, to VType) {
	for i, v := range f.s.locals {
		if v == from {
			f.s.locals[i] = to
		}
	}
	for i, v := range f.s.stack {
		if v == from {
			f.s.stack[i] = to
		}
	}
}

// step applies instruction i to its entry state and propagates the result.
func (a *analyzer) step(i int) error {
	in := a.body.Instructions[i]
	before := a.in[i]
	s := before.clone()
	f := &frameOps{a: a, s: s}

	if !in.Op.Pseudo() {
		for _, tc := range a.handles[i] {
			typ := tc.Type
			if typ == "" {
				typ = "java/lang/Throwable"
			}
			h, _ := a.target(tc.Handler)
			hs := &state{locals: slices.Clone(before.locals), stack: []VType{ObjectType(typ)}}
			a.maxS = max(a.maxS, 1)
			if err := a.merge(h, hs); err != nil {
				return err
			}
		}
	}

	if err := a.execute(in, f); err != nil {
		return err
	}

	switch {
	case in.Op.IsJump():
		t, err := a.target(in.Target)
		if err != nil {
			return err
		}
		if err := a.merge(t, s); err != nil {
			return err
		}
		if in.Op == GOTO {
			return nil
		}
	case in.Op == TABLESWITCH || in.Op == LOOKUPSWITCH:
		for _, l := range append([]*Label{in.Default}, in.Targets...) {
			t, err := a.target(l)
			if err != nil {
				return err
			}
			if err := a.merge(t, s); err != nil {
				return err
			}
		}
		return nil
	case in.Op.IsReturn() || in.Op == ATHROW:
		return nil
	}
	return a.merge(i+1, s)
}

func (a *analyzer) execute(in *Instruction, f *frameOps) error {
	op := in.Op
	switch {
	case op.Pseudo(), op == NOP:
		return nil
	case op == ACONST_NULL:
		f.push(vNull)
	case op >= ICONST_M1 && op <= ICONST_5, op == BIPUSH, op == SIPUSH:
		f.push(vInt)
	case op == LCONST_0 || op == LCONST_1:
		f.push(vLong)
	case op >= FCONST_0 && op <= FCONST_2:
		f.push(vFloat)
	case op == DCONST_0 || op == DCONST_1:
		f.push(vDbl)
	case op == LDC:
		return a.ldc(in, f)
	case op >= ILOAD && op <= ALOAD:
		v, err := f.load(in.Var)
		if err != nil {
			return err
		}
		if err := checkLoad(op, v); err != nil {
			return err
		}
		f.push(v)
	case op >= IALOAD && op <= SALOAD:
		if _, err := f.popN(1); err != nil {
			return err
		}
		arr, err := f.pop()
		if err != nil {
			return err
		}
		switch op {
		case IALOAD, BALOAD, CALOAD, SALOAD:
			f.push(vInt)
		case LALOAD:
			f.push(vLong)
		case FALOAD:
			f.push(vFloat)
		case DALOAD:
			f.push(vDbl)
		default:
			f.push(componentType(arr))
		}
	case op >= ISTORE && op <= ASTORE:
		v, err := f.pop()
		if err != nil {
			return err
		}
		f.store(in.Var, v)
	case op >= IASTORE && op <= SASTORE:
		if _, err := f.pop(); err != nil {
			return err
		}
		if _, err := f.popN(2); err != nil {
			return err
		}
	case op == POP:
		_, err := f.popN(1)
		return err
	case op == POP2:
		_, err := f.popN(2)
		return err
	case op >= DUP && op <= SWAP:
		return stackShuffle(op, f)
	case op >= IADD && op <= DREM, op >= ISHL && op <= LXOR:
		return arith(op, f)
	case op >= INEG && op <= DNEG:
		v, err := f.pop()
		if err != nil {
			return err
		}
		f.push(v)
	case op == IINC:
		v, err := f.load(in.Var)
		if err != nil {
			return err
		}
		if v.Kind != Integer {
			return fmt.Errorf("iinc on %s", v)
		}
	case op >= I2L && op <= I2S:
		if _, err := f.pop(); err != nil {
			return err
		}
		f.push(convResult(op))
	case op >= LCMP && op <= DCMPG:
		if _, err := f.pop(); err != nil {
			return err
		}
		if _, err := f.pop(); err != nil {
			return err
		}
		f.push(vInt)
	case op >= IFEQ && op <= IFLE, op == IFNULL, op == IFNONNULL:
		_, err := f.popN(1)
		return err
	case op >= IF_ICMPEQ && op <= IF_ACMPNE:
		_, err := f.popN(2)
		return err
	case op == GOTO:
		return nil
	case op == JSR || op == RET:
		return ErrSubroutine
	case op == TABLESWITCH || op == LOOKUPSWITCH:
		_, err := f.popN(1)
		return err
	case op.IsReturn():
		if op == RETURN {
			return nil
		}
		_, err := f.pop()
		return err
	case op == GETSTATIC:
		f.pushDesc(in.Ref.Descriptor)
	case op == PUTSTATIC:
		return f.popDesc(in.Ref.Descriptor)
	case op == GETFIELD:
		if _, err := f.popN(1); err != nil {
			return err
		}
		f.pushDesc(in.Ref.Descriptor)
	case op == PUTFIELD:
		if err := f.popDesc(in.Ref.Descriptor); err != nil {
			return err
		}
		_, err := f.popN(1)
		return err
	case op.IsInvoke():
		return a.invoke(in, f)
	case op == NEW:
		f.push(VType{Kind: Uninitialized, New: in})
	case op == NEWARRAY:
		if _, err := f.popN(1); err != nil {
			return err
		}
		desc, ok := newarrayDescs[in.Int]
		if !ok {
			return fmt.Errorf("invalid newarray type %d", in.Int)
		}
		f.push(ObjectType(desc))
	case op == ANEWARRAY:
		if _, err := f.popN(1); err != nil {
			return err
		}
		f.push(ObjectType("[" + classfile.TypeDescriptor(in.Type)))
	case op == ARRAYLENGTH, op == INSTANCEOF:
		if _, err := f.popN(1); err != nil {
			return err
		}
		f.push(vInt)
	case op == ATHROW, op == MONITORENTER, op == MONITOREXIT:
		_, err := f.popN(1)
		return err
	case op == CHECKCAST:
		if _, err := f.popN(1); err != nil {
			return err
		}
		f.push(ObjectType(in.Type))
	case op == MULTIANEWARRAY:
		if _, err := f.popN(int(in.Dims)); err != nil {
			return err
		}
		f.push(ObjectType(in.Type))
	default:
		return fmt.Errorf("unsupported opcode %s", op)
	}
	return nil
}

func checkLoad(op Opcode, v VType) error {
	ok := false
	switch op {
	case ILOAD:
		ok = v.Kind == Integer
	case LLOAD:
		ok = v.Kind == Long
	case FLOAD:
		ok = v.Kind == Float
	case DLOAD:
		ok = v.Kind == Double
	case ALOAD:
		ok = v.Reference()
	}
	if !ok {
		return fmt.Errorf("%s of %s", op, v)
	}
	return nil
}

func componentType(arr VType) VType {
	if arr.Kind != Object || len(arr.Class) < 2 || arr.Class[0] != '[' {
		return vNull
	}
	return FromDescriptor(arr.Class[1:])
}

func (a *analyzer) ldc(in *Instruction, f *frameOps) error {
	switch v := in.Const.(type) {
	case int32:
		f.push(vInt)
	case float32:
		f.push(vFloat)
	case int64:
		f.push(vLong)
	case float64:
		f.push(vDbl)
	case string:
		f.push(ObjectType("java/lang/String"))
	case classfile.ClassRef:
		f.push(ObjectType("java/lang/Class"))
	case classfile.MethodTypeRef:
		f.push(ObjectType("java/lang/invoke/MethodType"))
	case classfile.PoolRef:
		if in.Type == "" {
			return fmt.Errorf("ldc of pool entry #%d without a known type", v)
		}
		f.push(FromDescriptor(in.Type))
	default:
		return fmt.Errorf("ldc of unsupported constant %T", v)
	}
	return nil
}

func (a *analyzer) invoke(in *Instruction, f *frameOps) error {
	var name, desc string
	if in.Op == INVOKEDYNAMIC {
		name, desc = in.Indy.Name, in.Indy.Descriptor
	} else {
		name, desc = in.Ref.Name, in.Ref.Descriptor
	}
	md, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return err
	}
	for k := len(md.Args) - 1; k >= 0; k-- {
		if err := f.popDesc(md.Args[k]); err != nil {
			return err
		}
	}
	if in.Op != INVOKESTATIC && in.Op != INVOKEDYNAMIC {
		recv, err := f.pop()
		if err != nil {
			return err
		}
		if in.Op == INVOKESPECIAL && name == "<init>" {
			switch recv.Kind {
			case UninitializedThis:
				f.replaceAll(recv, ObjectType(a.m.Owner))
			case Uninitialized:
				f.replaceAll(recv, ObjectType(recv.New.Type))
			default:
				return fmt.Errorf("<init> on initialized %s", recv)
			}
		}
	}
	f.pushDesc(md.Return)
	return nil
}

func stackShuffle(op Opcode, f *frameOps) error {
	switch op {
	case DUP:
		v, err := f.popN(1)
		if err != nil {
			return err
		}
		f.s.stack = append(f.s.stack, v[0], v[0])
	case DUP_X1:
		v, err := f.popN(2)
		if err != nil {
			return err
		}
		f.s.stack = append(f.s.stack, v[1], v[0], v[1])
	case DUP_X2:
		v, err := f.popN(3)
		if err != nil {
			return err
		}
		f.s.stack = append(f.s.stack, v[2], v[0], v[1], v[2])
	case DUP2:
		v, err := f.popN(2)
		if err != nil {
			return err
		}
		f.s.stack = append(f.s.stack, v[0], v[1], v[0], v[1])
	case DUP2_X1:
		v, err := f.popN(3)
		if err != nil {
			return err
		}
		f.s.stack = append(f.s.stack, v[1], v[2], v[0], v[1], v[2])
	case DUP2_X2:
		v, err := f.popN(4)
		if err != nil {
			return err
		}
		f.s.stack = append(f.s.stack, v[2], v[3], v[0], v[1], v[2], v[3])
	case SWAP:
		v, err := f.popN(2)
		if err != nil {
			return err
		}
		f.s.stack = append(f.s.stack, v[1], v[0])
	}
	f.a.maxS = max(f.a.maxS, len(f.s.stack))
	return nil
}

func arith(op Opcode, f *frameOps) error {
	// shifts take an int count regardless of the shifted type
	if op >= ISHL && op <= LUSHR {
		if _, err := f.popN(1); err != nil {
			return err
		}
		v, err := f.pop()
		if err != nil {
			return err
		}
		f.push(v)
		return nil
	}
	if _, err := f.pop(); err != nil {
		return err
	}
	v, err := f.pop()
	if err != nil {
		return err
	}
	f.push(v)
	return nil
}

func convResult(op Opcode) VType {
	switch op {
	case I2L, F2L, D2L:
		return vLong
	case I2F, L2F, D2F:
		return vFloat
	case I2D, L2D, F2D:
		return vDbl
	}
	return vInt
}
