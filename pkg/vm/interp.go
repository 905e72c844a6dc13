package vm

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
)

// ErrUnsupported is returned for instructions the interpreter does not run.
var ErrUnsupported = errors.New("unsupported instruction")

// ExecError is an interpreter failure that is not a Java exception.
type ExecError struct {
	Method string
	Insn   string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Insn == "" {
		return fmt.Sprintf("exec %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("exec %s at %s: %v", e.Method, e.Insn, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// top fills the second word of a long or double.
type top struct{}

var newarrayTypes = map[int32]string{
	bytecode.T_BOOLEAN: "[Z", bytecode.T_CHAR: "[C", bytecode.T_FLOAT: "[F", bytecode.T_DOUBLE: "[D",
	bytecode.T_BYTE: "[B", bytecode.T_SHORT: "[S", bytecode.T_INT: "[I", bytecode.T_LONG: "[J",
}

type frame struct {
	l      *Loader
	m      *Method
	body   *bytecode.Body
	labels map[*bytecode.Label]int
	depth  int

	locals []Value
	stack  []Value
	pc     int
}

func newFrame(l *Loader, m *Method, body *bytecode.Body, labels map[*bytecode.Label]int, depth int) *frame {
	return &frame{
		l:      l,
		m:      m,
		body:   body,
		labels: labels,
		depth:  depth,
		locals: make([]Value, max(body.MaxLocals, 1)),
		stack:  make([]Value, 0, body.MaxStack),
	}
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
	if wide(v) {
		f.stack = append(f.stack, top{})
	}
}

func (f *frame) word() Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) pop() Value {
	v := f.word()
	if _, ok := v.(top); ok {
		return f.word()
	}
	return v
}

func (f *frame) ipop() int32   { return f.pop().(int32) }
func (f *frame) lpop() int64   { return f.pop().(int64) }
func (f *frame) fpop() float32 { return f.pop().(float32) }
func (f *frame) dpop() float64 { return f.pop().(float64) }

func (f *frame) load(i int) Value {
	return f.locals[i]
}

func (f *frame) store(i int, v Value) {
	f.locals[i] = v
	if wide(v) {
		f.locals[i+1] = top{}
	}
}

func (f *frame) jump(l *bytecode.Label) {
	f.pc = f.labels[l]
}

func (f *frame) fail(in *bytecode.Instruction, err error) error {
	return &ExecError{Method: f.m.String(), Insn: in.String(), Err: err}
}

func (f *frame) run(args []Value) (ret Value, err error) {
	need := 0
	for _, a := range args {
		need++
		if wide(a) {
			need++
		}
	}
	if need > len(f.locals) {
		f.locals = append(f.locals, make([]Value, need-len(f.locals))...)
	}
	slot := 0
	for _, a := range args {
		f.store(slot, a)
		slot++
		if wide(a) {
			slot++
		}
	}
	var in *bytecode.Instruction
	defer func() {
		if r := recover(); r != nil {
			// malformed code, for example a type confusion on the stack
			desc := ""
			if in != nil {
				desc = in.String()
			}
			ret, err = nil, &ExecError{Method: f.m.String(), Insn: desc, Err: fmt.Errorf("%v", r)}
		}
	}()

	insns := f.body.Instructions
	for f.pc < len(insns) {
		in = insns[f.pc]
		f.pc++
		if in.Op.Pseudo() {
			continue
		}
		done, v, err := f.step(in)
		if err != nil {
			var ex *Throw
			if !errors.As(err, &ex) {
				var ee *ExecError
				if errors.As(err, &ee) {
					return nil, err
				}
				return nil, f.fail(in, err)
			}
			if !f.handle(f.pc-1, ex) {
				return nil, err
			}
			continue
		}
		if done {
			return v, nil
		}
	}
	return nil, &ExecError{Method: f.m.String(), Err: errors.New("fell off the end of the code")}
}

// handle transfers control to the first handler covering pc that accepts
// ex, and reports whether one was found.
func (f *frame) handle(pc int, ex *Throw) bool {
	for _, tc := range f.body.TryCatch {
		start, end := f.labels[tc.Start], f.labels[tc.End]
		if pc < start || pc >= end {
			continue
		}
		if tc.Type != "" {
			ok, err := f.l.instanceOf(ex.Object, tc.Type)
			if err != nil || !ok {
				continue
			}
		}
		f.stack = append(f.stack[:0], ex.Object)
		f.jump(tc.Handler)
		return true
	}
	return false
}

func (f *frame) throw(class, msg string) error {
	return f.l.throw(class, msg)
}

func (f *frame) npe(what string) error {
	return f.throw("java/lang/NullPointerException", what)
}

func (f *frame) step(in *bytecode.Instruction) (bool, Value, error) {
	op := in.Op
	switch {
	case op == bytecode.NOP:
	case op == bytecode.ACONST_NULL:
		f.push(nil)
	case op >= bytecode.ICONST_M1 && op <= bytecode.ICONST_5:
		f.push(int32(op) - int32(bytecode.ICONST_0))
	case op == bytecode.LCONST_0, op == bytecode.LCONST_1:
		f.push(int64(op - bytecode.LCONST_0))
	case op >= bytecode.FCONST_0 && op <= bytecode.FCONST_2:
		f.push(float32(op - bytecode.FCONST_0))
	case op == bytecode.DCONST_0, op == bytecode.DCONST_1:
		f.push(float64(op - bytecode.DCONST_0))
	case op == bytecode.BIPUSH, op == bytecode.SIPUSH:
		f.push(in.Int)
	case op == bytecode.LDC, op == bytecode.LDC_W, op == bytecode.LDC2_W:
		return false, nil, f.ldc(in)
	case op >= bytecode.ILOAD && op <= bytecode.ALOAD:
		f.push(f.load(in.Var))
	case op >= bytecode.ISTORE && op <= bytecode.ASTORE:
		f.store(in.Var, f.pop())
	case op >= bytecode.IALOAD && op <= bytecode.SALOAD:
		return false, nil, f.arrayLoad()
	case op >= bytecode.IASTORE && op <= bytecode.SASTORE:
		return false, nil, f.arrayStore(op)
	case op >= bytecode.POP && op <= bytecode.SWAP:
		f.shuffle(op)
	case op >= bytecode.IADD && op <= bytecode.LXOR:
		return false, nil, f.arith(op)
	case op == bytecode.IINC:
		f.locals[in.Var] = f.locals[in.Var].(int32) + in.Int
	case op >= bytecode.I2L && op <= bytecode.I2S:
		f.convert(op)
	case op >= bytecode.LCMP && op <= bytecode.DCMPG:
		f.compare(op)
	case op >= bytecode.IFEQ && op <= bytecode.IFLE:
		if cond(op-bytecode.IFEQ, f.ipop(), 0) {
			f.jump(in.Target)
		}
	case op >= bytecode.IF_ICMPEQ && op <= bytecode.IF_ICMPLE:
		b, a := f.ipop(), f.ipop()
		if cond(op-bytecode.IF_ICMPEQ, a, b) {
			f.jump(in.Target)
		}
	case op == bytecode.IF_ACMPEQ, op == bytecode.IF_ACMPNE:
		b, a := f.pop(), f.pop()
		if (a == b) == (op == bytecode.IF_ACMPEQ) {
			f.jump(in.Target)
		}
	case op == bytecode.IFNULL, op == bytecode.IFNONNULL:
		if (f.pop() == nil) == (op == bytecode.IFNULL) {
			f.jump(in.Target)
		}
	case op == bytecode.GOTO, op == bytecode.GOTO_W:
		f.jump(in.Target)
	case op == bytecode.TABLESWITCH:
		key := f.ipop()
		if i := int64(key) - int64(in.Low); i >= 0 && i < int64(len(in.Targets)) {
			f.jump(in.Targets[i])
		} else {
			f.jump(in.Default)
		}
	case op == bytecode.LOOKUPSWITCH:
		if i := slices.Index(in.Keys, f.ipop()); i >= 0 {
			f.jump(in.Targets[i])
		} else {
			f.jump(in.Default)
		}
	case op >= bytecode.IRETURN && op <= bytecode.ARETURN:
		return true, f.pop(), nil
	case op == bytecode.RETURN:
		return true, nil, nil
	case op.IsFieldAccess():
		return false, nil, f.field(in)
	case op == bytecode.INVOKEDYNAMIC:
		return false, nil, ErrUnsupported
	case op.IsInvoke():
		return false, nil, f.invoke(in)
	case op == bytecode.NEW:
		c, err := f.l.LoadClass(in.Type)
		if err != nil {
			return false, nil, err
		}
		if c.IsInterface() || c.Access&classfile.AccAbstract != 0 {
			return false, nil, f.throw("java/lang/InstantiationError", c.Name)
		}
		if err := f.l.initialize(c); err != nil {
			return false, nil, err
		}
		f.push(newObject(c))
	case op == bytecode.NEWARRAY, op == bytecode.ANEWARRAY:
		n := f.ipop()
		if n < 0 {
			return false, nil, f.throw("java/lang/NegativeArraySizeException", fmt.Sprint(n))
		}
		desc := newarrayTypes[in.Int]
		if op == bytecode.ANEWARRAY {
			desc = "[" + classfile.TypeDescriptor(in.Type)
		}
		f.push(NewArray(desc, int(n)))
	case op == bytecode.MULTIANEWARRAY:
		dims := make([]int32, in.Dims)
		for i := len(dims) - 1; i >= 0; i-- {
			dims[i] = f.ipop()
			if dims[i] < 0 {
				return false, nil, f.throw("java/lang/NegativeArraySizeException", fmt.Sprint(dims[i]))
			}
		}
		f.push(multiArray(in.Type, dims))
	case op == bytecode.ARRAYLENGTH:
		a, ok := f.pop().(*Array)
		if !ok || a == nil {
			return false, nil, f.npe("array length of null")
		}
		f.push(int32(len(a.Elems)))
	case op == bytecode.ATHROW:
		obj, _ := f.pop().(*Object)
		if obj == nil {
			return false, nil, f.npe("throw of null")
		}
		return false, nil, &Throw{Object: obj}
	case op == bytecode.CHECKCAST:
		v := f.stack[len(f.stack)-1]
		ok, err := f.l.instanceOf(v, in.Type)
		if err != nil {
			return false, nil, err
		}
		if v != nil && !ok {
			rc, _ := f.l.classOf(v)
			return false, nil, f.throw("java/lang/ClassCastException",
				fmt.Sprintf("class %s cannot be cast to class %s", classfile.JavaName(rc.Name), classfile.JavaName(in.Type)))
		}
	case op == bytecode.INSTANCEOF:
		ok, err := f.l.instanceOf(f.pop(), in.Type)
		if err != nil {
			return false, nil, err
		}
		f.push(jbool(ok))
	case op == bytecode.MONITORENTER, op == bytecode.MONITOREXIT:
		if f.pop() == nil {
			return false, nil, f.npe("monitor of null")
		}
	default:
		// jsr, ret and anything a future class version adds
		return false, nil, ErrUnsupported
	}
	return false, nil, nil
}

func (f *frame) ldc(in *bytecode.Instruction) error {
	switch v := in.Const.(type) {
	case int32, int64, float32, float64, string:
		f.push(v)
	case classfile.ClassRef:
		c, err := f.l.LoadClass(string(v))
		if err != nil {
			return err
		}
		m, err := f.l.Mirror(c)
		if err != nil {
			return err
		}
		f.push(m)
	default:
		return ErrUnsupported
	}
	return nil
}

func (f *frame) array() (*Array, int32, error) {
	i := f.ipop()
	a, _ := f.pop().(*Array)
	if a == nil {
		return nil, 0, f.npe("array access on null")
	}
	if i < 0 || int(i) >= len(a.Elems) {
		return nil, 0, f.throw("java/lang/ArrayIndexOutOfBoundsException",
			fmt.Sprintf("Index %d out of bounds for length %d", i, len(a.Elems)))
	}
	return a, i, nil
}

func (f *frame) arrayLoad() error {
	a, i, err := f.array()
	if err != nil {
		return err
	}
	f.push(a.Elems[i])
	return nil
}

func (f *frame) arrayStore(op bytecode.Opcode) error {
	v := f.pop()
	a, i, err := f.array()
	if err != nil {
		return err
	}
	switch op {
	case bytecode.BASTORE:
		if a.Type == "[Z" {
			v = v.(int32) & 1
		} else {
			v = int32(int8(v.(int32)))
		}
	case bytecode.CASTORE:
		v = int32(uint16(v.(int32)))
	case bytecode.SASTORE:
		v = int32(int16(v.(int32)))
	}
	a.Elems[i] = v
	return nil
}

func multiArray(desc string, dims []int32) *Array {
	a := NewArray(desc, int(dims[0]))
	if len(dims) > 1 {
		for i := range a.Elems {
			a.Elems[i] = multiArray(desc[1:], dims[1:])
		}
	}
	return a
}

// shuffle runs the untyped stack instructions on words.
func (f *frame) shuffle(op bytecode.Opcode) {
	s := f.stack
	n := len(s)
	switch op {
	case bytecode.POP:
		f.stack = s[:n-1]
	case bytecode.POP2:
		f.stack = s[:n-2]
	case bytecode.DUP:
		f.stack = append(s, s[n-1])
	case bytecode.DUP_X1:
		f.stack = slices.Insert(s, n-2, s[n-1])
	case bytecode.DUP_X2:
		f.stack = slices.Insert(s, n-3, s[n-1])
	case bytecode.DUP2:
		f.stack = append(s, s[n-2], s[n-1])
	case bytecode.DUP2_X1:
		f.stack = slices.Insert(s, n-3, s[n-2], s[n-1])
	case bytecode.DUP2_X2:
		f.stack = slices.Insert(s, n-4, s[n-2], s[n-1])
	case bytecode.SWAP:
		s[n-1], s[n-2] = s[n-2], s[n-1]
	}
}

func (f *frame) arith(op bytecode.Opcode) error {
	if op >= bytecode.INEG && op <= bytecode.DNEG {
		switch op {
		case bytecode.INEG:
			f.push(-f.ipop())
		case bytecode.LNEG:
			f.push(-f.lpop())
		case bytecode.FNEG:
			f.push(-f.fpop())
		case bytecode.DNEG:
			f.push(-f.dpop())
		}
		return nil
	}
	// shifts take an int count even for longs
	if op >= bytecode.ISHL && op <= bytecode.LUSHR {
		n := uint(f.ipop())
		switch op {
		case bytecode.ISHL:
			f.push(f.ipop() << (n & 31))
		case bytecode.ISHR:
			f.push(f.ipop() >> (n & 31))
		case bytecode.IUSHR:
			f.push(int32(uint32(f.ipop()) >> (n & 31)))
		case bytecode.LSHL:
			f.push(f.lpop() << (n & 63))
		case bytecode.LSHR:
			f.push(f.lpop() >> (n & 63))
		case bytecode.LUSHR:
			f.push(int64(uint64(f.lpop()) >> (n & 63)))
		}
		return nil
	}

	b, a := f.pop(), f.pop()
	switch a := a.(type) {
	case int32:
		b := b.(int32)
		switch op {
		case bytecode.IADD:
			f.push(a + b)
		case bytecode.ISUB:
			f.push(a - b)
		case bytecode.IMUL:
			f.push(a * b)
		case bytecode.IDIV, bytecode.IREM:
			if b == 0 {
				return f.throw("java/lang/ArithmeticException", "/ by zero")
			}
			if op == bytecode.IDIV {
				f.push(a / b)
			} else {
				f.push(a % b)
			}
		case bytecode.IAND:
			f.push(a & b)
		case bytecode.IOR:
			f.push(a | b)
		case bytecode.IXOR:
			f.push(a ^ b)
		}
	case int64:
		b := b.(int64)
		switch op {
		case bytecode.LADD:
			f.push(a + b)
		case bytecode.LSUB:
			f.push(a - b)
		case bytecode.LMUL:
			f.push(a * b)
		case bytecode.LDIV, bytecode.LREM:
			if b == 0 {
				return f.throw("java/lang/ArithmeticException", "/ by zero")
			}
			if op == bytecode.LDIV {
				f.push(a / b)
			} else {
				f.push(a % b)
			}
		case bytecode.LAND:
			f.push(a & b)
		case bytecode.LOR:
			f.push(a | b)
		case bytecode.LXOR:
			f.push(a ^ b)
		}
	case float32:
		b := b.(float32)
		switch op {
		case bytecode.FADD:
			f.push(a + b)
		case bytecode.FSUB:
			f.push(a - b)
		case bytecode.FMUL:
			f.push(a * b)
		case bytecode.FDIV:
			f.push(a / b)
		case bytecode.FREM:
			f.push(float32(math.Mod(float64(a), float64(b))))
		}
	case float64:
		b := b.(float64)
		switch op {
		case bytecode.DADD:
			f.push(a + b)
		case bytecode.DSUB:
			f.push(a - b)
		case bytecode.DMUL:
			f.push(a * b)
		case bytecode.DDIV:
			f.push(a / b)
		case bytecode.DREM:
			f.push(math.Mod(a, b))
		}
	default:
		return fmt.Errorf("%T operand", a)
	}
	return nil
}

func (f *frame) convert(op bytecode.Opcode) {
	switch op {
	case bytecode.I2L:
		f.push(int64(f.ipop()))
	case bytecode.I2F:
		f.push(float32(f.ipop()))
	case bytecode.I2D:
		f.push(float64(f.ipop()))
	case bytecode.L2I:
		f.push(int32(f.lpop()))
	case bytecode.L2F:
		f.push(float32(f.lpop()))
	case bytecode.L2D:
		f.push(float64(f.lpop()))
	case bytecode.F2I:
		f.push(int32(toInt(float64(f.fpop()), math.MinInt32, math.MaxInt32)))
	case bytecode.F2L:
		f.push(toInt(float64(f.fpop()), math.MinInt64, math.MaxInt64))
	case bytecode.F2D:
		f.push(float64(f.fpop()))
	case bytecode.D2I:
		f.push(int32(toInt(f.dpop(), math.MinInt32, math.MaxInt32)))
	case bytecode.D2L:
		f.push(toInt(f.dpop(), math.MinInt64, math.MaxInt64))
	case bytecode.D2F:
		f.push(float32(f.dpop()))
	case bytecode.I2B:
		f.push(int32(int8(f.ipop())))
	case bytecode.I2C:
		f.push(int32(uint16(f.ipop())))
	case bytecode.I2S:
		f.push(int32(int16(f.ipop())))
	}
}

// toInt truncates toward zero, saturating at the bounds. NaN is zero.
func toInt(v float64, lo, hi int64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= float64(lo):
		return lo
	case v >= float64(hi):
		return hi
	}
	return int64(v)
}

func (f *frame) compare(op bytecode.Opcode) {
	var a, b float64
	switch op {
	case bytecode.LCMP:
		y, x := f.lpop(), f.lpop()
		f.push(int32(cmpOrdered(x, y)))
		return
	case bytecode.FCMPL, bytecode.FCMPG:
		y, x := f.fpop(), f.fpop()
		a, b = float64(x), float64(y)
	default:
		b, a = f.dpop(), f.dpop()
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		if op == bytecode.FCMPG || op == bytecode.DCMPG {
			f.push(int32(1))
		} else {
			f.push(int32(-1))
		}
		return
	}
	f.push(int32(cmpOrdered(a, b)))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cond evaluates the comparison at offset k in the eq, ne, lt, ge, gt, le
// family.
func cond(k bytecode.Opcode, a, b int32) bool {
	switch k {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	}
	return a <= b
}

func (f *frame) field(in *bytecode.Instruction) error {
	ref := in.Ref
	switch in.Op {
	case bytecode.GETSTATIC, bytecode.PUTSTATIC:
		c, err := f.l.LoadClass(ref.Owner)
		if err != nil {
			return err
		}
		fd := c.LookupField(ref.Name)
		if fd == nil || !fd.IsStatic() {
			return f.throw("java/lang/NoSuchFieldError", ref.Name)
		}
		if in.Op == bytecode.PUTSTATIC {
			return fd.Set(nil, f.pop())
		}
		v, err := fd.Get(nil)
		if err != nil {
			return err
		}
		f.push(v)
	case bytecode.GETFIELD:
		obj, _ := f.pop().(*Object)
		if obj == nil {
			return f.npe(fmt.Sprintf("Cannot read field %q", ref.Name))
		}
		f.push(obj.Field(ref.Name, ref.Descriptor))
	case bytecode.PUTFIELD:
		v := f.pop()
		obj, _ := f.pop().(*Object)
		if obj == nil {
			return f.npe(fmt.Sprintf("Cannot assign field %q", ref.Name))
		}
		obj.SetField(ref.Name, v)
	}
	return nil
}

func (f *frame) invoke(in *bytecode.Instruction) error {
	ref := in.Ref
	md, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return err
	}
	n := len(md.Args)
	if in.Op != bytecode.INVOKESTATIC {
		n++
	}
	args := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = f.pop()
	}

	c, err := f.l.LoadClass(ref.Owner)
	if err != nil {
		return err
	}
	var m *Method
	switch in.Op {
	case bytecode.INVOKESTATIC:
		m = c.LookupMethod(ref.Name, ref.Descriptor)
		if m != nil && !m.IsStatic() {
			return f.throw("java/lang/IncompatibleClassChangeError", ref.String())
		}
	case bytecode.INVOKESPECIAL:
		if args[0] == nil {
			return f.npe(fmt.Sprintf("Cannot invoke %q", classfile.JavaName(ref.Owner)+"."+ref.Name+"()"))
		}
		m = c.LookupMethod(ref.Name, ref.Descriptor)
	default:
		if args[0] == nil {
			return f.npe(fmt.Sprintf("Cannot invoke %q", classfile.JavaName(ref.Owner)+"."+ref.Name+"()"))
		}
		rc, err := f.l.classOf(args[0])
		if err != nil {
			return err
		}
		if m = rc.LookupMethod(ref.Name, ref.Descriptor); m == nil {
			m = c.LookupMethod(ref.Name, ref.Descriptor)
		}
	}
	if m == nil {
		return f.throw("java/lang/NoSuchMethodError", ref.String())
	}
	v, err := f.l.invoke(f.m, m, args, f.depth+1)
	if err != nil {
		return err
	}
	if md.Return != "V" {
		f.push(v)
	}
	return nil
}
