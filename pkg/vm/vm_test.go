package vm_test

import (
	"bytes"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/internal/fixture"
	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/vm"
)

const static = classfile.AccPublic | classfile.AccStatic

func newClass(name string) *classfile.ClassFile {
	return classfile.New(classfile.AccPublic|classfile.AccSuper, name, fixture.Object)
}

// method adds a method whose body and exception table come from fn.
func method(t *testing.T, cf *classfile.ClassFile, access uint16, name, desc string, fn func(b *bytecode.Builder) []bytecode.TryCatch) {
	t.Helper()
	m := cf.AddMethod(access, name, desc)
	b := bytecode.NewBuilder(&bytecode.Body{}, bytecode.Method{Owner: cf.Name, Access: access, Name: name, Descriptor: desc})
	handlers := fn(b)
	body, err := b.Build()
	require.NoError(t, err)
	body.TryCatch = handlers
	require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{}))
}

func newLoader(t *testing.T, extra ...*classfile.ClassFile) *vm.Loader {
	t.Helper()
	classes, err := fixture.Build()
	require.NoError(t, err)
	for _, cf := range extra {
		data, err := cf.Bytes()
		require.NoError(t, err)
		classes[cf.Name] = data
	}
	return vm.NewLoader(classes)
}

func throwOf(t *testing.T, err error, class string) *vm.Throw {
	t.Helper()
	var ex *vm.Throw
	require.True(t, errors.As(err, &ex), "expected a Java exception, got %v", err)
	assert.Equal(t, class, ex.Object.Class.Name)
	return ex
}

func calc(t *testing.T) *classfile.ClassFile {
	cf := newClass("Calc")
	method(t, cf, static, "add", "(II)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).LoadArg(1).Insn(bytecode.IADD).Return()
		return nil
	})
	method(t, cf, static, "div", "(II)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).LoadArg(1).Insn(bytecode.IDIV).Return()
		return nil
	})
	method(t, cf, static, "f2i", "(F)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).Insn(bytecode.F2I).Return()
		return nil
	})
	method(t, cf, static, "shl", "(JI)J", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).LoadArg(1).Insn(bytecode.LSHL).Return()
		return nil
	})
	method(t, cf, static, "twice", "(J)J", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).Insn(bytecode.DUP2).Insn(bytecode.LADD).Return()
		return nil
	})
	method(t, cf, static, "sum", "(I)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		loop, done := b.NewLabel(), b.NewLabel()
		b.PushInt(0).Store("I", 1).PushInt(0).Store("I", 2)
		b.Mark(loop).Load("I", 2).LoadArg(0).Jump(bytecode.IF_ICMPGE, done)
		b.Load("I", 1).Load("I", 2).Insn(bytecode.IADD).Store("I", 1)
		b.Add(bytecode.IincInsn(2, 1)).Jump(bytecode.GOTO, loop)
		b.Mark(done).Load("I", 1).Return()
		return nil
	})
	method(t, cf, static, "pick", "(I)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		one, two, dflt := b.NewLabel(), b.NewLabel(), b.NewLabel()
		b.LoadArg(0).Add(bytecode.TableSwitchInsn(1, dflt, one, two))
		b.Mark(one).PushInt(10).Return()
		b.Mark(two).PushInt(20).Return()
		b.Mark(dflt).PushInt(-1).Return()
		return nil
	})
	method(t, cf, static, "safeDiv", "(II)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
		b.Mark(start).LoadArg(0).LoadArg(1).Insn(bytecode.IDIV).Return().Mark(end)
		b.Mark(handler).Insn(bytecode.POP).PushInt(-1).Return()
		return []bytecode.TryCatch{{Start: start, End: end, Handler: handler, Type: "java/lang/ArithmeticException"}}
	})
	return cf
}

func TestArithmetic(t *testing.T) {
	l := newLoader(t, calc(t))
	c, err := l.LoadClass("Calc")
	require.NoError(t, err)

	tests := []struct {
		name string
		desc string
		args []vm.Value
		want vm.Value
	}{
		{"add", "(II)I", []vm.Value{int32(40), int32(2)}, int32(42)},
		{"add", "(II)I", []vm.Value{int32(math.MaxInt32), int32(1)}, int32(math.MinInt32)},
		{"div", "(II)I", []vm.Value{int32(-7), int32(2)}, int32(-3)},
		{"f2i", "(F)I", []vm.Value{float32(3.9)}, int32(3)},
		{"f2i", "(F)I", []vm.Value{float32(math.NaN())}, int32(0)},
		{"f2i", "(F)I", []vm.Value{float32(1e20)}, int32(math.MaxInt32)},
		{"shl", "(JI)J", []vm.Value{int64(1), int32(40)}, int64(1) << 40},
		{"twice", "(J)J", []vm.Value{int64(21)}, int64(42)},
		{"sum", "(I)I", []vm.Value{int32(5)}, int32(10)},
		{"pick", "(I)I", []vm.Value{int32(1)}, int32(10)},
		{"pick", "(I)I", []vm.Value{int32(2)}, int32(20)},
		{"pick", "(I)I", []vm.Value{int32(9)}, int32(-1)},
		{"safeDiv", "(II)I", []vm.Value{int32(9), int32(3)}, int32(3)},
		{"safeDiv", "(II)I", []vm.Value{int32(9), int32(0)}, int32(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Invoke(nil, tt.name, tt.desc, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDivideByZeroThrows(t *testing.T) {
	l := newLoader(t, calc(t))
	c, err := l.LoadClass("Calc")
	require.NoError(t, err)

	_, err = c.Invoke(nil, "div", "(II)I", int32(1), int32(0))
	ex := throwOf(t, err, "java/lang/ArithmeticException")
	assert.Equal(t, "/ by zero", ex.Message())
	assert.Equal(t, "java.lang.ArithmeticException: / by zero", ex.Error())
}

func TestFixtureObjects(t *testing.T) {
	l := newLoader(t)
	b, err := l.LoadClass("B")
	require.NoError(t, err)
	require.NotNil(t, b.Super)
	assert.Equal(t, "A", b.Super.Name)

	obj, err := b.Construct("()V")
	require.NoError(t, err)
	got, err := b.Invoke(obj, "bar", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(fixture.FooValue), got)

	got, err = b.Invoke(obj, "greet", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, fixture.Greeting, got)

	require.NoError(t, b.Set(obj, "count", int32(3)))
	got, err = b.Get(obj, "count")
	require.NoError(t, err)
	assert.Equal(t, int32(3), got)

	a, err := l.LoadClass("A")
	require.NoError(t, err)
	assert.True(t, a.IsInstance(obj))
	assert.True(t, b.IsSubclassOf(a))
	assert.False(t, a.IsSubclassOf(b))
}

func TestTracerSeesEveryInvoke(t *testing.T) {
	l := newLoader(t)
	var calls []string
	l.SetTracer(func(caller, callee *vm.Method) {
		from := "go"
		if caller != nil {
			from = caller.String()
		}
		calls = append(calls, from+" -> "+callee.String())
	})
	b, err := l.LoadClass("B")
	require.NoError(t, err)
	obj, err := b.Construct("()V")
	require.NoError(t, err)
	_, err = b.Invoke(obj, "bar", "()I")
	require.NoError(t, err)

	assert.Contains(t, calls, "go -> B.<init>()V")
	assert.Contains(t, calls, "B.<init>()V -> A.<init>()V")
	assert.Contains(t, calls, "B.bar()I -> A.foo()I")
}

func TestInterfaceDispatch(t *testing.T) {
	cf := newClass("Runner")
	method(t, cf, static, "go", "(LI;)V", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).InvokeInterface("I", "run", "()V").Insn(bytecode.RETURN)
		return nil
	})
	l := newLoader(t, cf)
	var ran atomic.Bool
	l.SetTracer(func(_, callee *vm.Method) {
		if callee.String() == "C.run()V" {
			ran.Store(true)
		}
	})
	c, err := l.LoadClass("C")
	require.NoError(t, err)
	obj, err := c.Construct("()V")
	require.NoError(t, err)
	runner, err := l.LoadClass("Runner")
	require.NoError(t, err)

	_, err = runner.Invoke(nil, "go", "(LI;)V", obj)
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestExceptions(t *testing.T) {
	cf := newClass("Boom")
	raise := func(b *bytecode.Builder) {
		b.Add(bytecode.TypeInsn(bytecode.NEW, "java/lang/RuntimeException")).Insn(bytecode.DUP).
			PushString("bad").
			InvokeSpecial("java/lang/RuntimeException", "<init>", "(Ljava/lang/String;)V").
			Insn(bytecode.ATHROW)
	}
	method(t, cf, static, "boom", "()V", func(b *bytecode.Builder) []bytecode.TryCatch {
		raise(b)
		return nil
	})
	method(t, cf, static, "caught", "()Ljava/lang/String;", func(b *bytecode.Builder) []bytecode.TryCatch {
		start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
		b.Mark(start)
		raise(b)
		b.Mark(end)
		b.Mark(handler).InvokeVirtual("java/lang/Throwable", "getMessage", "()Ljava/lang/String;").Return()
		return []bytecode.TryCatch{{Start: start, End: end, Handler: handler}}
	})
	method(t, cf, static, "length", "(Ljava/lang/String;)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).InvokeVirtual("java/lang/String", "length", "()I").Return()
		return nil
	})
	method(t, cf, static, "oob", "()I", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.PushInt(2).Add(bytecode.IntInsn(bytecode.NEWARRAY, bytecode.T_INT)).PushInt(5).Insn(bytecode.IALOAD).Return()
		return nil
	})
	method(t, cf, static, "cast", "(Ljava/lang/Object;)LB;", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).CheckCast("B").Return()
		return nil
	})
	l := newLoader(t, cf)
	boom, err := l.LoadClass("Boom")
	require.NoError(t, err)

	_, err = boom.Invoke(nil, "boom", "()V")
	ex := throwOf(t, err, "java/lang/RuntimeException")
	assert.Equal(t, "bad", ex.Message())

	got, err := boom.Invoke(nil, "caught", "()Ljava/lang/String;")
	require.NoError(t, err)
	assert.Equal(t, "bad", got)

	got, err = boom.Invoke(nil, "length", "(Ljava/lang/String;)I", "héllo")
	require.NoError(t, err)
	assert.Equal(t, int32(5), got)
	_, err = boom.Invoke(nil, "length", "(Ljava/lang/String;)I", nil)
	throwOf(t, err, "java/lang/NullPointerException")

	_, err = boom.Invoke(nil, "oob", "()I")
	ex = throwOf(t, err, "java/lang/ArrayIndexOutOfBoundsException")
	assert.Equal(t, "Index 5 out of bounds for length 2", ex.Message())

	a, err := l.LoadClass("A")
	require.NoError(t, err)
	objA, err := a.Construct("()V")
	require.NoError(t, err)
	_, err = boom.Invoke(nil, "cast", "(Ljava/lang/Object;)LB;", objA)
	ex = throwOf(t, err, "java/lang/ClassCastException")
	assert.Equal(t, "class A cannot be cast to class B", ex.Message())
	got, err = boom.Invoke(nil, "cast", "(Ljava/lang/Object;)LB;", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStaticInitializerRunsOnce(t *testing.T) {
	cf := newClass("Counter")
	cf.AddField(static, "n", "I")
	method(t, cf, static, "<clinit>", "()V", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.GetStatic("Counter", "n", "I").PushInt(1).Insn(bytecode.IADD).PutStatic("Counter", "n", "I").Insn(bytecode.RETURN)
		return nil
	})
	method(t, cf, static, "get", "()I", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.GetStatic("Counter", "n", "I").Return()
		return nil
	})
	l := newLoader(t, cf)
	c, err := l.LoadClass("Counter")
	require.NoError(t, err)
	for range 3 {
		got, err := c.Invoke(nil, "get", "()I")
		require.NoError(t, err)
		assert.Equal(t, int32(1), got)
	}
}

func TestStringBuilderAndPrint(t *testing.T) {
	cf := newClass("Fmt")
	method(t, cf, static, "show", "(Ljava/lang/String;I)Ljava/lang/String;", func(b *bytecode.Builder) []bytecode.TryCatch {
		sb := "java/lang/StringBuilder"
		b.New(sb).
			LoadArg(0).InvokeVirtual(sb, "append", "(Ljava/lang/String;)Ljava/lang/StringBuilder;").
			LoadArg(1).InvokeVirtual(sb, "append", "(I)Ljava/lang/StringBuilder;").
			InvokeVirtual(sb, "toString", "()Ljava/lang/String;").
			Store("Ljava/lang/String;", 2).
			GetStatic("java/lang/System", "out", "Ljava/io/PrintStream;").
			Load("Ljava/lang/String;", 2).
			InvokeVirtual("java/io/PrintStream", "println", "(Ljava/lang/String;)V").
			Load("Ljava/lang/String;", 2).Return()
		return nil
	})
	l := newLoader(t, cf)
	var out bytes.Buffer
	l.SetOutput(&out)
	c, err := l.LoadClass("Fmt")
	require.NoError(t, err)

	got, err := c.Invoke(nil, "show", "(Ljava/lang/String;I)Ljava/lang/String;", "x=", int32(42))
	require.NoError(t, err)
	assert.Equal(t, "x=42", got)
	assert.Equal(t, "x=42\n", out.String())
}

func TestNativesAndSynthesizedClasses(t *testing.T) {
	cf := newClass("Caller")
	method(t, cf, static, "call", "(I)I", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.LoadArg(0).InvokeStatic("Hooks", "twice", "(I)I").Return()
		return nil
	})
	l := newLoader(t, cf)
	l.RegisterNative("Hooks", "twice", "(I)I", func(_ *vm.Loader, args []vm.Value) (vm.Value, error) {
		return args[0].(int32) * 2, nil
	})
	c, err := l.LoadClass("Caller")
	require.NoError(t, err)
	got, err := c.Invoke(nil, "call", "(I)I", int32(21))
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)

	// natives also override bytecode
	l.RegisterNative("A", "foo", "()I", func(*vm.Loader, []vm.Value) (vm.Value, error) {
		return int32(7), nil
	})
	b, err := l.LoadClass("B")
	require.NoError(t, err)
	obj, err := b.Construct("()V")
	require.NoError(t, err)
	got, err = b.Invoke(obj, "bar", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)
}

func TestStackOverflow(t *testing.T) {
	cf := newClass("Rec")
	method(t, cf, static, "rec", "()V", func(b *bytecode.Builder) []bytecode.TryCatch {
		b.InvokeStatic("Rec", "rec", "()V").Insn(bytecode.RETURN)
		return nil
	})
	l := newLoader(t, cf)
	l.MaxDepth = 50
	c, err := l.LoadClass("Rec")
	require.NoError(t, err)
	_, err = c.Invoke(nil, "rec", "()V")
	throwOf(t, err, "java/lang/StackOverflowError")
}

func TestTransformersSeeClassBytes(t *testing.T) {
	l := newLoader(t)
	var seen []string
	l.AddTransformer(vm.TransformerFunc(func(name string, data []byte) ([]byte, error) {
		seen = append(seen, name)
		return data, nil
	}))
	l.AddTransformer(vm.TransformerFunc(func(name string, data []byte) ([]byte, error) {
		return nil, errors.New("broken transformer")
	}))
	b, err := l.LoadClass("B")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, seen)

	obj, err := b.Construct("()V")
	require.NoError(t, err)
	got, err := b.Invoke(obj, "bar", "()I")
	require.NoError(t, err)
	assert.Equal(t, int32(fixture.FooValue), got)
}

func TestMissingClass(t *testing.T) {
	l := newLoader(t)
	_, err := l.LoadClass("does/not/Exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does/not/Exist")
}
