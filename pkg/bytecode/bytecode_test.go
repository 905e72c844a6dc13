package bytecode_test

import (
	"bytes"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/internal/fixture"
	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
)

type testHierarchy map[string]string // class -> super

func (h testHierarchy) CommonSuperclass(a, b string) string {
	seen := map[string]bool{}
	for c := a; c != ""; c = h[c] {
		seen[c] = true
	}
	for c := b; c != ""; c = h[c] {
		if seen[c] {
			return c
		}
	}
	return "java/lang/Object"
}

var fixtureHierarchy = testHierarchy{"A": "java/lang/Object", "B": "A", "C": "java/lang/Object"}

func fixtureClass(t *testing.T, name string) *classfile.ClassFile {
	t.Helper()
	classes, err := fixture.Build()
	require.NoError(t, err)
	cf, err := classfile.Parse(classes[name])
	require.NoError(t, err)
	return cf
}

func codeBytes(t *testing.T, m *classfile.Method) []byte {
	t.Helper()
	a, ok := m.Attribute("Code")
	require.True(t, ok)
	return a.Data
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	for _, name := range []string{"A", "B", "C"} {
		cf := fixtureClass(t, name)
		for _, m := range cf.Methods {
			body, err := bytecode.Decode(cf, m)
			require.NoError(t, err, "%s.%s", name, m)
			before := bytes.Clone(codeBytes(t, m))

			require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{}), "%s.%s", name, m)
			assert.Equal(t, before, codeBytes(t, m), "%s.%s re-encodes identically", name, m)
			require.NoError(t, bytecode.VerifyFrames(cf, m, nil), "%s.%s", name, m)
		}
	}
}

func TestFramesMergeThroughHierarchy(t *testing.T) {
	cf := fixtureClass(t, "B")
	m := cf.Method("pick", "")
	require.NotNil(t, m)
	body, err := bytecode.Decode(cf, m)
	require.NoError(t, err)

	require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{Hierarchy: fixtureHierarchy}))
	require.NoError(t, bytecode.VerifyFrames(cf, m, fixtureHierarchy))

	decoded, err := bytecode.Decode(cf, m)
	require.NoError(t, err)
	var stacks []string
	for _, in := range decoded.Instructions {
		if in.Op == bytecode.FRAME && len(in.Frame.Stack) == 1 {
			stacks = append(stacks, in.Frame.Stack[0].Class)
		}
	}
	assert.Equal(t, []string{"A"}, stacks, "join point holds the common superclass")

	// an independent analysis with a different hierarchy must disagree
	assert.Error(t, bytecode.VerifyFrames(cf, m, nil))
}

func TestVerifyFramesChecksStoredFrames(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *bytecode.Frame)
		err    string
	}{
		{"wider type is accepted", func(f *bytecode.Frame) { f.Stack[0] = bytecode.ObjectType("java/lang/Object") }, ""},
		{"exact type is accepted", func(f *bytecode.Frame) { f.Stack[0] = bytecode.ObjectType("A") }, ""},
		{"unrelated class", func(f *bytecode.Frame) { f.Stack[0] = bytecode.ObjectType("C") }, "frame expects C"},
		{"narrower class", func(f *bytecode.Frame) { f.Stack[0] = bytecode.ObjectType("B") }, "frame expects B"},
		{"int for a reference", func(f *bytecode.Frame) { f.Stack[0] = bytecode.VType{Kind: bytecode.Integer} }, "frame expects int"},
		{"extra stack slot", func(f *bytecode.Frame) { f.Stack = append(f.Stack, bytecode.VType{Kind: bytecode.Integer}) }, "stack height"},
		{"local of the wrong kind", func(f *bytecode.Frame) { f.Locals[1] = bytecode.VType{Kind: bytecode.Float} }, "local 1 holds int"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := fixtureClass(t, "B")
			m := cf.Method("pick", "")
			body, err := bytecode.Decode(cf, m)
			require.NoError(t, err)

			var join *bytecode.Instruction
			for _, in := range body.Instructions {
				if in.Op == bytecode.FRAME && len(in.Frame.Stack) == 1 {
					join = in
				}
			}
			require.NotNil(t, join)
			f := &bytecode.Frame{Locals: slices.Clone(join.Frame.Locals), Stack: slices.Clone(join.Frame.Stack)}
			tt.mutate(f)
			join.Frame = f

			// preserve writes the stored frames as they are
			require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{Frames: bytecode.Preserve}))
			err = bytecode.VerifyFrames(cf, m, fixtureHierarchy)
			if tt.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestFarBranchIsWidened(t *testing.T) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "Far", "java/lang/Object")
	meth := bytecode.Method{Owner: "Far", Access: classfile.AccPublic | classfile.AccStatic, Name: "far", Descriptor: "(I)I"}
	m := cf.AddMethod(meth.Access, meth.Name, meth.Descriptor)

	body := &bytecode.Body{}
	b := bytecode.NewBuilder(body, meth)
	end := b.NewLabel()
	b.LoadArg(0).Jump(bytecode.IFEQ, end)
	for range 40000 {
		b.Insn(bytecode.NOP)
	}
	b.Mark(end).PushInt(1).Return()
	body, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{}))
	code, err := m.Code(cf.Pool)
	require.NoError(t, err)
	assert.Equal(t, byte(bytecode.ILOAD_0), code.Code[0])
	assert.Equal(t, byte(bytecode.IFNE), code.Code[1], "conditional is inverted")
	assert.Equal(t, []byte{0, 8}, code.Code[2:4], "inverted branch skips the goto_w")
	assert.Equal(t, byte(bytecode.GOTO_W), code.Code[4])
	require.NoError(t, bytecode.VerifyFrames(cf, m, nil))

	// preserve mode cannot place a frame after a widened conditional
	decoded, err := bytecode.Decode(cf, m)
	require.NoError(t, err)
	var far *bytecode.Label
	for _, in := range decoded.Instructions {
		if in.Op == bytecode.GOTO {
			far = in.Target
		}
	}
	require.NotNil(t, far)
	for _, in := range decoded.Instructions {
		if in.Op == bytecode.IFNE {
			in.Op, in.Target = bytecode.IFEQ, far
		}
	}
	err = bytecode.Encode(cf, m, decoded, bytecode.EncodeOptions{Frames: bytecode.Preserve})
	assert.ErrorIs(t, err, bytecode.ErrNeedRecompute)
}

func TestUnreachableCodeIsDropped(t *testing.T) {
	cf := classfile.New(classfile.AccPublic, "Dead", "java/lang/Object")
	meth := bytecode.Method{Owner: "Dead", Access: classfile.AccStatic, Name: "dead", Descriptor: "()I"}
	m := cf.AddMethod(meth.Access, meth.Name, meth.Descriptor)
	body, err := bytecode.NewBuilder(&bytecode.Body{}, meth).
		PushInt(0).Return().
		PushInt(7).Insn(bytecode.POP).PushInt(1).Return().
		Build()
	require.NoError(t, err)
	require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{}))
	code, err := m.Code(cf.Pool)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(bytecode.ICONST_0), byte(bytecode.IRETURN)}, code.Code)
	assert.Equal(t, uint16(1), code.MaxStack)
	assert.Equal(t, uint16(0), code.MaxLocals)
}

func TestPreserveKeepsCarriedFrames(t *testing.T) {
	cf := fixtureClass(t, "B")
	m := cf.Method("pick", "")
	body, err := bytecode.Decode(cf, m)
	require.NoError(t, err)

	// a frame neutral edit: push and pop at entry
	body.Insert(0, bytecode.Insn(bytecode.ICONST_0), bytecode.Insn(bytecode.POP))
	require.NoError(t, bytecode.Encode(cf, m, body, bytecode.EncodeOptions{Frames: bytecode.Preserve}))
	require.NoError(t, bytecode.VerifyFrames(cf, m, nil))
}

func TestSubroutinesAreRejected(t *testing.T) {
	body := &bytecode.Body{}
	sub := body.NewLabel()
	body.Instructions = []*bytecode.Instruction{
		bytecode.JumpInsn(bytecode.JSR, sub),
		bytecode.Insn(bytecode.RETURN),
		bytecode.LabelInsn(sub),
		bytecode.VarInsn(bytecode.ASTORE, 0),
		bytecode.VarInsn(bytecode.RET, 0),
	}
	_, err := bytecode.Analyze(bytecode.Method{Owner: "S", Access: classfile.AccStatic, Name: "s", Descriptor: "()V"}, body, nil)
	assert.ErrorIs(t, err, bytecode.ErrSubroutine)
}

func TestFallOffEnd(t *testing.T) {
	body := &bytecode.Body{Instructions: []*bytecode.Instruction{bytecode.Insn(bytecode.NOP)}}
	_, err := bytecode.Analyze(bytecode.Method{Owner: "S", Access: classfile.AccStatic, Name: "s", Descriptor: "()V"}, body, nil)
	assert.ErrorIs(t, err, bytecode.ErrFallOff)
}

func TestPushIntEncoding(t *testing.T) {
	tests := []struct {
		v    int32
		want bytecode.Opcode
	}{
		{-1, bytecode.ICONST_M1},
		{5, bytecode.ICONST_5},
		{6, bytecode.BIPUSH},
		{-128, bytecode.BIPUSH},
		{300, bytecode.SIPUSH},
		{-32768, bytecode.SIPUSH},
		{100000, bytecode.LDC},
	}
	for _, tt := range tests {
		b := bytecode.NewBuilder(&bytecode.Body{}, bytecode.Method{Owner: "T", Access: classfile.AccStatic, Name: "t", Descriptor: "()I"})
		b.PushInt(tt.v)
		insns := b.Instructions()
		if len(insns) != 1 || insns[0].Op != tt.want {
			t.Fatalf("PushInt(%d) = %v, want %s", tt.v, insns, tt.want)
		}
	}
}

func TestBuilderErrors(t *testing.T) {
	_, err := bytecode.NewBuilder(&bytecode.Body{}, bytecode.Method{Owner: "T", Access: classfile.AccStatic, Name: "t", Descriptor: "()V"}).
		LoadThis().Build()
	assert.Error(t, err)

	_, err = bytecode.NewBuilder(&bytecode.Body{}, bytecode.Method{Owner: "T", Access: classfile.AccStatic, Name: "t", Descriptor: "()I"}).
		ReturnValue("not an int").Build()
	assert.Error(t, err)

	_, err = bytecode.NewBuilder(&bytecode.Body{}, bytecode.Method{Owner: "T", Name: "t", Descriptor: "(J)V"}).LoadArg(1).Build()
	assert.Error(t, err)
}

func TestConvertConst(t *testing.T) {
	tests := []struct {
		desc string
		in   any
		want any
	}{
		{"I", 7, int32(7)},
		{"Z", true, int32(1)},
		{"J", 7, int64(7)},
		{"F", 1.5, float32(1.5)},
		{"D", float32(2), float64(2)},
		{"Ljava/lang/String;", "x", "x"},
	}
	for _, tt := range tests {
		got, err := bytecode.ConvertConst(tt.desc, tt.in)
		require.NoError(t, err, tt.desc)
		assert.Equal(t, tt.want, got, tt.desc)
	}

	for _, tt := range []struct {
		desc string
		in   any
	}{
		{"I", int64(1) << 40},
		{"I", int(1) << 32},
		{"I", uint32(math.MaxUint32)},
		{"B", 128},
		{"S", -40000},
		{"C", -1},
		{"J", uint64(math.MaxUint64)},
	} {
		_, err := bytecode.ConvertConst(tt.desc, tt.in)
		assert.Error(t, err, "%s %v", tt.desc, tt.in)
	}
	got, err := bytecode.ConvertConst("C", 65535)
	require.NoError(t, err)
	assert.Equal(t, int32(65535), got)
}

func TestDisassemble(t *testing.T) {
	cf := fixtureClass(t, "B")
	body, err := bytecode.Decode(cf, cf.Method("bar", "()I"))
	require.NoError(t, err)
	text := bytecode.Disassemble(body)
	assert.Contains(t, text, "aload 0")
	assert.Contains(t, text, "invokevirtual A.foo()I")
	assert.Contains(t, text, "ireturn")
}

func TestInstructionMatcher(t *testing.T) {
	cf := fixtureClass(t, "B")
	body, err := bytecode.Decode(cf, cf.Method("bar", "()I"))
	require.NoError(t, err)

	m, err := bytecode.NewInstructionMatcher([]string{"  INVOKEVIRTUAL   A.foo()I "}, "")
	require.NoError(t, err)
	assert.True(t, m.HasCriteria())
	assert.Len(t, m.MatchBody(body), 1)

	re, err := bytecode.NewInstructionMatcher(nil, `^aload \d$`)
	require.NoError(t, err)
	assert.Len(t, re.MatchBody(body), 1)

	empty, err := bytecode.NewInstructionMatcher([]string{""}, "")
	require.NoError(t, err)
	assert.False(t, empty.HasCriteria())
	assert.False(t, empty.Match("nop"))

	_, err = bytecode.NewInstructionMatcher(nil, "(")
	assert.Error(t, err)
}

func TestShapeHashIgnoresOperands(t *testing.T) {
	cf := fixtureClass(t, "A")
	foo, err := bytecode.Decode(cf, cf.Method("foo", "()I"))
	require.NoError(t, err)
	limit, err := bytecode.Decode(cf, cf.Method("limit", "()I"))
	require.NoError(t, err)
	greet, err := bytecode.Decode(cf, cf.Method("greet", "()Ljava/lang/String;"))
	require.NoError(t, err)

	assert.NotEqual(t, bytecode.ShapeHash(foo), bytecode.ShapeHash(limit))
	assert.NotEqual(t, bytecode.ShapeHash(limit), bytecode.ShapeHash(greet))

	clone := foo.Clone()
	for _, in := range clone.Instructions {
		if in.Op == bytecode.SIPUSH {
			in.Int = 42
		}
	}
	assert.Equal(t, bytecode.ShapeHash(foo), bytecode.ShapeHash(clone))
}

func TestBodyCloneIsIndependent(t *testing.T) {
	cf := fixtureClass(t, "B")
	body, err := bytecode.Decode(cf, cf.Method("pick", ""))
	require.NoError(t, err)
	clone := body.Clone()
	clone.Insert(0, bytecode.Insn(bytecode.NOP))
	for _, in := range clone.Instructions {
		if in.Ref != nil {
			in.Ref.Name = "changed"
		}
	}
	assert.Equal(t, body.Real()+1, clone.Real())
	assert.False(t, strings.Contains(bytecode.Disassemble(body), "changed"))
}

func TestParseFrameMode(t *testing.T) {
	tests := []struct {
		in   string
		want bytecode.FrameMode
	}{
		{"", bytecode.Recompute},
		{"recompute", bytecode.Recompute},
		{"preserve", bytecode.Preserve},
		{" none ", bytecode.NoFrames},
	}
	for _, tt := range tests {
		got, err := bytecode.ParseFrameMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, in := range []string{"sometimes", "bytecode.Preserve"} {
		_, err := bytecode.ParseFrameMode(in)
		assert.ErrorContains(t, err, "unknown frame mode", in)
	}

	var m bytecode.FrameMode
	require.NoError(t, m.UnmarshalText([]byte("preserve")))
	assert.Equal(t, bytecode.Preserve, m)
}
