package rewrite_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/jpatch/internal/fixture"
	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
	"github.com/blacktop/jpatch/pkg/hierarchy"
	"github.com/blacktop/jpatch/pkg/rewrite"
)

func load(t *testing.T) (fixture.Classes, *hierarchy.Resolver) {
	t.Helper()
	classes, err := fixture.Build()
	require.NoError(t, err)
	r, err := hierarchy.NewResolver(classes, 0)
	require.NoError(t, err)
	return classes, r
}

func parse(t *testing.T, classes fixture.Classes, name string) *classfile.ClassFile {
	t.Helper()
	cf, err := classfile.Parse(classes[name])
	require.NoError(t, err)
	return cf
}

func decode(t *testing.T, cf *classfile.ClassFile, name, desc string) *bytecode.Body {
	t.Helper()
	m := cf.Method(name, desc)
	require.NotNil(t, m, "%s.%s%s", cf.Name, name, desc)
	body, err := bytecode.Decode(cf, m)
	require.NoError(t, err)
	return body
}

func ops(b *bytecode.Body) []bytecode.Opcode {
	var out []bytecode.Opcode
	for _, in := range b.Instructions {
		if !in.Op.Pseudo() {
			out = append(out, in.Op)
		}
	}
	return out
}

func plan(name, desc string, edits ...rewrite.Edit) []rewrite.Plan {
	return []rewrite.Plan{{Name: name, Descriptor: desc, Edits: edits}}
}

func TestReplaceCallDiscardsArguments(t *testing.T) {
	classes, r := load(t)
	tr := &rewrite.Transformer{Hierarchy: r, Verify: true}

	out, _, err := tr.Apply(parse(t, classes, "B"), plan("bar", "()I",
		rewrite.ReplaceCall(rewrite.CallTo("A", "foo", "()I"), rewrite.Discard(42))))
	require.NoError(t, err)

	body := decode(t, out, "bar", "()I")
	assert.Equal(t, []bytecode.Opcode{bytecode.ALOAD, bytecode.POP, bytecode.BIPUSH, bytecode.IRETURN}, ops(body))
	assert.NotContains(t, bytecode.Disassemble(body), "A.foo")
}

func TestReplaceCallDefaultsToDefaultValue(t *testing.T) {
	classes, r := load(t)
	tr := &rewrite.Transformer{Hierarchy: r}
	out, _, err := tr.Apply(parse(t, classes, "B"), plan("bar", "()I",
		rewrite.ReplaceCall(rewrite.Call(rewrite.CallNamed("foo"), rewrite.CallOwner("A")), nil)))
	require.NoError(t, err)
	assert.Equal(t, []bytecode.Opcode{bytecode.ALOAD, bytecode.POP, bytecode.ICONST_0, bytecode.IRETURN}, ops(decode(t, out, "bar", "()I")))
}

func TestRedirect(t *testing.T) {
	classes, r := load(t)
	tr := &rewrite.Transformer{Hierarchy: r}
	out, _, err := tr.Apply(parse(t, classes, "B"), plan("bar", "",
		rewrite.ReplaceCall(rewrite.CallTo("A", "foo", "()I"), rewrite.Redirect("Hooks", "foo", ""))))
	require.NoError(t, err)

	body := decode(t, out, "bar", "")
	var call *bytecode.Instruction
	for _, in := range body.Instructions {
		if in.Op.IsInvoke() {
			call = in
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, bytecode.INVOKESTATIC, call.Op)
	assert.Equal(t, "Hooks.foo(LA;)I", call.Ref.String())
}

func TestFrameSafetyRoundTrip(t *testing.T) {
	classes, r := load(t)
	nop := func(b *bytecode.Builder) { b.Insn(bytecode.NOP) }
	tests := []struct {
		name string
		edit rewrite.Edit
	}{
		{"entry", rewrite.InsertAtEntry(func(b *bytecode.Builder) { b.PushInt(1).Pop("I") })},
		{"exit", rewrite.InsertAtExit(func(b *bytecode.Builder) { b.Insn(bytecode.DUP).Pop("Ljava/lang/Object;") })},
		{"advice", rewrite.Advice(rewrite.Call(rewrite.CallConstructor(), rewrite.CallOwner("B")), rewrite.Site(nop), rewrite.Site(nop))},
		{"replace", rewrite.ReplaceCall(rewrite.Call(rewrite.CallConstructor(), rewrite.CallOwner("A")), func(b *bytecode.Builder, site rewrite.CallSite) {
			b.Add(bytecode.MethodInsn(site.Op, site.Ref.Owner, site.Ref.Name, site.Ref.Descriptor, false))
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &rewrite.Transformer{Hierarchy: r}
			out, _, err := tr.Apply(parse(t, classes, "B"), plan("pick", "(Z)Ljava/lang/Object;", tt.edit))
			require.NoError(t, err)
			m := out.Method("pick", "")
			require.NoError(t, bytecode.VerifyFrames(out, m, r))

			// the join point merges B and A through the real hierarchy
			an, err := bytecode.Analyze(bytecode.Method{Owner: "B", Access: m.Access, Name: m.Name, Descriptor: m.Descriptor}, decode(t, out, "pick", ""), r)
			require.NoError(t, err)
			assert.Positive(t, an.MaxStack)
		})
	}
}

func TestInsertAtExitCoversEveryExit(t *testing.T) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "D", fixture.Object)
	require.NoError(t, fixture.Method(cf, classfile.AccPublic|classfile.AccStatic, "choose", "(Z)I", func(b *bytecode.Builder) {
		zero := b.NewLabel()
		b.LoadArg(0).Jump(bytecode.IFEQ, zero).PushInt(fixture.FooValue).Return()
		b.Mark(zero).PushInt(0).Return()
	}))

	tr := &rewrite.Transformer{}
	out, _, err := tr.Apply(cf, plan("choose", "(Z)I", rewrite.InsertAtExit(func(b *bytecode.Builder) { b.Insn(bytecode.NOP) })))
	require.NoError(t, err)
	assert.Equal(t, []bytecode.Opcode{
		bytecode.ILOAD, bytecode.IFEQ, bytecode.SIPUSH, bytecode.NOP, bytecode.IRETURN,
		bytecode.ICONST_0, bytecode.NOP, bytecode.IRETURN,
	}, ops(decode(t, out, "choose", "")))
}

func TestReplaceConstantPreservesFrames(t *testing.T) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "D", fixture.Object)
	require.NoError(t, fixture.Method(cf, classfile.AccPublic|classfile.AccStatic, "choose", "(Z)I", func(b *bytecode.Builder) {
		zero := b.NewLabel()
		b.LoadArg(0).Jump(bytecode.IFEQ, zero).PushInt(fixture.FooValue).Return()
		b.Mark(zero).PushInt(0).Return()
	}))

	for _, mode := range []bytecode.FrameMode{bytecode.Preserve, bytecode.Recompute} {
		t.Run(mode.String(), func(t *testing.T) {
			tr := &rewrite.Transformer{Frames: mode, Verify: true}
			out, _, err := tr.Apply(cf, plan("choose", "(Z)I", rewrite.ReplaceConstant(fixture.FooValue, 7)))
			require.NoError(t, err)
			require.NoError(t, bytecode.VerifyFrames(out, out.Method("choose", ""), nil))

			var consts []any
			for _, in := range decode(t, out, "choose", "").Instructions {
				if v, ok := rewrite.Literal(in); ok {
					consts = append(consts, v)
				}
			}
			assert.Equal(t, []any{int32(7), int32(0)}, consts)
		})
	}
}

func TestReplaceConstant(t *testing.T) {
	classes, _ := load(t)
	tests := []struct {
		name   string
		method string
		edit   rewrite.Edit
		want   any
		err    error
	}{
		{"pushed int", "foo", rewrite.ReplaceConstant(fixture.FooValue, 1), int32(1), nil},
		{"pool int", "limit", rewrite.ReplaceConstant(fixture.LimitValue, 250000), int32(250000), nil},
		{"string", "greet", rewrite.ReplaceConstant(fixture.Greeting, "hi"), "hi", nil},
		{"partial string", "greet", rewrite.ReplaceString("from A", "from jpatch"), "hello from jpatch", nil},
		{"string never matches number", "foo", rewrite.ReplaceConstant("1337", "x"), nil, rewrite.ErrNoSite},
		{"optional miss", "foo", rewrite.ReplaceConstant(int32(5), 6, rewrite.Options{Optional: true}), int32(fixture.FooValue), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &rewrite.Transformer{}
			out, _, err := tr.Apply(parse(t, classes, "A"), plan(tt.method, "", tt.edit))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			var got any
			for _, in := range decode(t, out, tt.method, "").Instructions {
				if v, ok := rewrite.Literal(in); ok {
					got = v
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplaceConstantRejectsTypeChange(t *testing.T) {
	classes, _ := load(t)
	tr := &rewrite.Transformer{}
	_, _, err := tr.Apply(parse(t, classes, "A"), plan("foo", "", rewrite.ReplaceConstant(fixture.FooValue, "text")))
	require.Error(t, err)
}

func TestIntegerConstantsMustFit(t *testing.T) {
	classes, _ := load(t)
	tests := []struct {
		name   string
		class  string
		method string
		edit   rewrite.Edit
	}{
		{"wide from", "A", "foo", rewrite.ReplaceConstant(int(1)<<32+fixture.FooValue, 1)},
		{"wide to", "A", "foo", rewrite.ReplaceConstant(fixture.FooValue, 1<<31)},
		{"negative wide to", "A", "foo", rewrite.ReplaceConstant(fixture.FooValue, int64(math.MinInt32)-1)},
		{"discard value", "B", "bar", rewrite.ReplaceCall(rewrite.CallTo("A", "foo", "()I"), rewrite.Discard(int64(1)<<40))},
		{"fixed value", "A", "foo", rewrite.FixedValue(uint32(math.MaxUint32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &rewrite.Transformer{}
			cf := parse(t, classes, tt.class)
			_, _, err := tr.Apply(cf, plan(tt.method, "", tt.edit))
			require.Error(t, err)
			assert.ErrorContains(t, err, "out of range")

			// the literal that was there is still there
			var got []any
			for _, in := range decode(t, cf, tt.method, "").Instructions {
				if v, ok := rewrite.Literal(in); ok {
					got = append(got, v)
				}
			}
			if tt.class == "A" {
				assert.Equal(t, []any{int32(fixture.FooValue)}, got)
			}
		})
	}
}

func TestReplaceStringOccurrence(t *testing.T) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "S", fixture.Object)
	require.NoError(t, fixture.Method(cf, classfile.AccStatic, "pair", "()Ljava/lang/String;", func(b *bytecode.Builder) {
		b.PushString("old one").Insn(bytecode.POP).PushString("old two").Return()
	}))

	tests := []struct {
		name string
		opts rewrite.Options
		want []any
		err  error
	}{
		{"every literal", rewrite.Options{}, []any{"new one", "new two"}, nil},
		{"first literal", rewrite.Options{Occurrence: 1}, []any{"new one", "old two"}, nil},
		{"second literal", rewrite.Options{Occurrence: 2}, []any{"old one", "new two"}, nil},
		{"no third literal", rewrite.Options{Occurrence: 3}, nil, rewrite.ErrNoSite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &rewrite.Transformer{}
			out, _, err := tr.Apply(cf, plan("pair", "", rewrite.ReplaceString("old", "new", tt.opts)))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			var got []any
			for _, in := range decode(t, out, "pair", "").Instructions {
				if v, ok := rewrite.Literal(in); ok {
					got = append(got, v)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOverwriteFamily(t *testing.T) {
	classes, _ := load(t)
	tests := []struct {
		name   string
		method string
		edit   rewrite.Edit
		want   []bytecode.Opcode
	}{
		{"stub object", "greet", rewrite.Stub(), []bytecode.Opcode{bytecode.ACONST_NULL, bytecode.ARETURN}},
		{"stub int", "foo", rewrite.Stub(), []bytecode.Opcode{bytecode.ICONST_0, bytecode.IRETURN}},
		{"fixed int", "foo", rewrite.FixedValue(99), []bytecode.Opcode{bytecode.BIPUSH, bytecode.IRETURN}},
		{"fixed string", "greet", rewrite.FixedValue("patched"), []bytecode.Opcode{bytecode.LDC, bytecode.ARETURN}},
		{"overwrite", "limit", rewrite.Overwrite(func(b *bytecode.Builder) { b.PushInt(3).PushInt(4).Insn(bytecode.IADD).Return() }),
			[]bytecode.Opcode{bytecode.ICONST_3, bytecode.ICONST_4, bytecode.IADD, bytecode.IRETURN}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &rewrite.Transformer{}
			out, _, err := tr.Apply(parse(t, classes, "A"), plan(tt.method, "", tt.edit))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ops(decode(t, out, tt.method, "")))
		})
	}
}

func TestEditsApplyInOrder(t *testing.T) {
	classes, _ := load(t)
	tr := &rewrite.Transformer{}
	// the second edit sees the constant the first one produced
	out, _, err := tr.Apply(parse(t, classes, "A"), plan("foo", "",
		rewrite.ReplaceConstant(fixture.FooValue, 10),
		rewrite.ReplaceConstant(10, 20)))
	require.NoError(t, err)
	body := decode(t, out, "foo", "")
	assert.Equal(t, []bytecode.Opcode{bytecode.BIPUSH, bytecode.IRETURN}, ops(body))

	_, _, err = tr.Apply(parse(t, classes, "A"), plan("foo", "",
		rewrite.ReplaceConstant(10, 20),
		rewrite.ReplaceConstant(fixture.FooValue, 10)))
	assert.ErrorIs(t, err, rewrite.ErrNoSite)
}

func TestOccurrence(t *testing.T) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "E", fixture.Object)
	require.NoError(t, fixture.Method(cf, classfile.AccStatic, "one", "()I", func(b *bytecode.Builder) { b.PushInt(1).Return() }))
	require.NoError(t, fixture.Method(cf, classfile.AccStatic, "twice", "()I", func(b *bytecode.Builder) {
		b.InvokeStatic("E", "one", "()I").InvokeStatic("E", "one", "()I").Insn(bytecode.IADD).Return()
	}))

	tr := &rewrite.Transformer{}
	out, _, err := tr.Apply(cf, plan("twice", "", rewrite.ReplaceCall(rewrite.CallNamed("one"), rewrite.Discard(5), rewrite.Options{Occurrence: 2})))
	require.NoError(t, err)
	assert.Equal(t, []bytecode.Opcode{bytecode.INVOKESTATIC, bytecode.ICONST_5, bytecode.IADD, bytecode.IRETURN}, ops(decode(t, out, "twice", "")))

	_, _, err = tr.Apply(cf, plan("twice", "", rewrite.ReplaceCall(rewrite.CallNamed("one"), nil, rewrite.Options{Occurrence: 3})))
	require.ErrorIs(t, err, rewrite.ErrNoSite)
	assert.Contains(t, err.Error(), "occurrence 3")
}

func TestFailureLeavesClassUntouched(t *testing.T) {
	classes, _ := load(t)
	cf := parse(t, classes, "B")
	tr := &rewrite.Transformer{}

	_, _, err := tr.Apply(cf, []rewrite.Plan{
		{Name: "bar", Descriptor: "()I", Edits: []rewrite.Edit{rewrite.ReplaceCall(rewrite.CallNamed("foo"), nil)}},
		{Name: "bar", Descriptor: "()I", Edits: []rewrite.Edit{rewrite.ReplaceCall(rewrite.CallNamed("missing"), nil)}},
	})
	require.ErrorIs(t, err, rewrite.ErrNoSite)
	var rerr *rewrite.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "B", rerr.Class)
	assert.Equal(t, "bar()I", rerr.Method)
	assert.Equal(t, "replace call (name missing)", rerr.Edit)

	data, err := cf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, classes["B"], data)

	_, _, err = tr.Apply(cf, plan("nope", "", rewrite.Stub()))
	assert.ErrorAs(t, err, &rerr)
}

func TestRewriteCommitsToRecord(t *testing.T) {
	classes, r := load(t)
	ix := corpus.New()
	rec, err := ix.Add("B", classes["B"])
	require.NoError(t, err)
	bar := rec.Method("bar", "()I")
	require.Len(t, bar.Calls(), 1)

	tr := &rewrite.Transformer{Hierarchy: r}
	before := rec.Bytes()
	data, err := tr.Rewrite(rec, plan("bar", "()I", rewrite.ReplaceCall(rewrite.CallNamed("missing"), nil)))
	require.Error(t, err)
	assert.Equal(t, before, data)
	assert.Equal(t, before, rec.Bytes())

	data, err = tr.Rewrite(rec, plan("bar", "()I", rewrite.ReplaceCall(rewrite.CallTo("A", "foo", "()I"), rewrite.Discard(7))))
	require.NoError(t, err)
	assert.Equal(t, data, rec.Bytes())
	assert.Empty(t, bar.Calls())
	assert.True(t, bar.UsesConstant(int32(7)))
}

func TestDescribe(t *testing.T) {
	plans := plan("foo", "()I", rewrite.Stub(), rewrite.ReplaceString("a", "b"), rewrite.FixedValue(3))
	assert.Equal(t, "foo()I: stub\nfoo()I: replace string \"a\" with \"b\"\nfoo()I: fixed value 3\n", rewrite.Describe(plans))
	assert.True(t, rewrite.ReplaceConstant(1, 2).FrameNeutral())
	assert.False(t, rewrite.Stub().FrameNeutral())
}
