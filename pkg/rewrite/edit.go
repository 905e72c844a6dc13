// Package rewrite applies declarative edits to method bodies.
package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/match"
)

// ErrNoSite is returned when an edit found nothing to change.
var ErrNoSite = errors.New("no matching site")

// Context is the method an edit is applied to.
type Context struct {
	Class  *classfile.ClassFile
	Method bytecode.Method
	Body   *bytecode.Body
}

// Builder returns a builder whose labels belong to the edited body.
func (c *Context) Builder() *bytecode.Builder {
	return bytecode.NewBuilder(c.Body, c.Method)
}

// Emit runs code and returns the instructions it produced.
func (c *Context) Emit(code Code) ([]*bytecode.Instruction, error) {
	b := c.Builder()
	if code != nil {
		code(b)
	}
	if err := b.Err(); err != nil {
		return nil, err
	}
	return b.Instructions(), nil
}

func (c *Context) emitSite(code SiteCode, site CallSite) ([]*bytecode.Instruction, error) {
	b := c.Builder()
	if code != nil {
		code(b, site)
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("at %s: %w", site.Ref, err)
	}
	return b.Instructions(), nil
}

// Code generates an instruction block.
type Code func(b *bytecode.Builder)

// CallSite is a matched invoke instruction.
type CallSite struct {
	Op  bytecode.Opcode
	Ref classfile.MemberRef
}

// Static reports whether the call has no receiver.
func (s CallSite) Static() bool {
	return s.Op == bytecode.INVOKESTATIC
}

// SiteCode generates an instruction block for a call site.
type SiteCode func(b *bytecode.Builder, site CallSite)

// Edit is one operation on a method body. Edits on the same method run in
// registration order and see each other's effects.
type Edit interface {
	Apply(c *Context) error
	String() string
	// FrameNeutral reports that the edit never changes local or stack
	// types nor control flow, so carried frames stay valid.
	FrameNeutral() bool
}

// Options tunes call-site and constant edits.
type Options struct {
	// Optional tolerates finding no site.
	Optional bool
	// Occurrence restricts the edit to the n-th match, counting from 1.
	// Zero edits every match.
	Occurrence int
}

func options(opts []Options) Options {
	if len(opts) > 0 {
		return opts[0]
	}
	return Options{}
}

func (o Options) selects(n int) bool {
	return o.Occurrence == 0 || o.Occurrence == n
}

func (o Options) missing(what string, n int) error {
	if n > 0 || o.Optional {
		return nil
	}
	if o.Occurrence > 0 {
		return fmt.Errorf("%w: occurrence %d of %s", ErrNoSite, o.Occurrence, what)
	}
	return fmt.Errorf("%w: %s", ErrNoSite, what)
}

// CallMatcher selects call sites by their member reference.
type CallMatcher = match.RefPredicate

// Call is the conjunction of reference predicates.
func Call(preds ...match.RefPredicate) CallMatcher { return match.All(preds...) }

// CallTo matches calls to one method.
func CallTo(owner, name, desc string) CallMatcher { return match.RefTo(owner, name, desc) }

func CallNamed(name string) CallMatcher      { return match.RefNamed(name) }
func CallOwner(owner string) CallMatcher     { return match.RefOwner(owner) }
func CallDescriptor(desc string) CallMatcher { return match.RefDescriptor(desc) }
func CallConstructor() CallMatcher           { return match.RefIsConstructor() }

type insertAtEntry struct{ code Code }

// InsertAtEntry places code before the first instruction.
func InsertAtEntry(code Code) Edit { return insertAtEntry{code} }

func (e insertAtEntry) Apply(c *Context) error {
	insns, err := c.Emit(e.code)
	if err != nil {
		return err
	}
	c.Body.Insert(0, insns...)
	return nil
}

func (insertAtEntry) String() string     { return "insert at entry" }
func (insertAtEntry) FrameNeutral() bool { return false }

type insertAtExit struct{ code Code }

// InsertAtExit places code before every return and athrow. The value being
// returned or thrown is on the stack when code runs.
func InsertAtExit(code Code) Edit { return insertAtExit{code} }

func (e insertAtExit) Apply(c *Context) error {
	var out []*bytecode.Instruction
	exits := 0
	for _, in := range c.Body.Instructions {
		if in.Op.IsReturn() || in.Op == bytecode.ATHROW {
			insns, err := c.Emit(e.code)
			if err != nil {
				return err
			}
			out = append(out, insns...)
			exits++
		}
		out = append(out, in)
	}
	if exits == 0 {
		return fmt.Errorf("%w: method has no exit", ErrNoSite)
	}
	c.Body.Instructions = out
	return nil
}

func (insertAtExit) String() string     { return "insert at exit" }
func (insertAtExit) FrameNeutral() bool { return false }

type replaceCall struct {
	match CallMatcher
	with  SiteCode
	opts  Options
}

// ReplaceCall substitutes every matching call with the block produced by
// with. The call's receiver and arguments are already on the stack; the
// block must consume them and leave the call's result. A nil block is
// Discard(nil).
func ReplaceCall(m CallMatcher, with SiteCode, opts ...Options) Edit {
	if with == nil {
		with = Discard(nil)
	}
	return replaceCall{match: m, with: with, opts: options(opts)}
}

func (e replaceCall) Apply(c *Context) error {
	n, err := eachCall(c, e.match, e.opts, func(site CallSite, in *bytecode.Instruction) ([]*bytecode.Instruction, error) {
		return c.emitSite(e.with, site)
	})
	if err != nil {
		return err
	}
	return e.opts.missing("call "+e.match.Name, n)
}

func (e replaceCall) String() string   { return "replace call (" + e.match.Name + ")" }
func (replaceCall) FrameNeutral() bool { return false }

type advice struct {
	match         CallMatcher
	before, after SiteCode
	opts          Options
}

// Advice keeps matching calls and surrounds them with before and after.
// before runs with the arguments on the stack and after with the result
// on the stack; both must leave the stack as they found it.
func Advice(m CallMatcher, before, after SiteCode, opts ...Options) Edit {
	return advice{match: m, before: before, after: after, opts: options(opts)}
}

func (e advice) Apply(c *Context) error {
	n, err := eachCall(c, e.match, e.opts, func(site CallSite, in *bytecode.Instruction) ([]*bytecode.Instruction, error) {
		pre, err := c.emitSite(e.before, site)
		if err != nil {
			return nil, err
		}
		post, err := c.emitSite(e.after, site)
		if err != nil {
			return nil, err
		}
		return append(append(pre, in), post...), nil
	})
	if err != nil {
		return err
	}
	return e.opts.missing("call "+e.match.Name, n)
}

func (e advice) String() string   { return "advice (" + e.match.Name + ")" }
func (advice) FrameNeutral() bool { return false }

// eachCall swaps every selected call for what fn returns. Inserted code is
// never rescanned. It returns how many calls were edited.
func eachCall(c *Context, m CallMatcher, opts Options, fn func(CallSite, *bytecode.Instruction) ([]*bytecode.Instruction, error)) (int, error) {
	var out []*bytecode.Instruction
	seen, edited := 0, 0
	for _, in := range c.Body.Instructions {
		if !in.Op.IsInvoke() || in.Ref == nil || !m.Fn(*in.Ref) {
			out = append(out, in)
			continue
		}
		seen++
		if !opts.selects(seen) {
			out = append(out, in)
			continue
		}
		insns, err := fn(CallSite{Op: in.Op, Ref: *in.Ref}, in)
		if err != nil {
			return 0, err
		}
		out = append(out, insns...)
		edited++
	}
	c.Body.Instructions = out
	return edited, nil
}

// Discard pops the call's receiver and arguments and pushes v as the
// call's return type. A nil v pushes the type's default value.
func Discard(v any) SiteCode {
	return func(b *bytecode.Builder, site CallSite) {
		md, err := classfile.ParseMethodDescriptor(site.Ref.Descriptor)
		if err != nil {
			b.Errorf("%v", err)
			return
		}
		for i := len(md.Args) - 1; i >= 0; i-- {
			b.Pop(md.Args[i])
		}
		if !site.Static() {
			b.Insn(bytecode.POP)
		}
		if v == nil {
			b.DefaultValue(md.Return)
			return
		}
		b.PushConst(md.Return, v)
	}
}

// Redirect replaces the call with a static call to owner.name. The
// receiver, when there is one, becomes the first argument. An empty desc
// is derived from the call site.
func Redirect(owner, name, desc string) SiteCode {
	return func(b *bytecode.Builder, site CallSite) {
		d := desc
		if d == "" {
			d = site.Ref.Descriptor
			if !site.Static() {
				d = "(" + classfile.TypeDescriptor(site.Ref.Owner) + d[1:]
			}
		}
		b.InvokeStatic(owner, name, d)
	}
}

// Site adapts a Code block to a SiteCode that ignores the site.
func Site(code Code) SiteCode {
	if code == nil {
		return nil
	}
	return func(b *bytecode.Builder, _ CallSite) { code(b) }
}

type replaceConstant struct {
	from, to any
	desc     string
	key      any
	err      error
	opts     Options
}

// ReplaceConstant swaps loads of the literal from for to, converted to
// from's type. Numeric and string literals never match each other.
func ReplaceConstant(from, to any, opts ...Options) Edit {
	e := replaceConstant{from: from, to: to, desc: bytecode.ConstDescriptor(from), opts: options(opts)}
	e.key, e.err = bytecode.ConvertConst(e.desc, from)
	return e
}

func (e replaceConstant) Apply(c *Context) error {
	if e.err != nil {
		return fmt.Errorf("constant to replace: %w", e.err)
	}
	if _, err := bytecode.ConvertConst(e.desc, e.to); err != nil {
		return fmt.Errorf("replacement constant: %w", err)
	}
	var out []*bytecode.Instruction
	seen, edited := 0, 0
	for _, in := range c.Body.Instructions {
		if v, ok := Literal(in); !ok || v != e.key {
			out = append(out, in)
			continue
		}
		seen++
		if !e.opts.selects(seen) {
			out = append(out, in)
			continue
		}
		insns, err := c.Emit(func(b *bytecode.Builder) { b.PushConst(e.desc, e.to) })
		if err != nil {
			return err
		}
		out = append(out, insns...)
		edited++
	}
	c.Body.Instructions = out
	return e.opts.missing("constant "+bytecode.FormatConst(e.key), edited)
}

func (e replaceConstant) String() string {
	if e.err != nil {
		return fmt.Sprintf("replace constant %v with %v", e.from, e.to)
	}
	return fmt.Sprintf("replace constant %s with %v", bytecode.FormatConst(e.key), e.to)
}

func (replaceConstant) FrameNeutral() bool { return true }

// Literal returns the value a constant-pushing instruction loads.
func Literal(in *bytecode.Instruction) (any, bool) {
	switch op := in.Op; {
	case op == bytecode.LDC:
		switch in.Const.(type) {
		case int32, int64, float32, float64, string:
			return in.Const, true
		}
	case op >= bytecode.ICONST_M1 && op <= bytecode.ICONST_5:
		return int32(op) - int32(bytecode.ICONST_0), true
	case op == bytecode.BIPUSH || op == bytecode.SIPUSH:
		return in.Int, true
	case op == bytecode.LCONST_0 || op == bytecode.LCONST_1:
		return int64(op - bytecode.LCONST_0), true
	case op >= bytecode.FCONST_0 && op <= bytecode.FCONST_2:
		return float32(op - bytecode.FCONST_0), true
	case op == bytecode.DCONST_0 || op == bytecode.DCONST_1:
		return float64(op - bytecode.DCONST_0), true
	}
	return nil, false
}

type replaceString struct {
	old, with string
	opts      Options
}

// ReplaceString rewrites every string literal containing old, replacing
// each occurrence of old with with. Occurrence counts matching literals,
// not occurrences within one literal.
func ReplaceString(old, with string, opts ...Options) Edit {
	return replaceString{old: old, with: with, opts: options(opts)}
}

func (e replaceString) Apply(c *Context) error {
	if e.old == "" {
		return errors.New("empty search string")
	}
	seen, edited := 0, 0
	for _, in := range c.Body.Instructions {
		s, ok := in.Const.(string)
		if in.Op != bytecode.LDC || !ok || !strings.Contains(s, e.old) {
			continue
		}
		seen++
		if !e.opts.selects(seen) {
			continue
		}
		in.Const = strings.ReplaceAll(s, e.old, e.with)
		edited++
	}
	return e.opts.missing(fmt.Sprintf("string containing %q", e.old), edited)
}

func (e replaceString) String() string {
	return fmt.Sprintf("replace string %q with %q", e.old, e.with)
}
func (replaceString) FrameNeutral() bool { return true }

type overwrite struct {
	name string
	code Code
}

// Overwrite discards the body and its handlers and installs code.
func Overwrite(code Code) Edit { return overwrite{name: "overwrite", code: code} }

// Stub replaces the body with a return of the default value.
func Stub() Edit {
	return overwrite{name: "stub", code: func(b *bytecode.Builder) { b.ReturnDefault() }}
}

// FixedValue replaces the body with a return of v.
func FixedValue(v any) Edit {
	return overwrite{name: fmt.Sprintf("fixed value %v", v), code: func(b *bytecode.Builder) { b.ReturnValue(v) }}
}

func (e overwrite) Apply(c *Context) error {
	insns, err := c.Emit(e.code)
	if err != nil {
		return err
	}
	if len(insns) == 0 {
		return errors.New("empty replacement body")
	}
	c.Body.Instructions = insns
	c.Body.TryCatch = nil
	return nil
}

func (e overwrite) String() string   { return e.name }
func (overwrite) FrameNeutral() bool { return false }

type visit struct {
	name string
	fn   func(*Context) error
}

// Visit runs fn against the body. It is never frame-neutral.
func Visit(name string, fn func(*Context) error) Edit { return visit{name: name, fn: fn} }

func (e visit) Apply(c *Context) error { return e.fn(c) }
func (e visit) String() string         { return "visit " + e.name }
func (visit) FrameNeutral() bool       { return false }
