package bytecode

import (
	"fmt"
	"slices"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// Assigner is implemented by hierarchies that answer subtype queries
// directly, interfaces included. Without it VerifyFrames derives
// assignability from CommonSuperclass.
type Assigner interface {
	IsAssignableFrom(parent, child string) (bool, error)
}

// VerifyFrames type-checks m against the frames stored in its
// StackMapTable. Each stored frame is taken as given and every edge into
// it must carry a state assignable to it: fall-through, branches, switch
// arms and exception handlers. Instructions after an unconditional
// transfer need a frame of their own. No frames are inferred, so a frame
// computed wrongly does not vouch for itself.
func VerifyFrames(cf *classfile.ClassFile, m *classfile.Method, h Hierarchy) error {
	body, err := Decode(cf, m)
	if err != nil {
		return err
	}
	meth := Method{Owner: cf.Name, Access: m.Access, Name: m.Name, Descriptor: m.Descriptor}
	if cf.Major < classfile.Java6 {
		for _, in := range body.Instructions {
			if in.Op == FRAME {
				return fmt.Errorf("%s.%s: stack map frame in a version %d class", cf.Name, m, cf.Major)
			}
		}
		_, err := Analyze(meth, body, h)
		return err
	}
	code, err := m.Code(cf.Pool)
	if err != nil {
		return err
	}
	c, err := newChecker(meth, body, h)
	if err != nil {
		return err
	}
	if err := c.run(); err != nil {
		return fmt.Errorf("%s.%s: %w", cf.Name, m, err)
	}
	if c.a.maxS > int(code.MaxStack) {
		return fmt.Errorf("%s.%s: max stack %d, code uses %d", cf.Name, m, code.MaxStack, c.a.maxS)
	}
	if c.a.maxL > int(code.MaxLocals) {
		return fmt.Errorf("%s.%s: max locals %d, code uses %d", cf.Name, m, code.MaxLocals, c.a.maxL)
	}
	return nil
}

type checker struct {
	a      *analyzer
	entry  []VType
	frames map[int]*state // by real instruction index
	next   []int          // first real instruction at or after i
}

func newChecker(m Method, body *Body, h Hierarchy) (*checker, error) {
	md, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, err
	}
	a, err := newAnalyzer(m, body, h)
	if err != nil {
		return nil, err
	}
	c := &checker{
		a:      a,
		entry:  entryFrame(m.Owner, m.Access, m.Name, md),
		frames: make(map[int]*state),
		next:   make([]int, len(body.Instructions)+1),
	}
	a.maxL = len(c.entry)

	n := len(body.Instructions)
	c.next[n] = n
	for i := n - 1; i >= 0; i-- {
		if body.Instructions[i].Op.Pseudo() {
			c.next[i] = c.next[i+1]
		} else {
			c.next[i] = i
		}
	}
	for i, in := range body.Instructions {
		if in.Op != FRAME {
			continue
		}
		r := c.next[i]
		if r == n {
			return nil, fmt.Errorf("frame after the last instruction")
		}
		if _, dup := c.frames[r]; dup {
			return nil, fmt.Errorf("two frames at offset %d", body.Instructions[r].Offset)
		}
		st := &state{locals: expand(in.Frame.Locals), stack: expand(in.Frame.Stack)}
		a.maxL = max(a.maxL, len(st.locals))
		a.maxS = max(a.maxS, len(st.stack))
		c.frames[r] = st
	}
	return c, nil
}

// frameAt returns the stored frame of the instruction at or after label l.
func (c *checker) frameAt(l *Label, what string) (*state, error) {
	t, err := c.a.target(l)
	if err != nil {
		return nil, err
	}
	r := c.next[t]
	st, ok := c.frames[r]
	if !ok {
		if r == len(c.a.body.Instructions) {
			return nil, fmt.Errorf("%s past the last instruction", what)
		}
		return nil, fmt.Errorf("%s at offset %d has no frame", what, c.a.body.Instructions[r].Offset)
	}
	return st, nil
}

func (c *checker) run() error {
	cur := &state{locals: slices.Clone(c.entry)}
	live := true
	for i, in := range c.a.body.Instructions {
		if in.Op.Pseudo() {
			continue
		}
		if st, ok := c.frames[i]; ok {
			if live {
				if err := c.assignable(cur, st); err != nil {
					return fmt.Errorf("falling into offset %d: %w", in.Offset, err)
				}
			}
			cur = st.clone()
		} else if !live {
			return fmt.Errorf("offset %d follows an unconditional transfer and has no frame", in.Offset)
		}

		if err := c.handlers(i, cur); err != nil {
			return err
		}
		out := cur.clone()
		if err := c.a.execute(in, &frameOps{a: c.a, s: out}); err != nil {
			return fmt.Errorf("%s at offset %d: %w", in.Op, in.Offset, err)
		}

		var targets []*Label
		switch {
		case in.Op.IsJump():
			targets = []*Label{in.Target}
		case in.Op == TABLESWITCH || in.Op == LOOKUPSWITCH:
			targets = append([]*Label{in.Default}, in.Targets...)
		}
		for _, l := range targets {
			st, err := c.frameAt(l, fmt.Sprintf("%s target of offset %d", in.Op, in.Offset))
			if err != nil {
				return err
			}
			if err := c.assignable(out, st); err != nil {
				return fmt.Errorf("%s at offset %d: %w", in.Op, in.Offset, err)
			}
		}

		live = !in.Op.EndsBlock()
		cur = out
	}
	if live {
		return ErrFallOff
	}
	return nil
}

// handlers checks the locals of s against every handler covering i.
func (c *checker) handlers(i int, s *state) error {
	for _, tc := range c.a.handles[i] {
		typ := tc.Type
		if typ == "" {
			typ = "java/lang/Throwable"
		}
		st, err := c.frameAt(tc.Handler, "handler")
		if err != nil {
			return err
		}
		hs := &state{locals: s.locals, stack: []VType{ObjectType(typ)}}
		c.a.maxS = max(c.a.maxS, 1)
		if err := c.assignable(hs, st); err != nil {
			return fmt.Errorf("handler for %s: %w", typ, err)
		}
	}
	return nil
}

// assignable reports whether a value of state from may flow into frame to.
// Locals missing from from are top; locals beyond to are dropped.
func (c *checker) assignable(from, to *state) error {
	if len(from.stack) != len(to.stack) {
		return fmt.Errorf("stack height %d, frame expects %d", len(from.stack), len(to.stack))
	}
	for k := range to.stack {
		if !c.isAssignable(from.stack[k], to.stack[k]) {
			return fmt.Errorf("stack slot %d holds %s, frame expects %s", k, from.stack[k], to.stack[k])
		}
	}
	for k, want := range to.locals {
		got := vTop
		if k < len(from.locals) {
			got = from.locals[k]
		}
		if !c.isAssignable(got, want) {
			return fmt.Errorf("local %d holds %s, frame expects %s", k, got, want)
		}
	}
	return nil
}

func (c *checker) isAssignable(from, to VType) bool {
	switch {
	case to.Kind == Top:
		return true
	case from.Kind != to.Kind:
		return from.Kind == Null && to.Kind == Object
	case from.Kind == Object:
		return c.isClassAssignable(from.Class, to.Class)
	case from.Kind == Uninitialized:
		return from.New != nil && to.New != nil && from.New.Offset == to.New.Offset
	}
	return true
}

func (c *checker) isClassAssignable(from, to string) bool {
	if from == to || to == "java/lang/Object" {
		return true
	}
	fa, ta := from[0] == '[', to[0] == '['
	switch {
	case fa && ta:
		fe, te := from[1:], to[1:]
		if !classfile.IsReference(fe) || !classfile.IsReference(te) {
			return fe == te
		}
		return c.isClassAssignable(classfile.InternalName(fe), classfile.InternalName(te))
	case fa:
		return to == "java/lang/Cloneable" || to == "java/io/Serializable"
	case ta:
		return false
	}
	if as, ok := c.a.h.(Assigner); ok {
		if ok, err := as.IsAssignableFrom(to, from); err == nil {
			return ok
		}
	}
	return c.a.h.CommonSuperclass(from, to) == to
}
