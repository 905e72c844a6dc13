package rewrite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/corpus"
)

// Error is a failed class rewrite. The class is left unmodified.
type Error struct {
	Class  string
	Method string
	Edit   string
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("rewrite ")
	sb.WriteString(e.Class)
	if e.Method != "" {
		sb.WriteString("." + e.Method)
	}
	if e.Edit != "" {
		sb.WriteString(" (" + e.Edit + ")")
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Plan is the ordered edits queued for one method.
type Plan struct {
	Name       string
	Descriptor string
	Edits      []Edit
	// Source names who queued the plan, for logs.
	Source string
}

func (p Plan) String() string {
	return p.Name + p.Descriptor
}

// Transformer applies plans to classes.
type Transformer struct {
	// Hierarchy answers common-superclass queries during frame recompute.
	Hierarchy bytecode.Hierarchy
	// Frames is the preferred frame mode. Preserve is only honored for
	// methods whose edits are all frame-neutral.
	Frames bytecode.FrameMode
	// Verify re-analyzes every rewritten method and compares the result
	// with the frames that were written.
	Verify bool
}

// Apply rewrites a copy of cf. cf itself is never modified.
func (t *Transformer) Apply(cf *classfile.ClassFile, plans []Plan) (*classfile.ClassFile, []byte, error) {
	out := cf.Clone()
	for _, plan := range plans {
		if err := t.applyPlan(out, plan); err != nil {
			return nil, nil, err
		}
	}
	data, err := out.Bytes()
	if err != nil {
		return nil, nil, &Error{Class: cf.Name, Err: err}
	}
	return out, data, nil
}

// Rewrite applies plans to rec and commits the result. On failure rec is
// untouched and its current bytes are returned with the error.
func (t *Transformer) Rewrite(rec *corpus.ClassRecord, plans []Plan) ([]byte, error) {
	cf, data, err := t.Apply(rec.File(), plans)
	if err != nil {
		return rec.Bytes(), err
	}
	if err := rec.Commit(cf, data); err != nil {
		return rec.Bytes(), &Error{Class: rec.Name, Err: err}
	}
	return data, nil
}

func (t *Transformer) applyPlan(cf *classfile.ClassFile, plan Plan) error {
	fail := func(edit string, err error) error {
		return &Error{Class: cf.Name, Method: plan.String(), Edit: edit, Err: err}
	}
	m := cf.Method(plan.Name, plan.Descriptor)
	if m == nil {
		return fail("", errors.New("method not found"))
	}
	body, err := bytecode.Decode(cf, m)
	if err != nil {
		return fail("", err)
	}
	ctx := &Context{
		Class:  cf,
		Method: bytecode.Method{Owner: cf.Name, Access: m.Access, Name: m.Name, Descriptor: m.Descriptor},
		Body:   body,
	}
	neutral := true
	for _, e := range plan.Edits {
		if err := e.Apply(ctx); err != nil {
			return fail(e.String(), err)
		}
		neutral = neutral && e.FrameNeutral()
	}

	mode := t.frameMode(neutral)
	err = bytecode.Encode(cf, m, ctx.Body, bytecode.EncodeOptions{Frames: mode, Hierarchy: t.Hierarchy})
	if errors.Is(err, bytecode.ErrNeedRecompute) {
		log.WithField("method", cf.Name+"."+plan.String()).Debug("Carried frames do not fit the new layout, recomputing")
		mode = bytecode.Recompute
		err = bytecode.Encode(cf, m, ctx.Body, bytecode.EncodeOptions{Frames: mode, Hierarchy: t.Hierarchy})
	}
	if err != nil {
		return fail("", err)
	}
	if t.Verify && mode == bytecode.Recompute {
		if err := bytecode.VerifyFrames(cf, m, t.hierarchy()); err != nil {
			return fail("verify", err)
		}
	}
	log.WithFields(log.Fields{
		"method": cf.Name + "." + plan.String(),
		"edits":  len(plan.Edits),
		"frames": mode,
		"source": plan.Source,
	}).Debug("Rewrote method")
	return nil
}

func (t *Transformer) frameMode(neutral bool) bytecode.FrameMode {
	if t.Frames == bytecode.Preserve && neutral {
		return bytecode.Preserve
	}
	return bytecode.Recompute
}

func (t *Transformer) hierarchy() bytecode.Hierarchy {
	if t.Hierarchy == nil {
		return bytecode.RootHierarchy{}
	}
	return t.Hierarchy
}

// Describe lists the edits of plans, one per line.
func Describe(plans []Plan) string {
	var sb strings.Builder
	for _, p := range plans {
		for _, e := range p.Edits {
			fmt.Fprintf(&sb, "%s: %s\n", p, e)
		}
	}
	return sb.String()
}
