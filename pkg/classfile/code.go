package classfile

import (
	"github.com/pkg/errors"
)

// ErrNoCode is returned for abstract and native methods.
var ErrNoCode = errors.New("method has no Code attribute")

// ExceptionEntry is one row of a Code attribute exception table.
// CatchType 0 catches everything.
type ExceptionEntry struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// CodeAttribute is a decoded Code attribute. Nested attributes (line
// numbers, local variables, stack maps) stay raw.
type CodeAttribute struct {
	MaxStack       uint16
	MaxLocals      uint16
	Code           []byte
	ExceptionTable []ExceptionEntry
	Attributes     []Attribute
}

// Attribute returns the first nested attribute with the given name.
func (c *CodeAttribute) Attribute(name string) (*Attribute, bool) {
	return findAttribute(c.Attributes, name)
}

// Code decodes the method's Code attribute.
func (m *Method) Code(pool *ConstantPool) (*CodeAttribute, error) {
	a, ok := m.Attribute("Code")
	if !ok {
		return nil, ErrNoCode
	}
	r := newReader(a.Data)
	c := &CodeAttribute{}
	c.MaxStack = r.u2()
	c.MaxLocals = r.u2()
	c.Code = r.bytes(int(r.u4()))
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		c.ExceptionTable = append(c.ExceptionTable, ExceptionEntry{
			StartPC:   r.u2(),
			EndPC:     r.u2(),
			HandlerPC: r.u2(),
			CatchType: r.u2(),
		})
	}
	var err error
	if c.Attributes, err = readAttributes(r, pool); err != nil {
		return nil, errors.Wrapf(err, "%s: code attributes", m)
	}
	if r.err != nil {
		return nil, errors.Wrapf(r.err, "%s: code", m)
	}
	return c, nil
}

// SetCode encodes c and stores it as the method's Code attribute. Nested
// attribute names are interned in pool.
func (m *Method) SetCode(pool *ConstantPool, c *CodeAttribute) error {
	if len(c.Code) == 0 || len(c.Code) >= 65536 {
		return errors.Errorf("%s: invalid code length %d", m, len(c.Code))
	}
	if err := c.bind(pool); err != nil {
		return err
	}
	w := &writer{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Code)))
	w.raw(c.Code)
	if err := w.len16(len(c.ExceptionTable), "exception handlers"); err != nil {
		return err
	}
	for _, e := range c.ExceptionTable {
		w.u2(e.StartPC)
		w.u2(e.EndPC)
		w.u2(e.HandlerPC)
		w.u2(e.CatchType)
	}
	if err := w.len16(len(c.Attributes), "code attributes"); err != nil {
		return err
	}
	for _, a := range c.Attributes {
		w.u2(a.nameIndex)
		w.u4(uint32(len(a.Data)))
		w.raw(a.Data)
	}
	m.SetAttribute("Code", w.b)
	return nil
}

func (c *CodeAttribute) bind(pool *ConstantPool) error {
	for i := range c.Attributes {
		a := &c.Attributes[i]
		if a.nameIndex != 0 {
			if cur, err := pool.Utf8(a.nameIndex); err == nil && cur == a.Name {
				continue
			}
		}
		idx, err := pool.AddUtf8(a.Name)
		if err != nil {
			return err
		}
		a.nameIndex = idx
	}
	return nil
}

// SetAttribute replaces the named nested attribute or appends it.
func (c *CodeAttribute) SetAttribute(name string, data []byte) {
	if a, ok := c.Attribute(name); ok {
		a.Data = data
		return
	}
	c.Attributes = append(c.Attributes, Attribute{Name: name, Data: data})
}

// RemoveAttribute drops every nested attribute with the given name.
func (c *CodeAttribute) RemoveAttribute(name string) {
	out := c.Attributes[:0]
	for _, a := range c.Attributes {
		if a.Name != name {
			out = append(out, a)
		}
	}
	c.Attributes = out
}

// LineNumber is a LineNumberTable row.
type LineNumber struct {
	StartPC uint16
	Line    uint16
}

// LineNumbers decodes the LineNumberTable attribute, if present.
func (c *CodeAttribute) LineNumbers() []LineNumber {
	var out []LineNumber
	for _, a := range c.Attributes {
		if a.Name != "LineNumberTable" {
			continue
		}
		r := newReader(a.Data)
		n := int(r.u2())
		for i := 0; i < n && r.err == nil; i++ {
			out = append(out, LineNumber{StartPC: r.u2(), Line: r.u2()})
		}
	}
	return out
}

// EncodeLineNumbers builds a LineNumberTable attribute body.
func EncodeLineNumbers(rows []LineNumber) []byte {
	w := &writer{}
	w.u2(uint16(len(rows)))
	for _, l := range rows {
		w.u2(l.StartPC)
		w.u2(l.Line)
	}
	return w.b
}
