// Package classfile reads and writes JVM class files.
package classfile

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Magic is the class file signature.
const Magic uint32 = 0xCAFEBABE

var ErrInvalidMagic = errors.New("invalid class file magic")

// Access flags shared by classes, fields and methods.
const (
	AccPublic       uint16 = 0x0001
	AccPrivate      uint16 = 0x0002
	AccProtected    uint16 = 0x0004
	AccStatic       uint16 = 0x0008
	AccFinal        uint16 = 0x0010
	AccSuper        uint16 = 0x0020
	AccSynchronized uint16 = 0x0020
	AccVolatile     uint16 = 0x0040
	AccBridge       uint16 = 0x0040
	AccTransient    uint16 = 0x0080
	AccVarargs      uint16 = 0x0080
	AccNative       uint16 = 0x0100
	AccInterface    uint16 = 0x0200
	AccAbstract     uint16 = 0x0400
	AccStrict       uint16 = 0x0800
	AccSynthetic    uint16 = 0x1000
	AccAnnotation   uint16 = 0x2000
	AccEnum         uint16 = 0x4000
	AccModule       uint16 = 0x8000
)

// Java6 is the first class version that carries StackMapTable frames.
const Java6 uint16 = 50

// Attribute is an undecoded attribute.
type Attribute struct {
	Name string
	Data []byte

	nameIndex uint16
}

// Member is the common part of fields and methods.
type Member struct {
	Access     uint16
	Name       string
	Descriptor string
	Attributes []Attribute

	nameIndex uint16
	descIndex uint16
}

// Attribute returns the first attribute with the given name.
func (m *Member) Attribute(name string) (*Attribute, bool) {
	return findAttribute(m.Attributes, name)
}

// Is reports whether every bit of flag is set.
func (m *Member) Is(flag uint16) bool {
	return m.Access&flag == flag
}

type Field struct {
	Member
}

type Method struct {
	Member
}

func (m *Method) String() string {
	return m.Name + m.Descriptor
}

// ClassFile is a parsed class. Pool is shared with the fields, methods and
// attributes that reference it.
type ClassFile struct {
	Minor      uint16
	Major      uint16
	Pool       *ConstantPool
	Access     uint16
	Name       string
	Super      string // empty for java/lang/Object
	Interfaces []string
	Fields     []*Field
	Methods    []*Method
	Attributes []Attribute

	thisIndex  uint16
	superIndex uint16
	ifaceIndex []uint16
}

// Is reports whether every bit of flag is set.
func (c *ClassFile) Is(flag uint16) bool {
	return c.Access&flag == flag
}

// Method returns the method with the given name and descriptor. An empty
// descriptor matches the first method of that name.
func (c *ClassFile) Method(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && (desc == "" || m.Descriptor == desc) {
			return m
		}
	}
	return nil
}

// Field returns the field with the given name.
func (c *ClassFile) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Attribute returns the first class attribute with the given name.
func (c *ClassFile) Attribute(name string) (*Attribute, bool) {
	return findAttribute(c.Attributes, name)
}

// SourceFile returns the SourceFile attribute value if present.
func (c *ClassFile) SourceFile() string {
	a, ok := c.Attribute("SourceFile")
	if !ok || len(a.Data) != 2 {
		return ""
	}
	s, _ := c.Pool.Utf8(uint16(a.Data[0])<<8 | uint16(a.Data[1]))
	return s
}

func findAttribute(attrs []Attribute, name string) (*Attribute, bool) {
	for i := range attrs {
		if attrs[i].Name == name {
			return &attrs[i], true
		}
	}
	return nil, false
}

// Header is the identity portion of a class.
type Header struct {
	Major      uint16
	Access     uint16
	Name       string
	Super      string
	Interfaces []string
}

// IsInterface reports whether the header describes an interface.
func (h *Header) IsInterface() bool {
	return h.Access&AccInterface != 0
}

// ParseHeader decodes only the constant pool and identity of a class.
func ParseHeader(data []byte) (*Header, error) {
	r := newReader(data)
	cf, err := parsePrefix(r)
	if err != nil {
		return nil, err
	}
	return &Header{
		Major:      cf.Major,
		Access:     cf.Access,
		Name:       cf.Name,
		Super:      cf.Super,
		Interfaces: cf.Interfaces,
	}, nil
}

func parsePrefix(r *reader) (*ClassFile, error) {
	if magic := r.u4(); r.err == nil && magic != Magic {
		return nil, errors.Wrapf(ErrInvalidMagic, "found %#08x", magic)
	}
	cf := &ClassFile{}
	cf.Minor = r.u2()
	cf.Major = r.u2()
	cf.Pool = readPool(r)
	cf.Access = r.u2()
	cf.thisIndex = r.u2()
	cf.superIndex = r.u2()
	n := int(r.u2())
	if r.err != nil {
		return nil, errors.Wrap(r.err, "failed to read class header")
	}
	cf.ifaceIndex = make([]uint16, n)
	for i := range cf.ifaceIndex {
		cf.ifaceIndex[i] = r.u2()
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "failed to read interfaces")
	}
	var err error
	if cf.Name, err = cf.Pool.ClassName(cf.thisIndex); err != nil {
		return nil, errors.Wrap(err, "this_class")
	}
	if cf.superIndex != 0 {
		if cf.Super, err = cf.Pool.ClassName(cf.superIndex); err != nil {
			return nil, errors.Wrap(err, "super_class")
		}
	}
	cf.Interfaces = make([]string, n)
	for i, idx := range cf.ifaceIndex {
		if cf.Interfaces[i], err = cf.Pool.ClassName(idx); err != nil {
			return nil, errors.Wrapf(err, "interface %d", i)
		}
	}
	return cf, nil
}

// Parse decodes a complete class file.
func Parse(data []byte) (*ClassFile, error) {
	r := newReader(data)
	cf, err := parsePrefix(r)
	if err != nil {
		return nil, err
	}
	nf := int(r.u2())
	for i := 0; i < nf && r.err == nil; i++ {
		m, err := readMember(r, cf.Pool)
		if err != nil {
			return nil, errors.Wrapf(err, "field %d", i)
		}
		cf.Fields = append(cf.Fields, &Field{Member: m})
	}
	nm := int(r.u2())
	for i := 0; i < nm && r.err == nil; i++ {
		m, err := readMember(r, cf.Pool)
		if err != nil {
			return nil, errors.Wrapf(err, "method %d", i)
		}
		cf.Methods = append(cf.Methods, &Method{Member: m})
	}
	if cf.Attributes, err = readAttributes(r, cf.Pool); err != nil {
		return nil, errors.Wrap(err, "class attributes")
	}
	if r.err != nil {
		return nil, errors.Wrapf(r.err, "failed to parse %s", cf.Name)
	}
	if r.off != len(data) {
		return nil, errors.Errorf("%s: %d trailing bytes", cf.Name, len(data)-r.off)
	}
	return cf, nil
}

func readMember(r *reader, pool *ConstantPool) (Member, error) {
	var m Member
	m.Access = r.u2()
	m.nameIndex = r.u2()
	m.descIndex = r.u2()
	if r.err != nil {
		return m, r.err
	}
	var err error
	if m.Name, err = pool.Utf8(m.nameIndex); err != nil {
		return m, err
	}
	if m.Descriptor, err = pool.Utf8(m.descIndex); err != nil {
		return m, err
	}
	m.Attributes, err = readAttributes(r, pool)
	return m, err
}

func readAttributes(r *reader, pool *ConstantPool) ([]Attribute, error) {
	n := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	attrs := make([]Attribute, 0, n)
	for i := 0; i < n; i++ {
		var a Attribute
		a.nameIndex = r.u2()
		a.Data = r.bytes(int(r.u4()))
		if r.err != nil {
			return nil, r.err
		}
		var err error
		if a.Name, err = pool.Utf8(a.nameIndex); err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// New returns an empty class with the given identity, targeting Java 8.
func New(access uint16, name, super string, interfaces ...string) *ClassFile {
	return &ClassFile{
		Major:      52,
		Pool:       NewConstantPool(),
		Access:     access,
		Name:       name,
		Super:      super,
		Interfaces: interfaces,
	}
}

// AddField appends a field declaration.
func (c *ClassFile) AddField(access uint16, name, desc string) *Field {
	f := &Field{Member: Member{Access: access, Name: name, Descriptor: desc}}
	c.Fields = append(c.Fields, f)
	return f
}

// AddMethod appends a method declaration without code.
func (c *ClassFile) AddMethod(access uint16, name, desc string) *Method {
	m := &Method{Member: Member{Access: access, Name: name, Descriptor: desc}}
	c.Methods = append(c.Methods, m)
	return m
}

// SetAttribute replaces the named attribute or appends it.
func (m *Member) SetAttribute(name string, data []byte) {
	if a, ok := m.Attribute(name); ok {
		a.Data = data
		return
	}
	m.Attributes = append(m.Attributes, Attribute{Name: name, Data: data})
}

// RemoveAttribute drops every attribute with the given name.
func (m *Member) RemoveAttribute(name string) {
	out := m.Attributes[:0]
	for _, a := range m.Attributes {
		if a.Name != name {
			out = append(out, a)
		}
	}
	m.Attributes = out
}

// Bytes serializes the class.
func (c *ClassFile) Bytes() ([]byte, error) {
	w := &writer{b: make([]byte, 0, 4096)}
	// resolve every index first so the pool is final before it is written
	this, err := c.classIndex(c.thisIndex, c.Name)
	if err != nil {
		return nil, err
	}
	var super uint16
	if c.Super != "" {
		if super, err = c.classIndex(c.superIndex, c.Super); err != nil {
			return nil, err
		}
	}
	ifaces := make([]uint16, len(c.Interfaces))
	for i, name := range c.Interfaces {
		var old uint16
		if i < len(c.ifaceIndex) {
			old = c.ifaceIndex[i]
		}
		if ifaces[i], err = c.classIndex(old, name); err != nil {
			return nil, err
		}
	}
	if err := c.bindMembers(); err != nil {
		return nil, err
	}

	w.u4(Magic)
	w.u2(c.Minor)
	w.u2(c.Major)
	if err := c.Pool.write(w); err != nil {
		return nil, err
	}
	w.u2(c.Access)
	w.u2(this)
	w.u2(super)
	if err := w.len16(len(ifaces), "interfaces"); err != nil {
		return nil, err
	}
	for _, i := range ifaces {
		w.u2(i)
	}
	if err := w.len16(len(c.Fields), "fields"); err != nil {
		return nil, err
	}
	for _, f := range c.Fields {
		if err := writeMember(w, &f.Member); err != nil {
			return nil, err
		}
	}
	if err := w.len16(len(c.Methods), "methods"); err != nil {
		return nil, err
	}
	for _, m := range c.Methods {
		if err := writeMember(w, &m.Member); err != nil {
			return nil, err
		}
	}
	if err := writeAttributes(w, c.Attributes); err != nil {
		return nil, err
	}
	return w.b, nil
}

func (c *ClassFile) classIndex(old uint16, name string) (uint16, error) {
	if old != 0 {
		if cur, err := c.Pool.ClassName(old); err == nil && cur == name {
			return old, nil
		}
	}
	return c.Pool.AddClass(name)
}

func (c *ClassFile) utf8Index(old uint16, s string) (uint16, error) {
	if old != 0 {
		if cur, err := c.Pool.Utf8(old); err == nil && cur == s {
			return old, nil
		}
	}
	return c.Pool.AddUtf8(s)
}

func (c *ClassFile) bindAttributes(attrs []Attribute) error {
	for i := range attrs {
		idx, err := c.utf8Index(attrs[i].nameIndex, attrs[i].Name)
		if err != nil {
			return err
		}
		attrs[i].nameIndex = idx
	}
	return nil
}

func (c *ClassFile) bindMember(m *Member) (err error) {
	if m.nameIndex, err = c.utf8Index(m.nameIndex, m.Name); err != nil {
		return err
	}
	if m.descIndex, err = c.utf8Index(m.descIndex, m.Descriptor); err != nil {
		return err
	}
	return c.bindAttributes(m.Attributes)
}

func (c *ClassFile) bindMembers() error {
	for _, f := range c.Fields {
		if err := c.bindMember(&f.Member); err != nil {
			return err
		}
	}
	for _, m := range c.Methods {
		if err := c.bindMember(&m.Member); err != nil {
			return err
		}
	}
	return c.bindAttributes(c.Attributes)
}

func writeMember(w *writer, m *Member) error {
	w.u2(m.Access)
	w.u2(m.nameIndex)
	w.u2(m.descIndex)
	return writeAttributes(w, m.Attributes)
}

func writeAttributes(w *writer, attrs []Attribute) error {
	if err := w.len16(len(attrs), "attributes"); err != nil {
		return err
	}
	for _, a := range attrs {
		w.u2(a.nameIndex)
		w.u4(uint32(len(a.Data)))
		w.raw(a.Data)
	}
	return nil
}

// Clone returns a deep copy that can be mutated independently.
func (c *ClassFile) Clone() *ClassFile {
	out := *c
	out.Pool = c.Pool.Clone()
	out.Interfaces = append([]string(nil), c.Interfaces...)
	out.ifaceIndex = append([]uint16(nil), c.ifaceIndex...)
	out.Attributes = cloneAttributes(c.Attributes)
	out.Fields = make([]*Field, len(c.Fields))
	for i, f := range c.Fields {
		cp := *f
		cp.Attributes = cloneAttributes(f.Attributes)
		out.Fields[i] = &cp
	}
	out.Methods = make([]*Method, len(c.Methods))
	for i, m := range c.Methods {
		cp := *m
		cp.Attributes = cloneAttributes(m.Attributes)
		out.Methods[i] = &cp
	}
	return &out
}

func cloneAttributes(attrs []Attribute) []Attribute {
	out := make([]Attribute, len(attrs))
	for i, a := range attrs {
		out[i] = a
		out[i].Data = bytes.Clone(a.Data)
	}
	return out
}

// PackageName returns the package portion of an internal class name.
func PackageName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return ""
}

// SimpleName returns the unqualified class name.
func SimpleName(name string) string {
	return name[strings.LastIndexByte(name, '/')+1:]
}

func (c *ClassFile) String() string {
	return fmt.Sprintf("%s (%d.%d)", c.Name, c.Major, c.Minor)
}
