package corpus

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
)

// ClassRecord is one indexed class. Identity fields never change; File and
// the method bodies are replaced when a rewrite is committed.
type ClassRecord struct {
	Name       string
	Super      string
	Interfaces []string
	Access     uint16
	Source     string
	Fields     []*FieldRecord
	Methods    []*MethodRecord

	mu       sync.RWMutex
	file     *classfile.ClassFile
	raw      []byte
	literals map[any]struct{}
	strs     []string
}

func newClassRecord(source string, data []byte, cf *classfile.ClassFile) *ClassRecord {
	c := &ClassRecord{
		Name:       cf.Name,
		Super:      cf.Super,
		Interfaces: cf.Interfaces,
		Access:     cf.Access,
		Source:     source,
		file:       cf,
		raw:        data,
		literals:   make(map[any]struct{}),
	}
	for _, v := range cf.Pool.Literals() {
		c.literals[v] = struct{}{}
		if s, ok := v.(string); ok {
			c.strs = append(c.strs, s)
		}
	}
	for _, f := range cf.Fields {
		c.Fields = append(c.Fields, &FieldRecord{
			Owner:      c,
			Name:       f.Name,
			Descriptor: f.Descriptor,
			Access:     f.Access,
		})
	}
	for _, m := range cf.Methods {
		mr := &MethodRecord{
			Owner:      c,
			Name:       m.Name,
			Descriptor: m.Descriptor,
			Access:     m.Access,
			method:     m,
		}
		if md, err := classfile.ParseMethodDescriptor(m.Descriptor); err == nil {
			mr.Args, mr.Return = md.Args, md.Return
		}
		c.Methods = append(c.Methods, mr)
	}
	return c
}

func (c *ClassRecord) String() string {
	return c.Name
}

// Is reports whether every bit of flag is set.
func (c *ClassRecord) Is(flag uint16) bool {
	return c.Access&flag == flag
}

func (c *ClassRecord) IsInterface() bool { return c.Is(classfile.AccInterface) }
func (c *ClassRecord) IsAbstract() bool  { return c.Is(classfile.AccAbstract) }
func (c *ClassRecord) IsEnum() bool      { return c.Is(classfile.AccEnum) }

// Implements reports whether iface is a direct superinterface.
func (c *ClassRecord) Implements(iface string) bool {
	return slices.Contains(c.Interfaces, iface)
}

// File returns the current parsed form of the class.
func (c *ClassRecord) File() *classfile.ClassFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file
}

// Bytes returns the current serialized class.
func (c *ClassRecord) Bytes() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw
}

// Method returns the first method with the given name and descriptor. An
// empty descriptor matches any.
func (c *ClassRecord) Method(name, desc string) *MethodRecord {
	for _, m := range c.Methods {
		if m.Name == name && (desc == "" || m.Descriptor == desc) {
			return m
		}
	}
	return nil
}

// Field returns the field with the given name.
func (c *ClassRecord) Field(name string) *FieldRecord {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Literals returns the numeric and string constants of the class pool.
func (c *ClassRecord) Literals() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]any, 0, len(c.literals))
	for v := range c.literals {
		out = append(out, v)
	}
	return out
}

// Strings returns the string literals of the class pool.
func (c *ClassRecord) Strings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strs
}

// HasConstant reports whether v appears as a literal anywhere in the class.
// Small integers never reach the pool, so they are looked up in the method
// bodies.
func (c *ClassRecord) HasConstant(v any) bool {
	c.mu.RLock()
	_, ok := c.literals[v]
	c.mu.RUnlock()
	if ok {
		return true
	}
	if _, small := v.(int32); !small {
		return false
	}
	for _, m := range c.Methods {
		if m.UsesConstant(v) {
			return true
		}
	}
	return false
}

// HasStringContaining reports whether any string literal contains substr.
func (c *ClassRecord) HasStringContaining(substr string) bool {
	for _, s := range c.Strings() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// Commit installs a rewritten class. Method records are rebound to the new
// methods by name and descriptor and their cached bodies dropped.
func (c *ClassRecord) Commit(cf *classfile.ClassFile, data []byte) error {
	byKey := make(map[string]*classfile.Method, len(cf.Methods))
	for _, m := range cf.Methods {
		byKey[m.Name+m.Descriptor] = m
	}
	for _, mr := range c.Methods {
		if byKey[mr.Name+mr.Descriptor] == nil {
			return fmt.Errorf("%s: rewritten class lost method %s", c.Name, mr)
		}
	}
	c.mu.Lock()
	c.file = cf
	c.raw = data
	c.literals = make(map[any]struct{})
	c.strs = nil
	for _, v := range cf.Pool.Literals() {
		c.literals[v] = struct{}{}
		if s, ok := v.(string); ok {
			c.strs = append(c.strs, s)
		}
	}
	c.mu.Unlock()
	for _, mr := range c.Methods {
		mr.rebind(byKey[mr.Name+mr.Descriptor])
	}
	return nil
}

// FieldRecord is a field declaration.
type FieldRecord struct {
	Owner      *ClassRecord
	Name       string
	Descriptor string
	Access     uint16
}

func (f *FieldRecord) String() string {
	return f.Owner.Name + "." + f.Name + ":" + f.Descriptor
}

// Is reports whether every bit of flag is set.
func (f *FieldRecord) Is(flag uint16) bool {
	return f.Access&flag == flag
}

// Ref returns a field reference to f.
func (f *FieldRecord) Ref() classfile.MemberRef {
	return classfile.MemberRef{Owner: f.Owner.Name, Name: f.Name, Descriptor: f.Descriptor}
}

// FieldAccess is one field instruction in a method body.
type FieldAccess struct {
	Op  bytecode.Opcode
	Ref classfile.MemberRef
}

// Write reports whether the access stores to the field.
func (a FieldAccess) Write() bool {
	return a.Op == bytecode.PUTFIELD || a.Op == bytecode.PUTSTATIC
}

// MethodRecord is a method declaration with a lazily decoded body.
type MethodRecord struct {
	Owner      *ClassRecord
	Name       string
	Descriptor string
	Args       []string
	Return     string
	Access     uint16

	mu     sync.Mutex
	method *classfile.Method
	body   *bytecode.Body
	facts  *facts
	err    error
}

type facts struct {
	constants map[any]struct{}
	strs      []string
	calls     []classfile.MemberRef
	fields    []FieldAccess
	hash      uint32
}

func (m *MethodRecord) String() string {
	return m.Owner.Name + "." + m.Name + m.Descriptor
}

// Is reports whether every bit of flag is set.
func (m *MethodRecord) Is(flag uint16) bool {
	return m.Access&flag == flag
}

func (m *MethodRecord) IsStatic() bool      { return m.Is(classfile.AccStatic) }
func (m *MethodRecord) IsConstructor() bool { return m.Name == "<init>" }
func (m *MethodRecord) IsStaticInit() bool  { return m.Name == "<clinit>" }

// HasCode reports whether the method has a body.
func (m *MethodRecord) HasCode() bool {
	return m.Access&(classfile.AccAbstract|classfile.AccNative) == 0
}

// Ref returns a method reference to m.
func (m *MethodRecord) Ref() classfile.MemberRef {
	return classfile.MemberRef{Owner: m.Owner.Name, Name: m.Name, Descriptor: m.Descriptor, Interface: m.Owner.IsInterface()}
}

// Method returns the current class file method.
func (m *MethodRecord) Method() *classfile.Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.method
}

func (m *MethodRecord) rebind(cm *classfile.Method) {
	m.mu.Lock()
	m.method = cm
	m.body, m.facts, m.err = nil, nil, nil
	m.mu.Unlock()
}

// Body decodes the method's instructions on first use. The returned body
// is shared; clone it before editing.
func (m *MethodRecord) Body() (*bytecode.Body, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.decode(); err != nil {
		return nil, err
	}
	return m.body, nil
}

func (m *MethodRecord) decode() error {
	if m.body != nil || m.err != nil {
		return m.err
	}
	if !m.HasCode() {
		m.err = classfile.ErrNoCode
		return m.err
	}
	m.body, m.err = bytecode.Decode(m.Owner.File(), m.method)
	return m.err
}

func (m *MethodRecord) derived() *facts {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.facts != nil {
		return m.facts
	}
	f := &facts{constants: make(map[any]struct{})}
	m.facts = f
	if m.decode() != nil {
		return f
	}
	for _, in := range m.body.Instructions {
		switch {
		case in.Op == bytecode.LDC:
			f.constants[in.Const] = struct{}{}
			if s, ok := in.Const.(string); ok {
				f.strs = append(f.strs, s)
			}
		case in.Op >= bytecode.ICONST_M1 && in.Op <= bytecode.ICONST_5:
			f.constants[int32(in.Op)-int32(bytecode.ICONST_0)] = struct{}{}
		case in.Op == bytecode.LCONST_0 || in.Op == bytecode.LCONST_1:
			f.constants[int64(in.Op-bytecode.LCONST_0)] = struct{}{}
		case in.Op == bytecode.BIPUSH || in.Op == bytecode.SIPUSH:
			f.constants[in.Int] = struct{}{}
		case in.Op.IsInvoke() && in.Ref != nil:
			f.calls = append(f.calls, *in.Ref)
		case in.Op.IsFieldAccess():
			f.fields = append(f.fields, FieldAccess{Op: in.Op, Ref: *in.Ref})
		}
	}
	f.hash = bytecode.ShapeHash(m.body)
	return f
}

// Constants returns the literal values the body pushes.
func (m *MethodRecord) Constants() []any {
	f := m.derived()
	out := make([]any, 0, len(f.constants))
	for v := range f.constants {
		out = append(out, v)
	}
	return out
}

// UsesConstant reports whether the body pushes v.
func (m *MethodRecord) UsesConstant(v any) bool {
	_, ok := m.derived().constants[v]
	return ok
}

// Strings returns the string literals the body loads, in order.
func (m *MethodRecord) Strings() []string {
	return m.derived().strs
}

// Calls returns every method the body invokes, in order.
func (m *MethodRecord) Calls() []classfile.MemberRef {
	return m.derived().calls
}

// FieldRefs returns every field instruction of the body, in order.
func (m *MethodRecord) FieldRefs() []FieldAccess {
	return m.derived().fields
}

// OpcodeHash is the bytecode.ShapeHash of the body, zero without code.
func (m *MethodRecord) OpcodeHash() uint32 {
	return m.derived().hash
}
