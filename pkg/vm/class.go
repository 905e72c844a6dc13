package vm

import (
	"fmt"
	"sync"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
)

// NativeFunc implements a method in Go. Instance methods receive the
// receiver as args[0].
type NativeFunc func(l *Loader, args []Value) (Value, error)

// Method is a loaded method.
type Method struct {
	Class      *Class
	Name       string
	Descriptor string
	Access     uint16
	Args       []string
	Return     string

	file   *classfile.Method
	native NativeFunc

	once   sync.Once
	body   *bytecode.Body
	labels map[*bytecode.Label]int
	err    error
}

func (m *Method) String() string {
	return m.Class.Name + "." + m.Name + m.Descriptor
}

func (m *Method) IsStatic() bool   { return m.Access&classfile.AccStatic != 0 }
func (m *Method) IsAbstract() bool { return m.Access&classfile.AccAbstract != 0 }

// Invoke calls m. recv is ignored for static methods.
func (m *Method) Invoke(recv Value, args ...Value) (Value, error) {
	if len(args) != len(m.Args) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", m, len(m.Args), len(args))
	}
	if !m.IsStatic() {
		args = append([]Value{recv}, args...)
	}
	return m.Class.loader.invoke(nil, m, args, 0)
}

func (m *Method) code() (*bytecode.Body, map[*bytecode.Label]int, error) {
	m.once.Do(func() {
		if m.file == nil {
			m.err = fmt.Errorf("%s has no code", m)
			return
		}
		m.body, m.err = bytecode.Decode(m.Class.File, m.file)
		if m.err != nil {
			return
		}
		m.labels = make(map[*bytecode.Label]int)
		for i, in := range m.body.Instructions {
			if in.Op == bytecode.LABEL {
				m.labels[in.Label] = i
			}
		}
	})
	return m.body, m.labels, m.err
}

// Field is a loaded field.
type Field struct {
	Class      *Class
	Name       string
	Descriptor string
	Access     uint16
}

func (f *Field) String() string {
	return f.Class.Name + "." + f.Name + ":" + f.Descriptor
}

func (f *Field) IsStatic() bool { return f.Access&classfile.AccStatic != 0 }

// Get reads f from obj, or the static value when f is static.
func (f *Field) Get(obj *Object) (Value, error) {
	if f.IsStatic() {
		if err := f.Class.loader.initialize(f.Class); err != nil {
			return nil, err
		}
		return f.Class.static(f.Name, f.Descriptor), nil
	}
	if obj == nil {
		return nil, f.Class.loader.throw("java/lang/NullPointerException", "read of "+f.Name)
	}
	return obj.Field(f.Name, f.Descriptor), nil
}

// Set writes f on obj, or the static value when f is static.
func (f *Field) Set(obj *Object, v Value) error {
	if f.IsStatic() {
		if err := f.Class.loader.initialize(f.Class); err != nil {
			return err
		}
		f.Class.setStatic(f.Name, v)
		return nil
	}
	if obj == nil {
		return f.Class.loader.throw("java/lang/NullPointerException", "write of "+f.Name)
	}
	obj.SetField(f.Name, v)
	return nil
}

type initState int

const (
	uninitialized initState = iota
	initializing
	initialized
	erroneous
)

// Class is a loaded class.
type Class struct {
	Name       string
	Super      *Class
	Interfaces []*Class
	Access     uint16
	// File is the class as defined, after transformation. Builtins have none.
	File *classfile.ClassFile

	loader  *Loader
	methods []*Method
	fields  []*Field

	mu      sync.Mutex
	statics map[string]Value
	state   initState
	initErr error
}

func (c *Class) String() string {
	return c.Name
}

func (c *Class) IsInterface() bool { return c.Access&classfile.AccInterface != 0 }

// Loader returns the loader that defined c.
func (c *Class) Loader() *Loader {
	return c.loader
}

// Methods returns the declared methods.
func (c *Class) Methods() []*Method {
	return c.methods
}

// Fields returns the declared fields.
func (c *Class) Fields() []*Field {
	return c.fields
}

// DeclaredMethod returns a method declared by c. An empty desc matches the
// first method with that name.
func (c *Class) DeclaredMethod(name, desc string) *Method {
	for _, m := range c.methods {
		if m.Name == name && (desc == "" || m.Descriptor == desc) {
			return m
		}
	}
	return nil
}

// DeclaredField returns a field declared by c.
func (c *Class) DeclaredField(name string) *Field {
	for _, f := range c.fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// LookupMethod resolves a method through the superclass chain and then the
// superinterfaces.
func (c *Class) LookupMethod(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.DeclaredMethod(name, desc); m != nil {
			return m
		}
	}
	for k := c; k != nil; k = k.Super {
		for _, i := range k.Interfaces {
			if m := i.LookupMethod(name, desc); m != nil && !m.IsAbstract() {
				return m
			}
		}
	}
	return nil
}

// LookupField resolves a field through the superclass chain and the
// superinterfaces.
func (c *Class) LookupField(name string) *Field {
	for k := c; k != nil; k = k.Super {
		if f := k.DeclaredField(name); f != nil {
			return f
		}
		for _, i := range k.Interfaces {
			if f := i.LookupField(name); f != nil {
				return f
			}
		}
	}
	return nil
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	if other == nil {
		return false
	}
	if other.Name == "java/lang/Object" {
		return true
	}
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
		for _, i := range k.Interfaces {
			if i.IsSubclassOf(other) {
				return true
			}
		}
	}
	return false
}

// IsInstance reports whether v is a non-null instance of c.
func (c *Class) IsInstance(v Value) bool {
	ok, _ := c.loader.instanceOf(v, c.Name)
	return ok
}

// Construct allocates an instance and runs the constructor with
// descriptor desc.
func (c *Class) Construct(desc string, args ...Value) (*Object, error) {
	if err := c.loader.initialize(c); err != nil {
		return nil, err
	}
	ctor := c.DeclaredMethod("<init>", desc)
	if ctor == nil {
		return nil, fmt.Errorf("%s has no constructor %s", c.Name, desc)
	}
	obj := newObject(c)
	if _, err := ctor.Invoke(obj, args...); err != nil {
		return nil, err
	}
	return obj, nil
}

// Invoke calls name on recv, dispatching on recv's class for instance
// methods. recv is ignored for static methods.
func (c *Class) Invoke(recv Value, name, desc string, args ...Value) (Value, error) {
	m := c.LookupMethod(name, desc)
	if m == nil {
		return nil, fmt.Errorf("%s has no method %s%s", c.Name, name, desc)
	}
	if !m.IsStatic() {
		rc, err := c.loader.classOf(recv)
		if err != nil {
			return nil, err
		}
		if impl := rc.LookupMethod(m.Name, m.Descriptor); impl != nil {
			m = impl
		}
	}
	return m.Invoke(recv, args...)
}

// Get reads a field by name. obj is ignored for static fields.
func (c *Class) Get(obj *Object, name string) (Value, error) {
	f := c.LookupField(name)
	if f == nil {
		return nil, fmt.Errorf("%s has no field %s", c.Name, name)
	}
	return f.Get(obj)
}

// Set writes a field by name. obj is ignored for static fields.
func (c *Class) Set(obj *Object, name string, v Value) error {
	f := c.LookupField(name)
	if f == nil {
		return fmt.Errorf("%s has no field %s", c.Name, name)
	}
	return f.Set(obj, v)
}

func (c *Class) static(name, desc string) Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.statics[name]; ok {
		return v
	}
	return Zero(desc)
}

func (c *Class) setStatic(name string, v Value) {
	c.mu.Lock()
	c.statics[name] = v
	c.mu.Unlock()
}
