// Package vm is a small JVM host runtime. It defines classes from a class
// source, runs them with a bytecode interpreter and exposes them for
// reflective calls from Go.
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/apex/log"

	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/hierarchy"
)

// DefaultMaxDepth bounds the interpreter call depth.
const DefaultMaxDepth = 512

// Transformer sees every class's bytes before it is defined. Returning the
// input slice leaves the class unchanged.
type Transformer interface {
	Transform(name string, data []byte) ([]byte, error)
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(name string, data []byte) ([]byte, error)

func (f TransformerFunc) Transform(name string, data []byte) ([]byte, error) {
	return f(name, data)
}

// Tracer observes every invocation. caller is nil for calls made from Go.
type Tracer func(caller, callee *Method)

type nativeKey struct {
	owner, name, desc string
}

// Loader defines and links classes. Classes are loaded once and shared by
// every caller.
type Loader struct {
	// MaxDepth is the deepest call chain before StackOverflowError.
	MaxDepth int

	src hierarchy.ClassSource
	out io.Writer

	mu           sync.Mutex
	classes      map[string]*Class
	transformers []Transformer

	nmu      sync.RWMutex
	natives  map[nativeKey]NativeFunc
	instance map[nativeKey]bool

	tracer  atomic.Pointer[Tracer]
	mirrors sync.Map
}

// NewLoader returns a loader reading classes from src. src may be nil when
// only builtin and native classes are used.
func NewLoader(src hierarchy.ClassSource) *Loader {
	return &Loader{
		MaxDepth: DefaultMaxDepth,
		src:      src,
		out:      os.Stdout,
		classes:  make(map[string]*Class),
		natives:  make(map[nativeKey]NativeFunc),
		instance: make(map[nativeKey]bool),
	}
}

// AddTransformer appends t to the define-time transformer chain. It only
// affects classes loaded afterwards.
func (l *Loader) AddTransformer(t Transformer) {
	l.mu.Lock()
	l.transformers = append(l.transformers, t)
	l.mu.Unlock()
}

// SetTracer installs fn as the invocation tracer, or removes it when nil.
func (l *Loader) SetTracer(fn Tracer) {
	if fn == nil {
		l.tracer.Store(nil)
		return
	}
	l.tracer.Store(&fn)
}

// SetOutput redirects System.out.
func (l *Loader) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

func (l *Loader) output() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out
}

// RegisterNative binds a Go implementation to owner.name desc. It takes
// precedence over bytecode. A class that the source does not know is
// synthesized from its registered natives.
func (l *Loader) RegisterNative(owner, name, desc string, fn NativeFunc) {
	l.nmu.Lock()
	l.natives[nativeKey{owner, name, desc}] = fn
	l.nmu.Unlock()
}

func (l *Loader) native(m *Method) NativeFunc {
	if m.native != nil {
		return m.native
	}
	l.nmu.RLock()
	defer l.nmu.RUnlock()
	return l.natives[nativeKey{m.Class.Name, m.Name, m.Descriptor}]
}

// Classes returns the names of every loaded class.
func (l *Loader) Classes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.classes))
	for name := range l.classes {
		names = append(names, name)
	}
	return names
}

// LoadClass returns the named class, defining it and its supertypes on
// first use.
func (l *Loader) LoadClass(name string) (*Class, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(name, nil)
}

func (l *Loader) load(name string, chain []string) (*Class, error) {
	if c, ok := l.classes[name]; ok {
		return c, nil
	}
	for _, n := range chain {
		if n == name {
			return nil, fmt.Errorf("class circularity: %s", name)
		}
	}
	chain = append(chain, name)

	if b, ok := builtins[name]; ok {
		return l.defineBuiltin(name, b, chain)
	}

	data, err := l.bytes(name)
	if err != nil {
		if c, ok := l.synthesize(name, chain); ok {
			return c, nil
		}
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	for _, t := range l.transformers {
		out, err := t.Transform(name, data)
		if err != nil {
			log.WithError(err).WithField("class", name).Warn("Transformer failed, defining class unchanged")
			continue
		}
		data = out
	}
	cf, err := classfile.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("define %s: %w", name, err)
	}
	if cf.Name != name {
		return nil, fmt.Errorf("define %s: class file names %s", name, cf.Name)
	}
	return l.define(cf, chain)
}

func (l *Loader) bytes(name string) ([]byte, error) {
	if l.src == nil {
		return nil, fmt.Errorf("%s: %w", name, hierarchy.ErrNotFound)
	}
	return l.src.ClassBytes(name)
}

func (l *Loader) link(c *Class, super string, ifaces []string, chain []string) error {
	if super != "" {
		s, err := l.load(super, chain)
		if err != nil {
			return fmt.Errorf("link %s: %w", c.Name, err)
		}
		c.Super = s
	}
	for _, name := range ifaces {
		i, err := l.load(name, chain)
		if err != nil {
			return fmt.Errorf("link %s: %w", c.Name, err)
		}
		c.Interfaces = append(c.Interfaces, i)
	}
	return nil
}

func (l *Loader) define(cf *classfile.ClassFile, chain []string) (*Class, error) {
	c := &Class{
		Name:    cf.Name,
		Access:  cf.Access,
		File:    cf,
		loader:  l,
		statics: make(map[string]Value),
	}
	if err := l.link(c, cf.Super, cf.Interfaces, chain); err != nil {
		return nil, err
	}
	for _, fm := range cf.Methods {
		md, err := classfile.ParseMethodDescriptor(fm.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("define %s: %w", cf.Name, err)
		}
		c.methods = append(c.methods, &Method{
			Class:      c,
			Name:       fm.Name,
			Descriptor: fm.Descriptor,
			Access:     fm.Access,
			Args:       md.Args,
			Return:     md.Return,
			file:       fm,
		})
	}
	for _, ff := range cf.Fields {
		f := &Field{Class: c, Name: ff.Name, Descriptor: ff.Descriptor, Access: ff.Access}
		c.fields = append(c.fields, f)
		if !f.IsStatic() {
			continue
		}
		if v, ok := constantValue(cf, ff); ok {
			c.statics[f.Name] = v
		}
	}
	l.classes[c.Name] = c
	log.WithFields(log.Fields{"class": c.Name, "methods": len(c.methods)}).Debug("Defined class")
	return c, nil
}

// constantValue decodes a static field's ConstantValue attribute.
func constantValue(cf *classfile.ClassFile, f *classfile.Field) (Value, bool) {
	attr, ok := f.Attribute("ConstantValue")
	if !ok || len(attr.Data) != 2 {
		return nil, false
	}
	v, err := cf.Pool.Loadable(binary.BigEndian.Uint16(attr.Data))
	if err != nil {
		return nil, false
	}
	if i, ok := v.(int32); ok {
		// boolean, byte, char and short constants are stored as ints
		return i, true
	}
	switch v.(type) {
	case int64, float32, float64, string:
		return v, true
	}
	return nil, false
}

// synthesize builds a class out of natives registered for name.
func (l *Loader) synthesize(name string, chain []string) (*Class, bool) {
	l.nmu.RLock()
	var keys []nativeKey
	for k := range l.natives {
		if k.owner == name {
			keys = append(keys, k)
		}
	}
	instance := make(map[nativeKey]bool, len(keys))
	for _, k := range keys {
		instance[k] = l.instance[k]
	}
	l.nmu.RUnlock()
	if len(keys) == 0 {
		return nil, false
	}
	c := &Class{Name: name, Access: classfile.AccPublic, loader: l, statics: make(map[string]Value), state: initialized}
	if err := l.link(c, hierarchy.Root, nil, chain); err != nil {
		return nil, false
	}
	for _, k := range keys {
		md, err := classfile.ParseMethodDescriptor(k.desc)
		if err != nil {
			continue
		}
		access := classfile.AccPublic | classfile.AccNative
		if k.name != "<init>" && !instance[k] {
			access |= classfile.AccStatic
		}
		c.methods = append(c.methods, &Method{Class: c, Name: k.name, Descriptor: k.desc, Access: access, Args: md.Args, Return: md.Return})
	}
	l.classes[name] = c
	log.WithField("class", name).Debug("Synthesized class from natives")
	return c, true
}

// RegisterInstanceNative is RegisterNative for an instance method. The
// distinction only matters for classes synthesized from natives, whose
// methods are otherwise static.
func (l *Loader) RegisterInstanceNative(owner, name, desc string, fn NativeFunc) {
	l.nmu.Lock()
	l.natives[nativeKey{owner, name, desc}] = fn
	l.instance[nativeKey{owner, name, desc}] = true
	l.nmu.Unlock()
}

func (l *Loader) initialize(c *Class) error {
	c.mu.Lock()
	switch c.state {
	case initialized, initializing:
		c.mu.Unlock()
		return nil
	case erroneous:
		err := c.initErr
		c.mu.Unlock()
		return err
	}
	c.state = initializing
	c.mu.Unlock()

	err := func() error {
		if c.Super != nil {
			if err := l.initialize(c.Super); err != nil {
				return err
			}
		}
		if m := c.DeclaredMethod("<clinit>", "()V"); m != nil {
			if _, err := l.invoke(nil, m, nil, 0); err != nil {
				return fmt.Errorf("initialize %s: %w", c.Name, err)
			}
		}
		return nil
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = erroneous
		c.initErr = err
		return err
	}
	c.state = initialized
	return nil
}

// Throw builds a Java exception of class with message msg. The error it
// returns is a *Throw unless the class cannot be loaded.
func (l *Loader) Throw(class, msg string) error {
	return l.throw(class, msg)
}

func (l *Loader) throw(class, msg string) error {
	c, err := l.LoadClass(class)
	if err != nil {
		return err
	}
	obj := newObject(c)
	if msg != "" {
		obj.SetField("message", msg)
	}
	return &Throw{Object: obj}
}

// ClassOf returns the runtime class of a non-null reference.
func (l *Loader) ClassOf(v Value) (*Class, error) {
	return l.classOf(v)
}

func (l *Loader) classOf(v Value) (*Class, error) {
	switch v := v.(type) {
	case *Object:
		return v.Class, nil
	case string:
		return l.LoadClass("java/lang/String")
	case *Array:
		return l.LoadClass(hierarchy.Root)
	case nil:
		return nil, l.throw("java/lang/NullPointerException", "")
	}
	return nil, fmt.Errorf("%T is not a reference", v)
}

func (l *Loader) instanceOf(v Value, typ string) (bool, error) {
	switch v := v.(type) {
	case nil:
		return false, nil
	case *Array:
		return l.arrayAssignable(v.Type, typ)
	}
	if typ == hierarchy.Root {
		return true, nil
	}
	if typ[0] == '[' {
		return false, nil
	}
	rc, err := l.classOf(v)
	if err != nil {
		return false, err
	}
	tc, err := l.LoadClass(typ)
	if err != nil {
		var ex *Throw
		if errors.As(err, &ex) {
			return false, err
		}
		// a type the runtime cannot load has no instances
		return false, nil
	}
	return rc.IsSubclassOf(tc), nil
}

func (l *Loader) arrayAssignable(have, want string) (bool, error) {
	switch want {
	case hierarchy.Root, "java/lang/Cloneable", "java/io/Serializable":
		return true, nil
	}
	if have == want {
		return true, nil
	}
	if len(want) < 2 || want[0] != '[' || len(have) < 2 {
		return false, nil
	}
	he, we := have[1:], want[1:]
	if !classfile.IsReference(he) || !classfile.IsReference(we) {
		return false, nil
	}
	if he[0] == '[' {
		return l.arrayAssignable(he, classfile.InternalName(we))
	}
	if we[0] == '[' {
		return false, nil
	}
	hc, err := l.LoadClass(classfile.InternalName(he))
	if err != nil {
		return false, nil
	}
	wc, err := l.LoadClass(classfile.InternalName(we))
	if err != nil {
		return false, nil
	}
	return hc.IsSubclassOf(wc), nil
}

func (l *Loader) trace(caller, callee *Method) {
	if fn := l.tracer.Load(); fn != nil {
		(*fn)(caller, callee)
	}
}

func (l *Loader) invoke(caller, m *Method, args []Value, depth int) (Value, error) {
	l.trace(caller, m)
	if depth > l.MaxDepth {
		return nil, l.throw("java/lang/StackOverflowError", "")
	}
	if m.IsStatic() {
		if err := l.initialize(m.Class); err != nil {
			return nil, err
		}
	}
	if fn := l.native(m); fn != nil {
		return fn(l, args)
	}
	if m.IsAbstract() {
		return nil, l.throw("java/lang/AbstractMethodError", m.String())
	}
	if m.file == nil || m.Access&classfile.AccNative != 0 {
		return nil, l.throw("java/lang/UnsatisfiedLinkError", m.String())
	}
	body, labels, err := m.code()
	if err != nil {
		return nil, &ExecError{Method: m.String(), Err: err}
	}
	return newFrame(l, m, body, labels, depth).run(args)
}
