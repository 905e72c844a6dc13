// Package accessor binds Go shape structs to classes loaded in a vm.Loader.
//
// A shape is a struct whose exported func fields and Field[T] properties name
// members of the target class:
//
//	type Player struct {
//		accessor.Instance
//		Name   func() string             `jvm:"getName"`
//		Health accessor.Field[int32]     `jvm:"hp"`
//		Damage func(int32) error         `jvm:"damage,(I)V"`
//		New    func(string) *Player      `jvm:"<init>"`
//	}
//
// Every member is resolved when the shape is bound, so a missing or
// incompatible member is reported by Bind and never by a call.
package accessor

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/apex/log"

	"github.com/blacktop/jpatch/pkg/vm"
)

var (
	ErrNotFound     = errors.New("member not found")
	ErrIncompatible = errors.New("incompatible signature")
	ErrAmbiguous    = errors.New("ambiguous member")
	ErrReleased     = errors.New("delegate released")
	ErrNotInstance  = errors.New("not an instance of the bound class")
	ErrNoInstance   = errors.New("instance member called on a static view")
)

// BindingError is a shape member that could not be bound.
type BindingError struct {
	Shape  string
	Class  string
	Member string
	Err    error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind %s to %s: %s: %v", e.Shape, e.Class, e.Member, e.Err)
}

func (e *BindingError) Unwrap() error {
	return e.Err
}

type kind int

const (
	kindMethod kind = iota
	kindConstructor
	kindField
)

// entry is one row of the capability table.
type entry struct {
	index  []int
	member string
	kind   kind
	typ    reflect.Type

	method *vm.Method
	field  *vm.Field
	// result is the Go type a call converts its return value to; nil for void
	result reflect.Type
	errOut bool
}

func (e *entry) static() bool {
	switch e.kind {
	case kindConstructor:
		return true
	case kindField:
		return e.field.IsStatic()
	}
	return e.method.IsStatic()
}

// Binding is the capability table of shape S against one class.
type Binding[S any] struct {
	class   *vm.Class
	shape   reflect.Type
	entries []*entry
	inst    []int

	once   sync.Once
	static *S
}

var instanceType = reflect.TypeFor[Instance]()

// Bind resolves every member of S against class.
func Bind[S any](class *vm.Class) (*Binding[S], error) {
	st := reflect.TypeFor[S]()
	if st.Kind() != reflect.Struct {
		return nil, fmt.Errorf("shape %s is not a struct", st)
	}
	b := &Binding[S]{class: class, shape: st}
	var errs []error
	for i := range st.NumField() {
		sf := st.Field(i)
		if sf.Anonymous && sf.Type == instanceType {
			b.inst = sf.Index
			continue
		}
		if !sf.IsExported() {
			continue
		}
		name, desc, ok := memberTag(sf)
		if !ok {
			continue
		}
		e, err := b.resolve(sf, name, desc)
		if err != nil {
			errs = append(errs, &BindingError{Shape: st.String(), Class: class.Name, Member: sf.Name, Err: err})
			continue
		}
		if e != nil {
			b.entries = append(b.entries, e)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"shape": st.String(), "class": class.Name, "members": len(b.entries)}).Debug("Bound accessor")
	return b, nil
}

// MustBind is Bind that panics on failure.
func MustBind[S any](class *vm.Class) *Binding[S] {
	b, err := Bind[S](class)
	if err != nil {
		panic(err)
	}
	return b
}

// memberTag reads `jvm:"name[,desc]"`. Untagged members use the field name
// with a lower-case first letter.
func memberTag(sf reflect.StructField) (name, desc string, ok bool) {
	tag, tagged := sf.Tag.Lookup("jvm")
	if tag == "-" {
		return "", "", false
	}
	if !tagged || tag == "" {
		r, n := utf8.DecodeRuneInString(sf.Name)
		return string(unicode.ToLower(r)) + sf.Name[n:], "", true
	}
	name, desc, _ = strings.Cut(tag, ",")
	return name, desc, true
}

func (b *Binding[S]) resolve(sf reflect.StructField, name, desc string) (*entry, error) {
	e := &entry{index: sf.Index, member: name, typ: sf.Type}
	switch {
	case isField(sf.Type):
		return e, b.resolveField(e, name, desc)
	case sf.Type.Kind() == reflect.Func:
		if err := splitResults(e, sf.Type); err != nil {
			return nil, err
		}
		if name == "<init>" {
			e.kind = kindConstructor
			return e, b.resolveConstructor(e, desc)
		}
		return e, b.resolveMethod(e, name, desc)
	}
	// plain data fields are left alone
	return nil, nil
}

func (b *Binding[S]) resolveField(e *entry, name, desc string) error {
	e.kind = kindField
	f := b.class.LookupField(name)
	if f == nil {
		return fmt.Errorf("field %s: %w", name, ErrNotFound)
	}
	if desc != "" && desc != f.Descriptor {
		return fmt.Errorf("field %s is %s, not %s: %w", name, f.Descriptor, desc, ErrIncompatible)
	}
	goType := fieldValueType(e.typ)
	if !compatible(goType, f.Descriptor) {
		return fmt.Errorf("field %s of type %s cannot hold %s: %w", name, f.Descriptor, goType, ErrIncompatible)
	}
	e.field = f
	return nil
}

func splitResults(e *entry, ft reflect.Type) error {
	n := ft.NumOut()
	if n > 0 && ft.Out(n-1) == errorType {
		e.errOut = true
		n--
	}
	switch n {
	case 0:
	case 1:
		e.result = ft.Out(0)
	default:
		return fmt.Errorf("%s has too many results: %w", ft, ErrIncompatible)
	}
	return nil
}

func (b *Binding[S]) signatureFits(e *entry, m *vm.Method) bool {
	ft := e.typ
	if ft.IsVariadic() || ft.NumIn() != len(m.Args) {
		return false
	}
	for i, arg := range m.Args {
		if !compatible(ft.In(i), arg) {
			return false
		}
	}
	if e.kind == kindConstructor {
		return e.result == nil || e.result == objectType || e.result == reflect.PointerTo(b.shape)
	}
	if m.Return == "V" {
		return e.result == nil
	}
	return e.result != nil && compatible(e.result, m.Return)
}

func (b *Binding[S]) resolveMethod(e *entry, name, desc string) error {
	if desc != "" {
		m := b.class.LookupMethod(name, desc)
		if m == nil {
			return fmt.Errorf("method %s%s: %w", name, desc, ErrNotFound)
		}
		if !b.signatureFits(e, m) {
			return fmt.Errorf("method %s does not fit %s: %w", m, e.typ, ErrIncompatible)
		}
		e.method = m
		return nil
	}

	var (
		found []*vm.Method
		named int
		seen  = make(map[string]bool)
	)
	for _, m := range b.candidates(name) {
		if seen[m.Descriptor] {
			// overridden further down the hierarchy
			continue
		}
		seen[m.Descriptor] = true
		named++
		if b.signatureFits(e, m) {
			found = append(found, m)
		}
	}
	switch {
	case named == 0:
		return fmt.Errorf("method %s: %w", name, ErrNotFound)
	case len(found) == 0:
		return fmt.Errorf("no method %s fits %s: %w", name, e.typ, ErrIncompatible)
	case len(found) > 1:
		descs := make([]string, len(found))
		for i, m := range found {
			descs[i] = m.Descriptor
		}
		return fmt.Errorf("method %s matches %s: %w", name, strings.Join(descs, ", "), ErrAmbiguous)
	}
	e.method = found[0]
	return nil
}

func (b *Binding[S]) candidates(name string) []*vm.Method {
	var out []*vm.Method
	var walk func(c *vm.Class)
	visited := make(map[*vm.Class]bool)
	walk = func(c *vm.Class) {
		if c == nil || visited[c] {
			return
		}
		visited[c] = true
		for _, m := range c.Methods() {
			if m.Name == name {
				out = append(out, m)
			}
		}
		walk(c.Super)
		for _, i := range c.Interfaces {
			walk(i)
		}
	}
	walk(b.class)
	return out
}

func (b *Binding[S]) resolveConstructor(e *entry, desc string) error {
	var found []*vm.Method
	for _, m := range b.class.Methods() {
		if m.Name != "<init>" || (desc != "" && m.Descriptor != desc) {
			continue
		}
		if b.signatureFits(e, m) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return fmt.Errorf("constructor %s: %w", e.typ, ErrNotFound)
	case 1:
		e.method = found[0]
		return nil
	}
	return fmt.Errorf("constructor %s: %w", e.typ, ErrAmbiguous)
}

// Class returns the bound class.
func (b *Binding[S]) Class() *vm.Class {
	return b.class
}

// Members lists the bound members as "Field -> member".
func (b *Binding[S]) Members() []string {
	out := make([]string, 0, len(b.entries))
	for _, e := range b.entries {
		sf := b.shape.FieldByIndex(e.index)
		target := e.member
		switch {
		case e.method != nil:
			target = e.method.String()
		case e.field != nil:
			target = e.field.String()
		}
		out = append(out, sf.Name+" -> "+target)
	}
	return out
}

// IsInstance reports whether v is a non-null instance of the bound class.
func (b *Binding[S]) IsInstance(v vm.Value) bool {
	return b.class.IsInstance(v)
}

// Wrap returns an instance accessor delegating to obj.
func (b *Binding[S]) Wrap(obj *vm.Object) (*S, error) {
	if obj == nil || !b.class.IsInstance(obj) {
		return nil, fmt.Errorf("wrap %v as %s: %w", obj, b.class.Name, ErrNotInstance)
	}
	return b.fill(newState(obj)), nil
}

// Cast narrows v to S when it is an instance of the bound class.
func (b *Binding[S]) Cast(v vm.Value) (*S, bool) {
	obj, ok := v.(*vm.Object)
	if !ok || !b.class.IsInstance(obj) {
		return nil, false
	}
	return b.fill(newState(obj)), true
}

// Static returns the static view: static methods, static fields and
// constructors. Instance members on it fail with ErrNoInstance.
func (b *Binding[S]) Static() *S {
	b.once.Do(func() {
		b.static = b.fill(nil)
	})
	return b.static
}

func (b *Binding[S]) fill(st *state) *S {
	s := new(S)
	v := reflect.ValueOf(s).Elem()
	if b.inst != nil {
		v.FieldByIndex(b.inst).Set(reflect.ValueOf(Instance{st: st}))
	}
	for _, e := range b.entries {
		fv := v.FieldByIndex(e.index)
		switch e.kind {
		case kindField:
			fv.Addr().Interface().(fieldBinder).bind(b.fieldAccess(e, st))
		default:
			fv.Set(reflect.MakeFunc(e.typ, b.call(e, st)))
		}
	}
	return s
}

// receiver returns the delegate an instance member operates on.
func receiver(e *entry, st *state) (*vm.Object, error) {
	if e.static() {
		return nil, nil
	}
	if st == nil {
		return nil, ErrNoInstance
	}
	return st.delegate()
}

func (b *Binding[S]) call(e *entry, st *state) func([]reflect.Value) []reflect.Value {
	return func(in []reflect.Value) []reflect.Value {
		v, err := b.invoke(e, st, in)
		return b.results(e, v, err)
	}
}

func (b *Binding[S]) invoke(e *entry, st *state, in []reflect.Value) (reflect.Value, error) {
	recv, err := receiver(e, st)
	if err != nil {
		return reflect.Value{}, err
	}
	args := make([]vm.Value, len(in))
	for i, arg := range in {
		if args[i], err = toJVM(arg, e.method.Args[i]); err != nil {
			return reflect.Value{}, fmt.Errorf("%s argument %d: %w", e.method, i, err)
		}
	}
	if e.kind == kindConstructor {
		obj, err := b.class.Construct(e.method.Descriptor, args...)
		if err != nil {
			return reflect.Value{}, err
		}
		if e.result == reflect.PointerTo(b.shape) {
			return reflect.ValueOf(b.fill(ownedState(obj))), nil
		}
		return reflect.ValueOf(obj), nil
	}

	var ret vm.Value
	if e.method.IsStatic() {
		ret, err = e.method.Invoke(nil, args...)
	} else {
		// dispatch on the delegate's runtime class
		ret, err = b.class.Invoke(recv, e.method.Name, e.method.Descriptor, args...)
	}
	if err != nil || e.result == nil {
		return reflect.Value{}, err
	}
	return fromJVM(ret, e.method.Return, e.result)
}

func (b *Binding[S]) results(e *entry, v reflect.Value, err error) []reflect.Value {
	if err != nil && !e.errOut {
		panic(fmt.Errorf("%s.%s: %w", b.shape.Name(), e.member, err))
	}
	var out []reflect.Value
	if e.result != nil {
		if !v.IsValid() {
			v = reflect.Zero(e.result)
		}
		out = append(out, v)
	}
	if e.errOut {
		ev := reflect.Zero(errorType)
		if err != nil {
			ev = reflect.ValueOf(&err).Elem()
		}
		out = append(out, ev)
	}
	return out
}

func (b *Binding[S]) fieldAccess(e *entry, st *state) (get func() (vm.Value, error), set func(vm.Value) error, desc string) {
	get = func() (vm.Value, error) {
		recv, err := receiver(e, st)
		if err != nil {
			return nil, err
		}
		return e.field.Get(recv)
	}
	set = func(v vm.Value) error {
		recv, err := receiver(e, st)
		if err != nil {
			return err
		}
		return e.field.Set(recv, v)
	}
	return get, set, e.field.Descriptor
}
