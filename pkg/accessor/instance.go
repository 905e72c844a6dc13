package accessor

import (
	"reflect"
	"sync/atomic"
	"weak"

	"github.com/blacktop/jpatch/pkg/vm"
)

// state is shared by every member func of one wrapped instance. A wrapped
// delegate is held weakly. Objects created through a bound constructor are
// owned by their accessor until it is released.
type state struct {
	ref      weak.Pointer[vm.Object]
	released atomic.Bool
	owned    atomic.Pointer[vm.Object]
}

func newState(obj *vm.Object) *state {
	return &state{ref: weak.Make(obj)}
}

func ownedState(obj *vm.Object) *state {
	st := newState(obj)
	st.owned.Store(obj)
	return st
}

func (s *state) delegate() (*vm.Object, error) {
	if s.released.Load() {
		return nil, ErrReleased
	}
	obj := s.ref.Value()
	if obj == nil {
		return nil, ErrReleased
	}
	return obj, nil
}

// Instance is embedded in shapes to expose the wrapped delegate.
type Instance struct {
	st *state
}

// Delegate returns the wrapped object. It fails with ErrReleased once the
// accessor was released or the object collected, and with ErrNoInstance on a
// static view.
func (i *Instance) Delegate() (*vm.Object, error) {
	if i.st == nil {
		return nil, ErrNoInstance
	}
	return i.st.delegate()
}

// Release detaches the accessor from its delegate. Later calls through it
// fail with ErrReleased.
func (i *Instance) Release() {
	if i.st != nil {
		i.st.released.Store(true)
		i.st.owned.Store(nil)
	}
}

// Released reports whether the delegate is gone.
func (i *Instance) Released() bool {
	if i.st == nil {
		return false
	}
	_, err := i.st.delegate()
	return err != nil
}

// IsStatic reports whether this is a static view.
func (i *Instance) IsStatic() bool {
	return i.st == nil
}

type fieldBinder interface {
	bind(get func() (vm.Value, error), set func(vm.Value) error, desc string)
	valueType() reflect.Type
}

// Field is a bound field of type T.
type Field[T any] struct {
	get  func() (vm.Value, error)
	set  func(vm.Value) error
	desc string
}

func (f *Field[T]) bind(get func() (vm.Value, error), set func(vm.Value) error, desc string) {
	f.get, f.set, f.desc = get, set, desc
}

func (f *Field[T]) valueType() reflect.Type {
	return reflect.TypeFor[T]()
}

// Get reads the field.
func (f *Field[T]) Get() (T, error) {
	var zero T
	if f.get == nil {
		return zero, ErrNotFound
	}
	v, err := f.get()
	if err != nil {
		return zero, err
	}
	rv, err := fromJVM(v, f.desc, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

// Set writes the field.
func (f *Field[T]) Set(v T) error {
	if f.set == nil {
		return ErrNotFound
	}
	jv, err := toJVM(reflect.ValueOf(&v).Elem(), f.desc)
	if err != nil {
		return err
	}
	return f.set(jv)
}

// Descriptor is the JVM type of the bound field.
func (f *Field[T]) Descriptor() string {
	return f.desc
}

func isField(t reflect.Type) bool {
	return reflect.PointerTo(t).Implements(fieldBinderType)
}

func fieldValueType(t reflect.Type) reflect.Type {
	return reflect.New(t).Interface().(fieldBinder).valueType()
}

var fieldBinderType = reflect.TypeFor[fieldBinder]()
