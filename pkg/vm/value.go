package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blacktop/jpatch/pkg/classfile"
)

// Value is a JVM value. int, boolean, byte, char and short are int32;
// long is int64; float and double are float32 and float64. Strings are Go
// strings, other references are *Object or *Array, and null is nil.
type Value = any

// Object is an instance of a loaded class.
type Object struct {
	Class *Class
	// Native is host state owned by builtin classes.
	Native any

	hash   int32
	mu     sync.Mutex
	fields map[string]Value
}

var nextHash atomic.Uint32

func newObject(c *Class) *Object {
	return &Object{Class: c, hash: int32(nextHash.Add(1) * 0x9e3779b1), fields: make(map[string]Value)}
}

// HashCode is the identity hash.
func (o *Object) HashCode() int32 {
	return o.hash
}

// Field returns the value of the named instance field, or the zero value
// of desc when it was never written.
func (o *Object) Field(name, desc string) Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := o.fields[name]; ok {
		return v
	}
	return Zero(desc)
}

// SetField writes the named instance field.
func (o *Object) SetField(name string, v Value) {
	o.mu.Lock()
	o.fields[name] = v
	o.mu.Unlock()
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", classfile.JavaName(o.Class.Name), o)
}

// Array is a JVM array. Type is its descriptor, for example "[I".
type Array struct {
	Type  string
	Elems []Value
}

// NewArray returns an array of n zero values.
func NewArray(desc string, n int) *Array {
	a := &Array{Type: desc, Elems: make([]Value, n)}
	zero := Zero(desc[1:])
	for i := range a.Elems {
		a.Elems[i] = zero
	}
	return a
}

func (a *Array) String() string {
	return fmt.Sprintf("%s[%d]", classfile.PrettyType(a.Type[1:]), len(a.Elems))
}

// Zero is the default value of a field descriptor.
func Zero(desc string) Value {
	if desc == "" {
		return nil
	}
	switch desc[0] {
	case 'Z', 'B', 'C', 'S', 'I':
		return int32(0)
	case 'J':
		return int64(0)
	case 'F':
		return float32(0)
	case 'D':
		return float64(0)
	}
	return nil
}

func wide(v Value) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

// Throw is a Java exception propagating through Go code.
type Throw struct {
	Object *Object
}

func (t *Throw) Error() string {
	msg, _ := t.Object.Field("message", "Ljava/lang/String;").(string)
	if msg == "" {
		return classfile.JavaName(t.Object.Class.Name)
	}
	return classfile.JavaName(t.Object.Class.Name) + ": " + msg
}

// Message returns the exception's detail message.
func (t *Throw) Message() string {
	msg, _ := t.Object.Field("message", "Ljava/lang/String;").(string)
	return msg
}
