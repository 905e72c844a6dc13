package accessor

import (
	"fmt"
	"reflect"

	"github.com/spf13/cast"

	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/vm"
)

var (
	errorType  = reflect.TypeFor[error]()
	objectType = reflect.TypeFor[*vm.Object]()
	arrayType  = reflect.TypeFor[*vm.Array]()
	valueType  = reflect.TypeFor[vm.Value]()
)

// compatible reports whether values of Go type t and JVM type desc convert
// into each other.
func compatible(t reflect.Type, desc string) bool {
	if t == valueType {
		return true
	}
	switch desc {
	case "Z":
		return t.Kind() == reflect.Bool
	case "C":
		return t.Kind() == reflect.Uint16 || t.Kind() == reflect.Int32
	case "B":
		return t.Kind() == reflect.Int8 || t.Kind() == reflect.Int32
	case "S":
		return t.Kind() == reflect.Int16 || t.Kind() == reflect.Int32
	case "I":
		return t.Kind() == reflect.Int32 || t.Kind() == reflect.Int
	case "J":
		return t.Kind() == reflect.Int64 || t.Kind() == reflect.Int
	case "F":
		return t.Kind() == reflect.Float32
	case "D":
		return t.Kind() == reflect.Float64
	}
	switch {
	case desc == "Ljava/lang/String;":
		return t.Kind() == reflect.String || t == objectType
	case desc == "Ljava/lang/Object;", desc == "Ljava/lang/CharSequence;":
		return t.Kind() == reflect.String || t == objectType || t == arrayType
	case desc != "" && desc[0] == '[':
		return t == arrayType
	case classfile.IsReference(desc):
		return t == objectType
	}
	return false
}

// toJVM converts a Go argument to the value the interpreter expects for desc.
func toJVM(v reflect.Value, desc string) (vm.Value, error) {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	x := v.Interface()
	switch desc {
	case "Z":
		b, err := cast.ToBoolE(x)
		if b {
			return int32(1), err
		}
		return int32(0), err
	case "C", "B", "S", "I":
		n, err := cast.ToInt32E(x)
		if err != nil {
			return nil, err
		}
		switch desc {
		case "C":
			n = int32(uint16(n))
		case "B":
			n = int32(int8(n))
		case "S":
			n = int32(int16(n))
		}
		return n, nil
	case "J":
		return cast.ToInt64E(x)
	case "F":
		return cast.ToFloat32E(x)
	case "D":
		return cast.ToFloat64E(x)
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, nil
	}
	return x, nil
}

// fromJVM converts an interpreter value of type desc to Go type t.
func fromJVM(x vm.Value, desc string, t reflect.Type) (reflect.Value, error) {
	if t == valueType {
		if x == nil {
			return reflect.Zero(t), nil
		}
		return reflect.ValueOf(&x).Elem(), nil
	}
	var (
		out any
		err error
	)
	switch t.Kind() {
	case reflect.Bool:
		out, err = cast.ToBoolE(x)
	case reflect.Int:
		out, err = cast.ToIntE(x)
	case reflect.Int8:
		out, err = cast.ToInt8E(x)
	case reflect.Int16:
		out, err = cast.ToInt16E(x)
	case reflect.Int32:
		out, err = cast.ToInt32E(x)
	case reflect.Int64:
		out, err = cast.ToInt64E(x)
	case reflect.Uint16:
		out, err = cast.ToUint16E(x)
	case reflect.Float32:
		out, err = cast.ToFloat32E(x)
	case reflect.Float64:
		out, err = cast.ToFloat64E(x)
	case reflect.String:
		if x == nil {
			return reflect.Zero(t), nil
		}
		s, ok := x.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("%s value %T is not a string", desc, x)
		}
		out = s
	default:
		if x == nil {
			return reflect.Zero(t), nil
		}
		rv := reflect.ValueOf(x)
		if !rv.Type().AssignableTo(t) {
			return reflect.Value{}, fmt.Errorf("%s value %T does not fit %s", desc, x, t)
		}
		return rv, nil
	}
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%s: %w", desc, err)
	}
	return reflect.ValueOf(out).Convert(t), nil
}
