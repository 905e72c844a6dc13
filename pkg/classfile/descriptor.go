package classfile

import (
	"fmt"
	"strings"
)

// MethodDescriptor is a parsed method descriptor.
type MethodDescriptor struct {
	Args   []string
	Return string
}

// ParseMethodDescriptor splits "(IJLjava/lang/String;)V" into its argument
// and return field descriptors.
func ParseMethodDescriptor(desc string) (*MethodDescriptor, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, fmt.Errorf("invalid method descriptor %q", desc)
	}
	md := &MethodDescriptor{}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldLen(desc[i:])
		if err != nil {
			return nil, fmt.Errorf("invalid method descriptor %q: %w", desc, err)
		}
		md.Args = append(md.Args, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, fmt.Errorf("invalid method descriptor %q: missing ')'", desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		n, err := fieldLen(ret)
		if err != nil || n != len(ret) {
			return nil, fmt.Errorf("invalid method descriptor %q: bad return type", desc)
		}
	}
	md.Return = ret
	return md, nil
}

func fieldLen(s string) (int, error) {
	dims := 0
	for dims < len(s) && s[dims] == '[' {
		dims++
	}
	if dims >= len(s) {
		return 0, fmt.Errorf("truncated type")
	}
	switch s[dims] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return dims + 1, nil
	case 'L':
		end := strings.IndexByte(s[dims:], ';')
		if end < 2 {
			return 0, fmt.Errorf("unterminated class type")
		}
		return dims + end + 1, nil
	}
	return 0, fmt.Errorf("unknown type %q", s[dims])
}

// ValidFieldDescriptor reports whether s is exactly one field descriptor.
func ValidFieldDescriptor(s string) bool {
	n, err := fieldLen(s)
	return err == nil && n == len(s)
}

// SlotSize is the number of local/operand slots a value of type desc takes.
func SlotSize(desc string) int {
	switch desc {
	case "V":
		return 0
	case "J", "D":
		return 2
	}
	return 1
}

// ArgSlots is the number of local slots taken by the arguments, including
// the receiver for instance methods.
func (md *MethodDescriptor) ArgSlots(static bool) int {
	n := 0
	if !static {
		n = 1
	}
	for _, a := range md.Args {
		n += SlotSize(a)
	}
	return n
}

// ArgSlot returns the local index holding argument i.
func (md *MethodDescriptor) ArgSlot(i int, static bool) int {
	n := 0
	if !static {
		n = 1
	}
	for _, a := range md.Args[:i] {
		n += SlotSize(a)
	}
	return n
}

func (md *MethodDescriptor) String() string {
	return "(" + strings.Join(md.Args, "") + ")" + md.Return
}

// IsReference reports whether desc names an object or array type.
func IsReference(desc string) bool {
	return desc != "" && (desc[0] == 'L' || desc[0] == '[')
}

// InternalName converts "Ljava/lang/String;" to "java/lang/String". Array
// descriptors are returned unchanged, which is also their internal name.
func InternalName(desc string) string {
	if len(desc) > 2 && desc[0] == 'L' && desc[len(desc)-1] == ';' {
		return desc[1 : len(desc)-1]
	}
	return desc
}

// TypeDescriptor converts an internal name back to a field descriptor.
func TypeDescriptor(name string) string {
	if strings.HasPrefix(name, "[") {
		return name
	}
	return "L" + name + ";"
}

// JavaName converts "java/lang/String" to "java.lang.String".
func JavaName(internal string) string {
	return strings.ReplaceAll(internal, "/", ".")
}

// InternalFromJava converts "java.lang.String" to "java/lang/String".
func InternalFromJava(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

var primitiveNames = map[byte]string{
	'B': "byte", 'C': "char", 'D': "double", 'F': "float",
	'I': "int", 'J': "long", 'S': "short", 'Z': "boolean", 'V': "void",
}

// PrettyType renders a field descriptor as Java source would.
func PrettyType(desc string) string {
	dims := strings.Count(desc, "[")
	base := desc[dims:]
	if base == "" {
		return desc
	}
	var name string
	if p, ok := primitiveNames[base[0]]; ok && len(base) == 1 {
		name = p
	} else {
		name = JavaName(InternalName(base))
	}
	return name + strings.Repeat("[]", dims)
}
