package classfile

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Tag is a constant pool entry kind.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20
)

func (t Tag) String() string {
	switch t {
	case TagUtf8:
		return "Utf8"
	case TagInteger:
		return "Integer"
	case TagFloat:
		return "Float"
	case TagLong:
		return "Long"
	case TagDouble:
		return "Double"
	case TagClass:
		return "Class"
	case TagString:
		return "String"
	case TagFieldref:
		return "Fieldref"
	case TagMethodref:
		return "Methodref"
	case TagInterfaceMethodref:
		return "InterfaceMethodref"
	case TagNameAndType:
		return "NameAndType"
	case TagMethodHandle:
		return "MethodHandle"
	case TagMethodType:
		return "MethodType"
	case TagDynamic:
		return "Dynamic"
	case TagInvokeDynamic:
		return "InvokeDynamic"
	case TagModule:
		return "Module"
	case TagPackage:
		return "Package"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Wide reports whether the entry occupies two pool slots.
func (t Tag) Wide() bool {
	return t == TagLong || t == TagDouble
}

// Constant is a single constant pool entry. Value holds the decoded literal
// for Utf8 (string), Integer (int32), Float (float32), Long (int64) and
// Double (float64). A and B are the referenced indices for the remaining
// tags, Kind is the MethodHandle reference kind.
type Constant struct {
	Tag   Tag
	Value any
	A     uint16
	B     uint16
	Kind  uint8

	raw []byte // original Utf8 bytes
}

// MemberRef is a resolved Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Owner      string
	Name       string
	Descriptor string
	Interface  bool
}

func (m MemberRef) String() string {
	return m.Owner + "." + m.Name + m.Descriptor
}

// ClassRef is a Class constant value pushed by ldc.
type ClassRef string

// MethodTypeRef is a MethodType constant value pushed by ldc.
type MethodTypeRef string

// PoolRef is an ldc operand that has no first-class Go representation
// (MethodHandle and Dynamic constants); it is carried by index.
type PoolRef uint16

type poolKey struct {
	tag  Tag
	v    any
	a, b uint16
	kind uint8
}

// ConstantPool is the 1-based constant table of a class. Entries are only
// ever appended, so indices held by untouched code stay valid.
type ConstantPool struct {
	entries []Constant // entries[0] unused
	lookup  map[poolKey]uint16
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: make([]Constant, 1)}
}

// Len is the constant_pool_count value (one more than the highest index).
func (p *ConstantPool) Len() int {
	return len(p.entries)
}

// Get returns the entry at index i.
func (p *ConstantPool) Get(i uint16) (*Constant, error) {
	if i == 0 || int(i) >= len(p.entries) || p.entries[i].Tag == 0 {
		return nil, errors.Errorf("invalid constant pool index %d", i)
	}
	return &p.entries[i], nil
}

func (p *ConstantPool) expect(i uint16, tag Tag) (*Constant, error) {
	c, err := p.Get(i)
	if err != nil {
		return nil, err
	}
	if c.Tag != tag {
		return nil, errors.Errorf("constant pool index %d: expected %s, found %s", i, tag, c.Tag)
	}
	return c, nil
}

// Utf8 returns the string at a Utf8 index.
func (p *ConstantPool) Utf8(i uint16) (string, error) {
	c, err := p.expect(i, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Value.(string), nil
}

// ClassName returns the internal name referenced by a Class index.
func (p *ConstantPool) ClassName(i uint16) (string, error) {
	c, err := p.expect(i, TagClass)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.A)
}

// NameAndType resolves a NameAndType index.
func (p *ConstantPool) NameAndType(i uint16) (name, desc string, err error) {
	c, err := p.expect(i, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	if name, err = p.Utf8(c.A); err != nil {
		return "", "", err
	}
	desc, err = p.Utf8(c.B)
	return name, desc, err
}

// MemberRef resolves a Fieldref, Methodref or InterfaceMethodref index.
func (p *ConstantPool) MemberRef(i uint16) (MemberRef, error) {
	c, err := p.Get(i)
	if err != nil {
		return MemberRef{}, err
	}
	switch c.Tag {
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
	default:
		return MemberRef{}, errors.Errorf("constant pool index %d: expected member ref, found %s", i, c.Tag)
	}
	owner, err := p.ClassName(c.A)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := p.NameAndType(c.B)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Owner: owner, Name: name, Descriptor: desc, Interface: c.Tag == TagInterfaceMethodref}, nil
}

// Loadable returns the Go value an ldc of index i pushes: int32, float32,
// int64, float64, string, ClassRef, MethodTypeRef or PoolRef.
func (p *ConstantPool) Loadable(i uint16) (any, error) {
	c, err := p.Get(i)
	if err != nil {
		return nil, err
	}
	switch c.Tag {
	case TagInteger, TagFloat, TagLong, TagDouble:
		return c.Value, nil
	case TagString:
		return p.Utf8(c.A)
	case TagClass:
		name, err := p.Utf8(c.A)
		return ClassRef(name), err
	case TagMethodType:
		desc, err := p.Utf8(c.A)
		return MethodTypeRef(desc), err
	case TagMethodHandle, TagDynamic:
		return PoolRef(i), nil
	}
	return nil, errors.Errorf("constant pool index %d: %s is not loadable", i, c.Tag)
}

// Literals returns every numeric and string literal in the pool.
func (p *ConstantPool) Literals() []any {
	var out []any
	for i := 1; i < len(p.entries); i++ {
		c := &p.entries[i]
		switch c.Tag {
		case TagInteger, TagFloat, TagLong, TagDouble:
			out = append(out, c.Value)
		case TagString:
			if s, err := p.Utf8(c.A); err == nil {
				out = append(out, s)
			}
		}
	}
	return out
}

func (p *ConstantPool) index() {
	if p.lookup != nil {
		return
	}
	p.lookup = make(map[poolKey]uint16, len(p.entries))
	for i := 1; i < len(p.entries); i++ {
		c := &p.entries[i]
		if c.Tag == 0 {
			continue
		}
		k := keyOf(c)
		if _, ok := p.lookup[k]; !ok {
			p.lookup[k] = uint16(i)
		}
	}
}

func keyOf(c *Constant) poolKey {
	k := poolKey{tag: c.Tag, a: c.A, b: c.B, kind: c.Kind}
	switch v := c.Value.(type) {
	case float32:
		k.v = math.Float32bits(v)
	case float64:
		k.v = math.Float64bits(v)
	default:
		k.v = v
	}
	return k
}

func (p *ConstantPool) add(c Constant) (uint16, error) {
	p.index()
	k := keyOf(&c)
	if i, ok := p.lookup[k]; ok {
		return i, nil
	}
	n := len(p.entries)
	if c.Tag.Wide() {
		n++
	}
	if n >= math.MaxUint16 {
		return 0, errors.New("constant pool overflow")
	}
	i := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if c.Tag.Wide() {
		p.entries = append(p.entries, Constant{})
	}
	p.lookup[k] = i
	return i, nil
}

func (p *ConstantPool) AddUtf8(s string) (uint16, error) {
	return p.add(Constant{Tag: TagUtf8, Value: s})
}

func (p *ConstantPool) AddInteger(v int32) (uint16, error) {
	return p.add(Constant{Tag: TagInteger, Value: v})
}

func (p *ConstantPool) AddFloat(v float32) (uint16, error) {
	return p.add(Constant{Tag: TagFloat, Value: v})
}

func (p *ConstantPool) AddLong(v int64) (uint16, error) {
	return p.add(Constant{Tag: TagLong, Value: v})
}

func (p *ConstantPool) AddDouble(v float64) (uint16, error) {
	return p.add(Constant{Tag: TagDouble, Value: v})
}

func (p *ConstantPool) addIndirect(tag Tag, s string) (uint16, error) {
	u, err := p.AddUtf8(s)
	if err != nil {
		return 0, err
	}
	return p.add(Constant{Tag: tag, A: u})
}

func (p *ConstantPool) AddClass(name string) (uint16, error) {
	return p.addIndirect(TagClass, name)
}

func (p *ConstantPool) AddString(s string) (uint16, error) {
	return p.addIndirect(TagString, s)
}

func (p *ConstantPool) AddMethodType(desc string) (uint16, error) {
	return p.addIndirect(TagMethodType, desc)
}

func (p *ConstantPool) AddNameAndType(name, desc string) (uint16, error) {
	n, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	d, err := p.AddUtf8(desc)
	if err != nil {
		return 0, err
	}
	return p.add(Constant{Tag: TagNameAndType, A: n, B: d})
}

func (p *ConstantPool) addRef(tag Tag, owner, name, desc string) (uint16, error) {
	c, err := p.AddClass(owner)
	if err != nil {
		return 0, err
	}
	nt, err := p.AddNameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	return p.add(Constant{Tag: tag, A: c, B: nt})
}

func (p *ConstantPool) AddFieldref(owner, name, desc string) (uint16, error) {
	return p.addRef(TagFieldref, owner, name, desc)
}

func (p *ConstantPool) AddMethodref(owner, name, desc string) (uint16, error) {
	return p.addRef(TagMethodref, owner, name, desc)
}

func (p *ConstantPool) AddInterfaceMethodref(owner, name, desc string) (uint16, error) {
	return p.addRef(TagInterfaceMethodref, owner, name, desc)
}

// AddMemberRef adds the ref with the tag matching kind.
func (p *ConstantPool) AddMemberRef(ref MemberRef, field bool) (uint16, error) {
	switch {
	case field:
		return p.AddFieldref(ref.Owner, ref.Name, ref.Descriptor)
	case ref.Interface:
		return p.AddInterfaceMethodref(ref.Owner, ref.Name, ref.Descriptor)
	default:
		return p.AddMethodref(ref.Owner, ref.Name, ref.Descriptor)
	}
}

// AddLoadable adds an ldc operand as returned by Loadable.
func (p *ConstantPool) AddLoadable(v any) (uint16, error) {
	switch v := v.(type) {
	case int32:
		return p.AddInteger(v)
	case float32:
		return p.AddFloat(v)
	case int64:
		return p.AddLong(v)
	case float64:
		return p.AddDouble(v)
	case string:
		return p.AddString(v)
	case ClassRef:
		return p.AddClass(string(v))
	case MethodTypeRef:
		return p.AddMethodType(string(v))
	case PoolRef:
		if _, err := p.Get(uint16(v)); err != nil {
			return 0, err
		}
		return uint16(v), nil
	}
	return 0, errors.Errorf("unsupported constant type %T", v)
}

func readPool(r *reader) *ConstantPool {
	count := int(r.u2())
	p := &ConstantPool{entries: make([]Constant, count)}
	if count == 0 {
		r.failf("constant pool count is zero")
		return p
	}
	for i := 1; i < count && r.err == nil; i++ {
		c := &p.entries[i]
		c.Tag = Tag(r.u1())
		switch c.Tag {
		case TagUtf8:
			c.raw = r.bytes(int(r.u2()))
			c.Value = decodeMUTF8(c.raw)
		case TagInteger:
			c.Value = int32(r.u4())
		case TagFloat:
			c.Value = math.Float32frombits(r.u4())
		case TagLong:
			c.Value = int64(r.u8())
			i++
		case TagDouble:
			c.Value = math.Float64frombits(r.u8())
			i++
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.A = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			c.A = r.u2()
			c.B = r.u2()
		case TagMethodHandle:
			c.Kind = r.u1()
			c.A = r.u2()
		default:
			r.failf("constant pool index %d: unknown tag %d", i, uint8(c.Tag))
		}
	}
	return p
}

func (p *ConstantPool) write(w *writer) error {
	if err := w.len16(len(p.entries), "constant pool entries"); err != nil {
		return err
	}
	for i := 1; i < len(p.entries); i++ {
		c := &p.entries[i]
		w.u1(uint8(c.Tag))
		switch c.Tag {
		case TagUtf8:
			b := c.raw
			if b == nil {
				b = encodeMUTF8(c.Value.(string))
			}
			if err := w.len16(len(b), "utf8 bytes"); err != nil {
				return err
			}
			w.raw(b)
		case TagInteger:
			w.u4(uint32(c.Value.(int32)))
		case TagFloat:
			w.u4(math.Float32bits(c.Value.(float32)))
		case TagLong:
			w.u8(uint64(c.Value.(int64)))
			i++
		case TagDouble:
			w.u8(math.Float64bits(c.Value.(float64)))
			i++
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(c.A)
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			w.u2(c.A)
			w.u2(c.B)
		case TagMethodHandle:
			w.u1(c.Kind)
			w.u2(c.A)
		default:
			return errors.Errorf("constant pool index %d: unknown tag %d", i, uint8(c.Tag))
		}
	}
	return nil
}

// Clone returns a deep copy of the pool.
func (p *ConstantPool) Clone() *ConstantPool {
	return &ConstantPool{entries: append([]Constant(nil), p.entries...)}
}
