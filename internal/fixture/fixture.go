// Package fixture synthesizes small class files for tests.
//
// The corpus it builds:
//
//	public class A            { int count; A(); int foo() -> 1337; int limit() -> 100000; String greet() }
//	public class B extends A  { B(); int bar() -> foo(); Object pick(boolean) }
//	public interface I        { void run(); }
//	public class C implements I { C(); void run(); }
package fixture

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/classfile"
)

const (
	Object = "java/lang/Object"

	FooValue   = 1337
	LimitValue = 100000
	Greeting   = "hello from A"
)

// Classes maps internal class names to class file bytes.
type Classes map[string][]byte

// ClassBytes implements hierarchy.ClassSource.
func (c Classes) ClassBytes(name string) ([]byte, error) {
	if data, ok := c[name]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("class %s not found", name)
}

// Names returns the class names in sorted order.
func (c Classes) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Method adds a method to cf whose body is produced by fn and encodes it
// with recomputed frames.
func Method(cf *classfile.ClassFile, access uint16, name, desc string, fn func(b *bytecode.Builder)) error {
	m := cf.AddMethod(access, name, desc)
	if access&(classfile.AccAbstract|classfile.AccNative) != 0 {
		return nil
	}
	b := bytecode.NewBuilder(&bytecode.Body{}, bytecode.Method{Owner: cf.Name, Access: access, Name: name, Descriptor: desc})
	fn(b)
	body, err := b.Build()
	if err != nil {
		return fmt.Errorf("%s.%s%s: %w", cf.Name, name, desc, err)
	}
	return bytecode.Encode(cf, m, body, bytecode.EncodeOptions{})
}

// Constructor adds a no-arg constructor that only calls super().
func Constructor(cf *classfile.ClassFile) error {
	return Method(cf, classfile.AccPublic, "<init>", "()V", func(b *bytecode.Builder) {
		b.LoadThis().InvokeSpecial(cf.Super, "<init>", "()V").Insn(bytecode.RETURN)
	})
}

func classA() (*classfile.ClassFile, error) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "A", Object)
	cf.AddField(0, "count", "I")
	if err := Constructor(cf); err != nil {
		return nil, err
	}
	if err := Method(cf, classfile.AccPublic, "foo", "()I", func(b *bytecode.Builder) {
		b.Line(10).PushInt(FooValue).Return()
	}); err != nil {
		return nil, err
	}
	if err := Method(cf, classfile.AccPublic, "limit", "()I", func(b *bytecode.Builder) {
		b.Line(14).PushInt(LimitValue).Return()
	}); err != nil {
		return nil, err
	}
	if err := Method(cf, classfile.AccPublic, "greet", "()Ljava/lang/String;", func(b *bytecode.Builder) {
		b.Line(18).PushString(Greeting).Return()
	}); err != nil {
		return nil, err
	}
	return cf, nil
}

func classB() (*classfile.ClassFile, error) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "B", "A")
	if err := Constructor(cf); err != nil {
		return nil, err
	}
	if err := Method(cf, classfile.AccPublic, "bar", "()I", func(b *bytecode.Builder) {
		b.Line(5).LoadThis().InvokeVirtual("A", "foo", "()I").Return()
	}); err != nil {
		return nil, err
	}
	// pick merges a B and an A at the join point
	if err := Method(cf, classfile.AccPublic, "pick", "(Z)Ljava/lang/Object;", func(b *bytecode.Builder) {
		other, join := b.NewLabel(), b.NewLabel()
		b.LoadArg(0).Jump(bytecode.IFEQ, other)
		b.New("B").Jump(bytecode.GOTO, join)
		b.Mark(other).New("A")
		b.Mark(join).Return()
	}); err != nil {
		return nil, err
	}
	return cf, nil
}

func interfaceI() (*classfile.ClassFile, error) {
	cf := classfile.New(classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, "I", Object)
	if err := Method(cf, classfile.AccPublic|classfile.AccAbstract, "run", "()V", nil); err != nil {
		return nil, err
	}
	return cf, nil
}

func classC() (*classfile.ClassFile, error) {
	cf := classfile.New(classfile.AccPublic|classfile.AccSuper, "C", Object, "I")
	if err := Constructor(cf); err != nil {
		return nil, err
	}
	if err := Method(cf, classfile.AccPublic, "run", "()V", func(b *bytecode.Builder) {
		b.Insn(bytecode.RETURN)
	}); err != nil {
		return nil, err
	}
	return cf, nil
}

// ClassFiles returns the parsed fixture classes keyed by name.
func ClassFiles() (map[string]*classfile.ClassFile, error) {
	out := make(map[string]*classfile.ClassFile)
	for _, build := range []func() (*classfile.ClassFile, error){classA, classB, interfaceI, classC} {
		cf, err := build()
		if err != nil {
			return nil, err
		}
		out[cf.Name] = cf
	}
	return out, nil
}

// Build serializes the fixture classes.
func Build() (Classes, error) {
	cfs, err := ClassFiles()
	if err != nil {
		return nil, err
	}
	out := make(Classes, len(cfs))
	for name, cf := range cfs {
		if out[name], err = cf.Bytes(); err != nil {
			return nil, fmt.Errorf("failed to serialize %s: %w", name, err)
		}
	}
	return out, nil
}

// WriteJar writes classes as a jar.
func WriteJar(w io.Writer, classes Classes) error {
	zw := zip.NewWriter(w)
	for _, name := range classes.Names() {
		f, err := zw.Create(name + ".class")
		if err != nil {
			return err
		}
		if _, err := f.Write(classes[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}

// Jar builds the fixture classes into dir/name and returns the path.
func Jar(dir, name string) (string, error) {
	classes, err := Build()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := WriteJar(f, classes); err != nil {
		return "", err
	}
	return path, nil
}
