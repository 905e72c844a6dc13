package hierarchy

// jdk holds the parts of the platform class hierarchy that frame merging
// commonly meets. It is consulted after the class source so a corpus that
// ships its own runtime classes wins.
var jdk = map[string]*Class{}

func init() {
	classes := []Class{
		{Name: Root},
		{Name: "java/lang/String", Super: Root, Interfaces: []string{"java/io/Serializable", "java/lang/Comparable", "java/lang/CharSequence"}},
		{Name: "java/lang/StringBuilder", Super: "java/lang/AbstractStringBuilder", Interfaces: []string{"java/io/Serializable", "java/lang/CharSequence"}},
		{Name: "java/lang/AbstractStringBuilder", Super: Root, Interfaces: []string{"java/lang/Appendable", "java/lang/CharSequence"}},
		{Name: "java/lang/Class", Super: Root},
		{Name: "java/lang/Enum", Super: Root, Interfaces: []string{"java/lang/Comparable", "java/io/Serializable"}},
		{Name: "java/lang/Record", Super: Root},
		{Name: "java/lang/Thread", Super: Root, Interfaces: []string{"java/lang/Runnable"}},
		{Name: "java/lang/Number", Super: Root, Interfaces: []string{"java/io/Serializable"}},
		{Name: "java/lang/Boolean", Super: Root, Interfaces: []string{"java/io/Serializable", "java/lang/Comparable"}},
		{Name: "java/lang/Character", Super: Root, Interfaces: []string{"java/io/Serializable", "java/lang/Comparable"}},
		{Name: "java/lang/Byte", Super: "java/lang/Number", Interfaces: []string{"java/lang/Comparable"}},
		{Name: "java/lang/Short", Super: "java/lang/Number", Interfaces: []string{"java/lang/Comparable"}},
		{Name: "java/lang/Integer", Super: "java/lang/Number", Interfaces: []string{"java/lang/Comparable"}},
		{Name: "java/lang/Long", Super: "java/lang/Number", Interfaces: []string{"java/lang/Comparable"}},
		{Name: "java/lang/Float", Super: "java/lang/Number", Interfaces: []string{"java/lang/Comparable"}},
		{Name: "java/lang/Double", Super: "java/lang/Number", Interfaces: []string{"java/lang/Comparable"}},
		{Name: "java/lang/Throwable", Super: Root, Interfaces: []string{"java/io/Serializable"}},
		{Name: "java/lang/Exception", Super: "java/lang/Throwable"},
		{Name: "java/lang/Error", Super: "java/lang/Throwable"},
		{Name: "java/lang/RuntimeException", Super: "java/lang/Exception"},
		{Name: "java/lang/IllegalArgumentException", Super: "java/lang/RuntimeException"},
		{Name: "java/lang/IllegalStateException", Super: "java/lang/RuntimeException"},
		{Name: "java/lang/NullPointerException", Super: "java/lang/RuntimeException"},
		{Name: "java/lang/ClassCastException", Super: "java/lang/RuntimeException"},
		{Name: "java/lang/ArithmeticException", Super: "java/lang/RuntimeException"},
		{Name: "java/lang/IndexOutOfBoundsException", Super: "java/lang/RuntimeException"},
		{Name: "java/lang/ArrayIndexOutOfBoundsException", Super: "java/lang/IndexOutOfBoundsException"},
		{Name: "java/lang/UnsupportedOperationException", Super: "java/lang/RuntimeException"},
		{Name: "java/io/IOException", Super: "java/lang/Exception"},
		{Name: "java/util/AbstractCollection", Super: Root, Interfaces: []string{"java/util/Collection"}},
		{Name: "java/util/AbstractList", Super: "java/util/AbstractCollection", Interfaces: []string{"java/util/List"}},
		{Name: "java/util/ArrayList", Super: "java/util/AbstractList", Interfaces: []string{"java/util/List", "java/util/RandomAccess"}},
		{Name: "java/util/AbstractMap", Super: Root, Interfaces: []string{"java/util/Map"}},
		{Name: "java/util/HashMap", Super: "java/util/AbstractMap", Interfaces: []string{"java/util/Map"}},
	}
	ifaces := []string{
		"java/io/Serializable", "java/lang/Comparable", "java/lang/CharSequence",
		"java/lang/Appendable", "java/lang/Runnable", "java/lang/Iterable",
		"java/util/Collection", "java/util/List", "java/util/Map", "java/util/Set",
		"java/util/RandomAccess", "java/util/function/Supplier", "java/util/function/Function",
	}
	for _, name := range ifaces {
		classes = append(classes, Class{Name: name, Super: Root, Interface: true})
	}
	for i := range classes {
		jdk[classes[i].Name] = &classes[i]
	}
}

func builtin(name string) (*Class, bool) {
	c, ok := jdk[name]
	return c, ok
}
