package signature

// Signatures is one signature file: the features to apply to a target
// application.
type Signatures struct {
	// The application the signatures were written against.
	Target string `yaml:"target" json:"target" jsonschema:"required"`

	// The versions of the target the signatures support.
	Version Version `yaml:"version,omitempty" json:"version,omitempty"`

	// The features.
	Features []Feature `yaml:"features" json:"features" jsonschema:"required"`
}

type Version struct {
	// The minimum version supported.
	Min string `yaml:"min,omitempty" json:"min,omitempty"`

	// The maximum version supported.
	Max string `yaml:"max,omitempty" json:"max,omitempty"`
}

// Feature is a named group of classes and edits that succeed or fail together.
type Feature struct {
	Name string `yaml:"name" json:"name" jsonschema:"required"`

	// Optional features are disabled instead of aborting when a class or
	// member cannot be found.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	Classes []Class `yaml:"classes" json:"classes" jsonschema:"required"`
}

type Class struct {
	// The finder id, unique within the feature.
	ID string `yaml:"id" json:"id" jsonschema:"required"`

	// The class must match every predicate.
	Match ClassMatch `yaml:"match" json:"match" jsonschema:"required"`

	// Alternatives tried in order when match finds no unique class.
	Fallbacks []ClassMatch `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`

	Methods []Method `yaml:"methods,omitempty" json:"methods,omitempty"`

	// Literal replacements applied to every method that loads the literal.
	Constants []Replacement `yaml:"constants,omitempty" json:"constants,omitempty"`
}

type ClassMatch struct {
	Name              string        `yaml:"name,omitempty" json:"name,omitempty"`
	Prefix            string        `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Suffix            string        `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Package           string        `yaml:"package,omitempty" json:"package,omitempty"`
	Extends           string        `yaml:"extends,omitempty" json:"extends,omitempty"`
	ExtendsChain      string        `yaml:"extends_chain,omitempty" json:"extends_chain,omitempty"`
	Implements        []string      `yaml:"implements,omitempty" json:"implements,omitempty"`
	Interface         *bool         `yaml:"interface,omitempty" json:"interface,omitempty"`
	Abstract          *bool         `yaml:"abstract,omitempty" json:"abstract,omitempty"`
	Enum              *bool         `yaml:"enum,omitempty" json:"enum,omitempty"`
	Strings           []string      `yaml:"strings,omitempty" json:"strings,omitempty"`
	StringsContaining []string      `yaml:"strings_containing,omitempty" json:"strings_containing,omitempty"`
	Constants         []Literal     `yaml:"constants,omitempty" json:"constants,omitempty"`
	Methods           []MethodMatch `yaml:"methods,omitempty" json:"methods,omitempty"`
	Fields            []FieldMatch  `yaml:"fields,omitempty" json:"fields,omitempty"`
	MethodCount       *int          `yaml:"method_count,omitempty" json:"method_count,omitempty"`
	FieldCount        *int          `yaml:"field_count,omitempty" json:"field_count,omitempty"`
}

type MethodMatch struct {
	Name              string    `yaml:"name,omitempty" json:"name,omitempty"`
	Descriptor        string    `yaml:"descriptor,omitempty" json:"descriptor,omitempty"`
	Args              []string  `yaml:"args,omitempty" json:"args,omitempty"`
	ArgCount          *int      `yaml:"arg_count,omitempty" json:"arg_count,omitempty"`
	Returns           string    `yaml:"returns,omitempty" json:"returns,omitempty"`
	Static            *bool     `yaml:"static,omitempty" json:"static,omitempty"`
	Constructor       bool      `yaml:"constructor,omitempty" json:"constructor,omitempty"`
	Strings           []string  `yaml:"strings,omitempty" json:"strings,omitempty"`
	StringsContaining []string  `yaml:"strings_containing,omitempty" json:"strings_containing,omitempty"`
	Constants         []Literal `yaml:"constants,omitempty" json:"constants,omitempty"`
	Calls             []Ref     `yaml:"calls,omitempty" json:"calls,omitempty"`
	Reads             []Ref     `yaml:"reads,omitempty" json:"reads,omitempty"`
	Writes            []Ref     `yaml:"writes,omitempty" json:"writes,omitempty"`
	// The opcode shape hash printed by `jpatch dump --hash`.
	Hash string `yaml:"hash,omitempty" json:"hash,omitempty"`
}

type FieldMatch struct {
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Type   string `yaml:"type,omitempty" json:"type,omitempty"`
	Static *bool  `yaml:"static,omitempty" json:"static,omitempty"`
}

// Ref selects a member reference at a call or field site. Empty parts
// match anything.
type Ref struct {
	Owner      string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Descriptor string `yaml:"descriptor,omitempty" json:"descriptor,omitempty"`
}

// Literal is a constant. Type is a field descriptor (I, J, F, D, Z or
// Ljava/lang/String;) and defaults to the natural type of Value.
type Literal struct {
	Value any    `yaml:"value" json:"value" jsonschema:"required,oneof_type=string;integer;number;boolean"`
	Type  string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=I,enum=J,enum=F,enum=D,enum=Z,enum=S,enum=B,enum=C,enum=Ljava/lang/String;"`
}

type Replacement struct {
	From Literal `yaml:"from" json:"from" jsonschema:"required"`
	To   Literal `yaml:"to" json:"to" jsonschema:"required"`
}

type Method struct {
	ID    string      `yaml:"id" json:"id" jsonschema:"required"`
	Match MethodMatch `yaml:"match" json:"match"`
	Edits []Edit      `yaml:"edits" json:"edits" jsonschema:"required"`
}

// Edit is a data-only edit operation.
type Edit struct {
	Op string `yaml:"op" json:"op" jsonschema:"required,enum=replace_constant,enum=replace_string,enum=fixed_value,enum=stub,enum=replace_call"`

	// replace_constant
	From *Literal `yaml:"from,omitempty" json:"from,omitempty"`
	To   *Literal `yaml:"to,omitempty" json:"to,omitempty"`

	// replace_string
	Old  string `yaml:"old,omitempty" json:"old,omitempty"`
	With string `yaml:"with,omitempty" json:"with,omitempty"`

	// fixed_value, and the value pushed by replace_call
	Value *Literal `yaml:"value,omitempty" json:"value,omitempty"`

	// replace_call
	Call *Ref `yaml:"call,omitempty" json:"call,omitempty"`

	Optional   bool `yaml:"optional,omitempty" json:"optional,omitempty"`
	Occurrence int  `yaml:"occurrence,omitempty" json:"occurrence,omitempty"`
}
