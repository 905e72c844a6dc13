package signature

import (
	"github.com/invopop/jsonschema"
)

// SchemaID identifies the signature file schema.
const SchemaID jsonschema.ID = "https://github.com/blacktop/jpatch/signatures.schema.json"

// Schema describes signature files. Like Decode it rejects unknown keys,
// and required fields come from the jsonschema tags.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Signatures{})
	schema.ID = SchemaID
	schema.Title = "jpatch signatures"
	schema.Description = "Classes to find and edits to apply to one target application"
	if v, ok := schema.Definitions["Version"]; ok {
		v.Description = "Inclusive semver range of the target the file supports; empty bounds are open"
	}
	return schema
}
