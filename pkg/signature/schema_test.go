package signature

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema(t *testing.T) {
	s := Schema()
	assert.Equal(t, SchemaID, s.ID)
	assert.ElementsMatch(t, []string{"target", "features"}, s.Required)
	_, ok := s.Properties.Get("version")
	assert.True(t, ok)

	tests := []struct {
		def      string
		required []string
	}{
		{"Feature", []string{"name", "classes"}},
		{"Class", []string{"id", "match"}},
		{"Method", []string{"id", "edits"}},
		{"Edit", []string{"op"}},
		{"Replacement", []string{"from", "to"}},
		{"Literal", []string{"value"}},
	}
	for _, tt := range tests {
		t.Run(tt.def, func(t *testing.T) {
			def, ok := s.Definitions[tt.def]
			require.True(t, ok)
			assert.ElementsMatch(t, tt.required, def.Required)
		})
	}

	op, ok := s.Definitions["Edit"].Properties.Get("op")
	require.True(t, ok)
	assert.Contains(t, op.Enum, "replace_call")

	// unknown keys are rejected the same way Decode rejects them
	data, err := json.Marshal(s)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, false, raw["additionalProperties"])
}
