package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
  "type": "object",
  "required": ["context"],
  "properties": {
    "context": {"type": "string"}
  },
  "additionalProperties": {
    "type": ["object", "array"]
  }
}`

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		keys    []string
	}{
		{name: "plain object", input: `{"context":"x","A":{}}`, keys: []string{"context", "A"}},
		{name: "code fence", input: "```json\n{\"A\":{\"v\":1}}\n```\n", keys: []string{"A"}},
		{name: "leading prose", input: "Sure! Here it is: {\"A\":{}} Hope this helps.", keys: []string{"A"}},
		{name: "no object", input: "sorry, I cannot help", wantErr: ErrNoDocument},
		{name: "empty", input: "", wantErr: ErrNoDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseDocument([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			for _, k := range tt.keys {
				assert.Contains(t, doc, k)
			}
		})
	}
}

func TestParseDocumentTruncated(t *testing.T) {
	_, err := ParseDocument([]byte(`{"A":{"v":1},"B":{"w":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoDocument)
}

func TestSchemaValidate(t *testing.T) {
	s, err := CompileSchema([]byte(testSchema))
	require.NoError(t, err)

	ok, err := ParseDocument([]byte(`{"context":"summary","Equities":{"recommendations":[]}}`))
	require.NoError(t, err)
	assert.NoError(t, s.Validate(ok))

	bad, err := ParseDocument([]byte(`{"Equities":{}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Validate(bad), ErrSchema)

	var nilSchema *Schema
	assert.NoError(t, nilSchema.Validate(bad))
}

func TestLoadSchema(t *testing.T) {
	s, err := LoadSchema("")
	require.NoError(t, err)
	assert.Nil(t, s)

	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(testSchema), 0o644))
	s, err = LoadSchema(path)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = LoadSchema(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = CompileSchema([]byte(`{"type": 12}`))
	assert.Error(t, err)
}

func TestCollectKeys(t *testing.T) {
	doc, err := ParseDocument([]byte(`{
		"context": "x",
		"Bonds": {"recommendations": [{"ticker": "bnd"}, {"ticker": "AGG"}]},
		"Equities": {"recommendations": [{"ticker": "aapl"}, {"Symbol": "MSFT"}, {"ticker": "AAPL"}, {"ticker": ""}]}
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"BND", "AGG", "AAPL", "MSFT"}, CollectKeys(doc, nil, 0))
	assert.Equal(t, []string{"BND", "AGG"}, CollectKeys(doc, nil, 2))
	assert.Equal(t, []string{"BND", "AGG", "AAPL"}, CollectKeys(doc, []string{"ticker"}, 0))
	assert.Empty(t, CollectKeys(map[string]any{}, nil, 0))
}
