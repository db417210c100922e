package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrNoDocument means the buffer holds no JSON object at all.
	ErrNoDocument = errors.New("no json object in generated text")
	// ErrSchema wraps a schema validation failure.
	ErrSchema = errors.New("document does not match schema")
)

// ParseDocument parses the complete generated text into a document. Leading
// prose and markdown code fences around the object are tolerated.
func ParseDocument(buf []byte) (map[string]any, error) {
	start := bytes.IndexByte(buf, '{')
	end := bytes.LastIndexByte(buf, '}')
	if start < 0 || end < start {
		return nil, ErrNoDocument
	}
	var doc map[string]any
	if err := json.Unmarshal(buf[start:end+1], &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// Schema validates final documents.
type Schema struct {
	s *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema from raw bytes.
func CompileSchema(raw []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("document.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile("document.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{s: s}, nil
}

// LoadSchema reads and compiles a schema file. An empty path yields nil.
func LoadSchema(path string) (*Schema, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return CompileSchema(raw)
}

// Validate checks doc against the schema. A nil Schema accepts everything.
func (s *Schema) Validate(doc map[string]any) error {
	if s == nil {
		return nil
	}
	// round-trip so numbers and nested values have the shapes the validator expects
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	if err := s.s.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return nil
}

// DefaultKeyFields are the record fields that identify Stage 3 lookup keys.
var DefaultKeyFields = []string{"ticker", "symbol"}

// CollectKeys walks doc and gathers the string values of the given fields,
// upper-cased and de-duplicated. Array order is preserved; object members are
// visited in key order. max <= 0 means no limit.
func CollectKeys(doc map[string]any, fields []string, max int) []string {
	if len(fields) == 0 {
		fields = DefaultKeyFields
	}
	want := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		want[strings.ToLower(f)] = struct{}{}
	}

	seen := make(map[string]struct{})
	var keys []string
	var walk func(v any) bool
	walk = func(v any) bool {
		switch t := v.(type) {
		case map[string]any:
			for _, k := range sortedKeys(t) {
				val := t[k]
				if _, ok := want[strings.ToLower(k)]; ok {
					if s, ok := val.(string); ok {
						s = strings.ToUpper(strings.TrimSpace(s))
						if _, dup := seen[s]; s != "" && !dup {
							seen[s] = struct{}{}
							keys = append(keys, s)
							if max > 0 && len(keys) >= max {
								return false
							}
						}
						continue
					}
				}
				if !walk(val) {
					return false
				}
			}
		case []any:
			for _, item := range t {
				if !walk(item) {
					return false
				}
			}
		}
		return true
	}
	walk(doc)
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
