package showrun

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// InputSchema maps input names to their declarations.
type InputSchema map[string]InputField

// InputField declares one typed input.
type InputField struct {
	Type        string `json:"type"` // string | number | boolean
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// ValidateInputs checks the provided inputs against the schema: unknown
// top-level fields are rejected, required fields must be present, and
// values must match their declared type.
func ValidateInputs(inputs map[string]any, schema InputSchema) error {
	for name := range inputs {
		if _, ok := schema[name]; !ok {
			return &InputError{Field: name, Reason: "not declared in input schema"}
		}
	}
	for name, field := range schema {
		v, present := inputs[name]
		if !present {
			if field.Required && field.Default == nil {
				return &InputError{Field: name, Reason: "required input missing"}
			}
			continue
		}
		if !typeMatches(v, field.Type) {
			return &InputError{Field: name, Reason: fmt.Sprintf("expected %s, got %T", field.Type, v)}
		}
	}
	return nil
}

func typeMatches(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	}
	return false
}

// ApplyDefaults returns a fresh map equal to inputs except that absent keys
// with a declared default are populated. Explicit false/0/"" values are
// preserved: only key absence triggers the default.
func ApplyDefaults(inputs map[string]any, schema InputSchema) map[string]any {
	out := make(map[string]any, len(inputs)+len(schema))
	for k, v := range inputs {
		out[k] = v
	}
	for name, field := range schema {
		if _, present := out[name]; !present && field.Default != nil {
			out[name] = field.Default
		}
	}
	return out
}

// CanonicalJSON serializes v deterministically: object keys sorted
// ascending, array element order preserved, nil map values dropped. Used
// for result keys and snapshot params hashes.
func CanonicalJSON(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func writeCanonical(b *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			if x[k] == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, x[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		eb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(eb)
		return nil
	}
}
