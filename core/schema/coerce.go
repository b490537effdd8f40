package schema

import (
	"slices"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// coerceValue converts string inputs of an object to the primitive types
// declared by its properties. Url and header values always arrive as
// strings, so "?id=42" validates against {"type": "integer"}. Values that
// cannot be converted are left alone for the validator to reject.
func coerceValue(s *jsonschema.Schema, v any) any {
	s = deref(s)
	obj, ok := v.(map[string]any)
	if !ok || s == nil || len(s.Properties) == 0 {
		return v
	}

	out := make(map[string]any, len(obj))
	for k, val := range obj {
		if prop, ok := s.Properties[k]; ok {
			val = coerceProperty(deref(prop), val)
		}
		out[k] = val
	}
	return out
}

func coerceProperty(s *jsonschema.Schema, v any) any {
	types := typesOf(s)
	if len(types) == 0 {
		return v
	}

	if slices.Contains(types, "array") {
		items := itemSchema(s)
		switch x := v.(type) {
		case []any:
			out := make([]any, len(x))
			for i, item := range x {
				out[i] = coerceProperty(items, item)
			}
			return out
		case string:
			return []any{coerceProperty(items, x)}
		}
		return v
	}

	str, ok := v.(string)
	if !ok || slices.Contains(types, "string") {
		return v
	}
	for _, t := range types {
		switch t {
		case "integer":
			if n, err := strconv.ParseInt(str, 10, 64); err == nil {
				return float64(n)
			}
		case "number":
			if f, err := strconv.ParseFloat(str, 64); err == nil {
				return f
			}
		case "boolean":
			if b, err := strconv.ParseBool(str); err == nil && (str == "true" || str == "false") {
				return b
			}
		case "null":
			if str == "" {
				return nil
			}
		}
	}
	return v
}

func deref(s *jsonschema.Schema) *jsonschema.Schema {
	for i := 0; s != nil && s.Ref != nil && s.Types == nil && len(s.Properties) == 0 && i < 32; i++ {
		s = s.Ref
	}
	return s
}

func typesOf(s *jsonschema.Schema) []string {
	if s == nil || s.Types == nil {
		return nil
	}
	return s.Types.ToStrings()
}

func itemSchema(s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	if items, ok := s.Items.(*jsonschema.Schema); ok {
		return deref(items)
	}
	return deref(s.Items2020)
}
