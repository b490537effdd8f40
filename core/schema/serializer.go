package schema

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/searchktools/hookserver/core/codec"
)

// SerializerFunc encodes a response payload. It must be safe for
// concurrent use.
type SerializerFunc func(v any) ([]byte, error)

// SerializerCompiler builds the serializer for one response status key
type SerializerCompiler func(s Schema, method, url, statusKey string) (SerializerFunc, error)

// NewSerializerCompiler returns the default response serializer compiler.
// The payload is reduced to the properties the schema declares, then
// encoded as JSON.
func NewSerializerCompiler(store *Store) SerializerCompiler {
	return func(s Schema, method, url, statusKey string) (SerializerFunc, error) {
		prepared, err := prepare(s, PartBody)
		if err != nil {
			return nil, err
		}
		compiled, err := compile(store, prepared)
		if err != nil {
			return nil, err
		}

		enc := &codec.JSONCodec{}
		return func(v any) ([]byte, error) {
			value, err := plain(v)
			if err != nil {
				return nil, err
			}
			return enc.Encode(filter(compiled, value, 0))
		}, nil
	}
}

// plain converts v into maps, slices and scalars
func plain(v any) (any, error) {
	if isJSONValue(v) {
		return v, nil
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

const maxFilterDepth = 64

func filter(s *jsonschema.Schema, v any, depth int) any {
	s = deref(s)
	if s == nil || depth > maxFilterDepth {
		return v
	}

	switch x := v.(type) {
	case map[string]any:
		props, strict := objectShape(s)
		if !strict {
			return x
		}
		out := make(map[string]any, len(props))
		for k, val := range x {
			if p, ok := props[k]; ok {
				out[k] = filter(p, val, depth+1)
				continue
			}
			if p := matchPattern(s, k); p != nil {
				out[k] = filter(p, val, depth+1)
				continue
			}
			switch ap := s.AdditionalProperties.(type) {
			case bool:
				if ap {
					out[k] = val
				}
			case *jsonschema.Schema:
				out[k] = filter(ap, val, depth+1)
			}
		}
		return out

	case []any:
		items := itemSchema(s)
		if items == nil {
			return x
		}
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = filter(items, item, depth+1)
		}
		return out
	}
	return v
}

// objectShape collects declared properties, including those of allOf
// branches. strict is false when the schema does not describe an object,
// in which case the value passes through untouched.
func objectShape(s *jsonschema.Schema) (map[string]*jsonschema.Schema, bool) {
	props := make(map[string]*jsonschema.Schema, len(s.Properties))
	strict := len(s.Properties) > 0 || s.AdditionalProperties != nil
	if s.Types != nil {
		for _, t := range s.Types.ToStrings() {
			if t == "object" {
				strict = true
			}
		}
	}
	for k, p := range s.Properties {
		props[k] = p
	}
	for _, branch := range s.AllOf {
		branch = deref(branch)
		if branch == nil {
			continue
		}
		for k, p := range branch.Properties {
			if _, ok := props[k]; !ok {
				props[k] = p
			}
		}
		if len(branch.Properties) > 0 {
			strict = true
		}
	}
	return props, strict
}

func matchPattern(s *jsonschema.Schema, key string) *jsonschema.Schema {
	for re, p := range s.PatternProperties {
		if re.MatchString(key) {
			return p
		}
	}
	return nil
}
