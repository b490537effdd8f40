package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidatorFunc validates data and returns it, possibly with coerced
// values. It must be safe for concurrent use.
type ValidatorFunc func(data any) (any, error)

// ValidatorCompiler builds the validator for one part of a route
type ValidatorCompiler func(s Schema, method, url string, part Part) (ValidatorFunc, error)

// routeURL is the resource location every route schema is compiled under
const routeURL = baseURL + "route.json"

// NewValidatorCompiler returns the default JSON Schema (draft-07) validator
// compiler. Shared schemas from store are available to $ref.
func NewValidatorCompiler(store *Store) ValidatorCompiler {
	return func(s Schema, method, url string, part Part) (ValidatorFunc, error) {
		prepared, err := prepare(s, part)
		if err != nil {
			return nil, err
		}
		compiled, err := compile(store, prepared)
		if err != nil {
			return nil, err
		}

		coerce := part != PartBody
		return func(data any) (any, error) {
			value, err := jsonValue(data)
			if err != nil {
				return nil, &ValidationError{Part: part, Issues: []Issue{{Message: err.Error()}}}
			}
			if m, ok := value.(map[string]any); ok && part == PartHeaders {
				value = lowerKeys(m)
			}
			if coerce {
				value = coerceValue(compiled, value)
			}
			if err := compiled.Validate(value); err != nil {
				return nil, newValidationError(part, err)
			}
			return value, nil
		}, nil
	}
}

// compile registers the shared schemas and prepared under fresh compiler so
// routes never share compiled state.
func compile(store *Store, prepared Schema) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	c.AssertFormat()

	own := ID(prepared)
	if store != nil {
		for id, shared := range store.All() {
			if own != "" && resourceURL(id) == resourceURL(own) {
				continue
			}
			if err := c.AddResource(resourceURL(id), shared); err != nil {
				return nil, fmt.Errorf("shared schema %q: %w", id, err)
			}
		}
	}
	if err := c.AddResource(routeURL, prepared); err != nil {
		return nil, err
	}
	return c.Compile(routeURL)
}

// jsonValue makes sure data only holds values the validator understands.
// Anything else (structs, typed slices) is converted through JSON.
func jsonValue(data any) (any, error) {
	if isJSONValue(data) {
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isJSONValue(v any) bool {
	switch v := v.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	case map[string]any:
		for _, item := range v {
			if !isJSONValue(item) {
				return false
			}
		}
		return true
	case []any:
		for _, item := range v {
			if !isJSONValue(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// IsValidationError reports whether err carries a ValidationError
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// lowerKeys copies a header map with lower-cased names
func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
