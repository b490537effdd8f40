// Package schema compiles declarative JSON schemas attached to routes into
// validator and serializer functions.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema is a JSON schema document in its decoded form
type Schema = map[string]any

// Part names one input section of a request
type Part string

// Request parts, in validation order
const (
	PartHeaders     Part = "headers"
	PartParams      Part = "params"
	PartQuerystring Part = "querystring"
	PartBody        Part = "body"
)

// Parts lists the request parts in the order they are validated
var Parts = [...]Part{PartHeaders, PartParams, PartQuerystring, PartBody}

// RouteSchema groups the schemas declared on a route. Response keys are an
// exact status code ("200"), a class ("2xx") or "default".
type RouteSchema struct {
	Headers     Schema
	Params      Schema
	Querystring Schema
	Body        Schema
	Response    map[string]Schema
}

// Input returns the schema declared for part, or nil
func (rs *RouteSchema) Input(part Part) Schema {
	if rs == nil {
		return nil
	}
	switch part {
	case PartHeaders:
		return rs.Headers
	case PartParams:
		return rs.Params
	case PartQuerystring:
		return rs.Querystring
	case PartBody:
		return rs.Body
	}
	return nil
}

// IsZero reports whether no schema is declared at all
func (rs *RouteSchema) IsZero() bool {
	return rs == nil || (rs.Headers == nil && rs.Params == nil && rs.Querystring == nil &&
		rs.Body == nil && len(rs.Response) == 0)
}

// Clone returns a deep copy of s normalized to plain JSON values (maps of
// any, slices of any, float64 numbers). Go literals such as []string are
// converted, and the source is never shared with the copy.
func Clone(s Schema) (Schema, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("schema is not JSON encodable: %w", err)
	}
	var out Schema
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// prepare clones s and applies the part-specific rewrites done before
// compilation: the dialect keyword is removed, object shorthand is
// expanded for url and header parts, and header names are lower-cased.
func prepare(s Schema, part Part) (Schema, error) {
	out, err := Clone(s)
	if err != nil {
		return nil, err
	}
	delete(out, "$schema")

	if part == PartHeaders || part == PartParams || part == PartQuerystring {
		out = expandShorthand(out)
	}
	if part == PartHeaders {
		lowerHeaderKeys(out)
	}
	return out, nil
}

// expandShorthand turns {"id": {...}} into an object schema whose
// properties are the given map.
func expandShorthand(s Schema) Schema {
	for _, kw := range []string{"$ref", "oneOf", "allOf", "anyOf", "type", "properties"} {
		if _, ok := s[kw]; ok {
			return s
		}
	}
	return Schema{"type": "object", "properties": s}
}

func lowerHeaderKeys(s Schema) {
	if props, ok := s["properties"].(map[string]any); ok {
		lowered := make(map[string]any, len(props))
		for k, v := range props {
			lowered[strings.ToLower(k)] = v
		}
		s["properties"] = lowered
	}
	if req, ok := s["required"].([]any); ok {
		for i, v := range req {
			if name, ok := v.(string); ok {
				req[i] = strings.ToLower(name)
			}
		}
	}
}

// ID returns the $id of s, or "".
func ID(s Schema) string {
	id, _ := s["$id"].(string)
	return id
}
