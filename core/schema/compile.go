package schema

import (
	"strconv"
	"strings"
)

// CompiledRoute holds the validators and serializers derived from one
// RouteSchema. It is immutable and shared by every request on the route.
type CompiledRoute struct {
	validators  [len(Parts)]ValidatorFunc
	serializers map[string]SerializerFunc
}

// Compile builds validators for every declared input part and serializers
// for every response key. The first failure is returned as a *BuildError.
func Compile(rs *RouteSchema, method, url string, vc ValidatorCompiler, sc SerializerCompiler) (*CompiledRoute, error) {
	cr := &CompiledRoute{}
	if rs.IsZero() {
		return cr, nil
	}

	for i, part := range Parts {
		s := rs.Input(part)
		if s == nil {
			continue
		}
		fn, err := vc(s, method, url, part)
		if err != nil {
			return nil, &BuildError{Kind: ErrValidationBuild, Method: method, URL: url, Key: string(part), Err: err}
		}
		cr.validators[i] = fn
	}

	if len(rs.Response) > 0 {
		cr.serializers = make(map[string]SerializerFunc, len(rs.Response))
		for key, s := range rs.Response {
			norm := normalizeStatusKey(key)
			fn, err := sc(s, method, url, norm)
			if err != nil {
				return nil, &BuildError{Kind: ErrSerializationBuild, Method: method, URL: url, Key: key, Err: err}
			}
			cr.serializers[norm] = fn
		}
	}
	return cr, nil
}

// Validator returns the validator for part, or nil when the part is not
// validated.
func (cr *CompiledRoute) Validator(part Part) ValidatorFunc {
	if cr == nil {
		return nil
	}
	for i, p := range Parts {
		if p == part {
			return cr.validators[i]
		}
	}
	return nil
}

// Serializer resolves the serializer for a status code: the exact code
// first, then its class ("2xx"), then "default". It returns nil when no
// response schema applies.
func (cr *CompiledRoute) Serializer(status int) SerializerFunc {
	if cr == nil || len(cr.serializers) == 0 {
		return nil
	}
	code := strconv.Itoa(status)
	if fn, ok := cr.serializers[code]; ok {
		return fn
	}
	if fn, ok := cr.serializers[code[:1]+"xx"]; ok {
		return fn
	}
	return cr.serializers["default"]
}

func normalizeStatusKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
