package core

import (
	"fmt"
	"net/url"
	"strconv"
)

// QueryParser turns a raw query string into the Request.Query map. It is
// only called when the URL carries a query.
type QueryParser func(raw string) map[string]any

// DefaultQueryParser decodes with url.ParseQuery. A key given once maps to
// its string value, a repeated key maps to a []any of strings. Malformed
// pairs are skipped.
func DefaultQueryParser(raw string) map[string]any {
	values, _ := url.ParseQuery(raw)
	out := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		out[k] = list
	}
	return out
}

func stringValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
