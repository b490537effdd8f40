package schema

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Error definitions
var (
	ErrMissingID          = errors.New("missing schema $id property")
	ErrAlreadyPresent     = errors.New("schema with the same $id already present")
	ErrStoreSealed        = errors.New("schemas cannot be added after the server is ready")
	ErrValidationBuild    = errors.New("failed building the validation schema")
	ErrSerializationBuild = errors.New("failed building the serialization schema")
)

// Error codes
const (
	CodeValidation         = "FST_ERR_VALIDATION"
	CodeValidationBuild    = "FST_ERR_SCH_VALIDATION_BUILD"
	CodeSerializationBuild = "FST_ERR_SCH_SERIALIZATION_BUILD"
)

var printer = message.NewPrinter(language.English)

// BuildError reports a schema that could not be compiled for a route
type BuildError struct {
	Kind   error // ErrValidationBuild or ErrSerializationBuild
	Method string
	URL    string
	Key    string // part name or response status key
	Err    error
}

func (e *BuildError) Error() string {
	what := "validation"
	if e.Kind == ErrSerializationBuild {
		what = "serialization"
	}
	return fmt.Sprintf("Failed building the %s schema for %s: %s, due to error %s", what, e.Method, e.URL, e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ErrorCode returns the stable code of the failure
func (e *BuildError) ErrorCode() string {
	if e.Kind == ErrSerializationBuild {
		return CodeSerializationBuild
	}
	return CodeValidationBuild
}

// Issue is one failed constraint
type Issue struct {
	// InstancePath is a JSON pointer into the validated value
	InstancePath string `json:"instancePath"`
	Keyword      string `json:"keyword"`
	Message      string `json:"message"`
}

// ValidationError reports the first request part that failed validation
type ValidationError struct {
	Part   Part
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		msgs = append(msgs, string(e.Part)+dotted(is.InstancePath)+" "+is.Message)
	}
	return strings.Join(msgs, ", ")
}

// StatusCode is always 400
func (e *ValidationError) StatusCode() int {
	return http.StatusBadRequest
}

// ErrorCode is the stable code of every validation failure
func (e *ValidationError) ErrorCode() string {
	return CodeValidation
}

// ValidationContext names the part that failed
func (e *ValidationError) ValidationContext() string {
	return string(e.Part)
}

// newValidationError flattens a jsonschema error tree into leaf issues
func newValidationError(part Part, err error) *ValidationError {
	verr := &ValidationError{Part: part}

	var jerr *jsonschema.ValidationError
	if !errors.As(err, &jerr) {
		verr.Issues = []Issue{{Message: err.Error()}}
		return verr
	}

	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			verr.Issues = append(verr.Issues, Issue{
				InstancePath: pointer(e.InstanceLocation),
				Keyword:      strings.Join(e.ErrorKind.KeywordPath(), "/"),
				Message:      describe(e.ErrorKind),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(jerr)

	if len(verr.Issues) == 0 {
		verr.Issues = []Issue{{Message: jerr.LocalizedError(printer)}}
	}
	sort.SliceStable(verr.Issues, func(i, j int) bool {
		return verr.Issues[i].InstancePath < verr.Issues[j].InstancePath
	})
	return verr
}

func describe(k jsonschema.ErrorKind) string {
	switch k := k.(type) {
	case *kind.Required:
		return fmt.Sprintf("should have required property '%s'", strings.Join(k.Missing, "', '"))
	case *kind.Type:
		return "should be " + strings.Join(k.Want, ",")
	case *kind.AdditionalProperties:
		return "should NOT have additional properties"
	case *kind.Enum:
		return "should be equal to one of the allowed values"
	case *kind.Format:
		return fmt.Sprintf("should match format %q", k.Want)
	case *kind.MinLength:
		return fmt.Sprintf("should NOT be shorter than %d characters", k.Want)
	case *kind.MaxLength:
		return fmt.Sprintf("should NOT be longer than %d characters", k.Want)
	case *kind.Pattern:
		return fmt.Sprintf("should match pattern %q", k.Want)
	case *kind.Minimum:
		return "should be >= " + k.Want.RatString()
	case *kind.Maximum:
		return "should be <= " + k.Want.RatString()
	default:
		return k.LocalizedString(printer)
	}
}

func pointer(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, tok := range tokens {
		sb.WriteByte('/')
		tok = strings.ReplaceAll(tok, "~", "~0")
		sb.WriteString(strings.ReplaceAll(tok, "/", "~1"))
	}
	return sb.String()
}

// dotted renders "/a/0/b" as ".a[0].b"
func dotted(ptr string) string {
	if ptr == "" {
		return ""
	}
	var sb strings.Builder
	for _, tok := range strings.Split(ptr[1:], "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		if isIndex(tok) {
			sb.WriteString("[" + tok + "]")
			continue
		}
		sb.WriteString("." + tok)
	}
	return sb.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
