package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a coded error. Two errors are equal for errors.Is when their
// codes match, so formatted variants still match their sentinel.
type Error struct {
	Code    string
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status the error maps to
func (e *Error) StatusCode() int {
	return e.Status
}

// ErrorCode returns the stable error code
func (e *Error) ErrorCode() string {
	return e.Code
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// withMessage returns a copy of e with a formatted message
func (e *Error) withMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// wrap returns a copy of e carrying cause and its message
func (e *Error) wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	cp.Message = cause.Error()
	return &cp
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Configuration errors, returned by registration calls and Ready
var (
	ErrHookInvalidType       = newError("FST_ERR_HOOK_INVALID_TYPE", http.StatusInternalServerError, "The hook name must be a valid lifecycle stage")
	ErrHookInvalidHandler    = newError("FST_ERR_HOOK_INVALID_HANDLER", http.StatusInternalServerError, "The hook callback must be a function")
	ErrAlreadyReady          = newError("FST_ERR_INSTANCE_ALREADY_LISTENING", http.StatusInternalServerError, "Routes and hooks cannot be added once the server is ready")
	ErrRouteMissingHandler   = newError("FST_ERR_ROUTE_MISSING_HANDLER", http.StatusInternalServerError, "Missing handler function for route")
	ErrRouteInvalidHandler   = newError("FST_ERR_ROUTE_INVALID_HANDLER", http.StatusInternalServerError, "Invalid handler for route")
	ErrRouteInvalidMethod    = newError("FST_ERR_ROUTE_METHOD_NOT_SUPPORTED", http.StatusInternalServerError, "Method is not supported")
	ErrRouteInvalidURL       = newError("FST_ERR_ROUTE_INVALID_URL", http.StatusInternalServerError, "Invalid route URL")
	ErrRouteDuplicated       = newError("FST_ERR_DUPLICATED_ROUTE", http.StatusInternalServerError, "Route already declared")
	ErrRouteInvalidBodyLimit = newError("FST_ERR_ROUTE_BODY_LIMIT_OPTION_NOT_INT", http.StatusInternalServerError, "'bodyLimit' option must be an integer > 0")
	ErrRouteInvalidOption    = newError("FST_ERR_ROUTE_INVALID_OPTION", http.StatusInternalServerError, "Invalid route option")
	ErrPluginInvalid         = newError("FST_ERR_PLUGIN_NOT_VALID", http.StatusInternalServerError, "Plugin must be a function")
	ErrParserAlreadyPresent  = newError("FST_ERR_CTP_ALREADY_PRESENT", http.StatusInternalServerError, "Content type parser already present")
	ErrParserInvalid         = newError("FST_ERR_CTP_INVALID_HANDLER", http.StatusInternalServerError, "The content type parser must be a function")
	ErrBadStatusCode         = newError("FST_ERR_BAD_STATUS_CODE", http.StatusInternalServerError, "Called reply with an invalid status code")
)

// Request-time errors
var (
	ErrReplyAlreadySent        = newError("FST_ERR_REP_ALREADY_SENT", http.StatusInternalServerError, "Reply was already sent.")
	ErrReplyInvalidPayloadType = newError("FST_ERR_REP_INVALID_PAYLOAD_TYPE", http.StatusInternalServerError, "Attempted to send payload of invalid type")
	ErrBodyTooLarge            = newError("FST_ERR_CTP_BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, "Request body is too large")
	ErrUnsupportedMediaType    = newError("FST_ERR_CTP_INVALID_MEDIA_TYPE", http.StatusUnsupportedMediaType, "Unsupported Media Type")
	ErrEmptyJSONBody           = newError("FST_ERR_CTP_EMPTY_JSON_BODY", http.StatusBadRequest, "Body cannot be empty when content-type is set to 'application/json'")
	ErrInvalidBody             = newError("FST_ERR_CTP_INVALID_BODY", http.StatusBadRequest, "Invalid request body")
	ErrNotFound                = newError("FST_ERR_NOT_FOUND", http.StatusNotFound, "Not Found")
	ErrMethodNotAllowed        = newError("FST_ERR_METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, "Method Not Allowed")
	ErrHandlerPanic            = newError("FST_ERR_HANDLER_PANIC", http.StatusInternalServerError, "Internal Server Error")
)

func invalidPayloadType(payload any) error {
	return ErrReplyInvalidPayloadType.withMessage(
		"Attempted to send payload of invalid type '%T'. Expected a string or []byte.", payload)
}

func routeNotFound(method, url string) error {
	return ErrNotFound.withMessage("Route %s:%s not found", method, url)
}

func methodNotAllowed(method, url string) error {
	return ErrMethodNotAllowed.withMessage("Method %s is not allowed for route %s", method, url)
}

// statusFor picks the response status for err. An explicit error status
// wins, then an error status already set on the reply, then 500.
func statusFor(err error, current int) int {
	var se interface{ StatusCode() int }
	if errors.As(err, &se) {
		if code := se.StatusCode(); code >= 400 && code < 600 {
			return code
		}
	}
	if current >= 400 && current < 600 {
		return current
	}
	return http.StatusInternalServerError
}

// errorCode returns the code carried by err, if any
func errorCode(err error) string {
	var ce interface{ ErrorCode() string }
	if errors.As(err, &ce) {
		return ce.ErrorCode()
	}
	return ""
}
