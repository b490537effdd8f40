package core

// HTTP header constants
const (
	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderAllow            = "Allow"
	HeaderLocation         = "Location"
	HeaderForwardedFor     = "X-Forwarded-For"
	HeaderForwardedHost    = "X-Forwarded-Host"
	HeaderRequestID        = "Request-Id"
)

// Default content types
const (
	MIMEApplicationJSON = "application/json"
	MIMETextPlain       = "text/plain"

	contentTypeJSON   = "application/json; charset=utf-8"
	contentTypeText   = "text/plain; charset=utf-8"
	contentTypeBinary = "application/octet-stream"
)

// DefaultBodyLimit is the maximum accepted request body size in bytes
const DefaultBodyLimit int64 = 1 << 20

// supportedMethods lists the methods routes may be declared for
var supportedMethods = map[string]bool{
	"DELETE":  true,
	"GET":     true,
	"HEAD":    true,
	"PATCH":   true,
	"POST":    true,
	"PUT":     true,
	"OPTIONS": true,
	"SEARCH":  true,
	"TRACE":   true,
}
