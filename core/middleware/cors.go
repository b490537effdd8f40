package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/searchktools/hookserver/core"
)

// CORSConfig configures cross-origin responses
type CORSConfig struct {
	// AllowOrigins lists accepted origins. "*" or an empty list accepts
	// any origin.
	AllowOrigins  []string
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
	MaxAge        int
}

var defaultCORS = CORSConfig{
	AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
	AllowHeaders: []string{"Content-Type", "Authorization"},
	MaxAge:       600,
}

// CORS adds an onRequest hook that sets the CORS headers and answers
// preflight requests with 204.
func CORS(cfg CORSConfig) core.Plugin {
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = defaultCORS.AllowMethods
	}
	if len(cfg.AllowHeaders) == 0 {
		cfg.AllowHeaders = defaultCORS.AllowHeaders
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaultCORS.MaxAge
	}
	anyOrigin := len(cfg.AllowOrigins) == 0 || slices.Contains(cfg.AllowOrigins, "*")
	methods := strings.Join(cfg.AllowMethods, ", ")
	headers := strings.Join(cfg.AllowHeaders, ", ")
	expose := strings.Join(cfg.ExposeHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(scope *core.Engine) error {
		return scope.AddHook("onRequest", func(req *core.Request, reply *core.Reply) error {
			origin := req.Headers.Get("Origin")
			if origin == "" {
				return nil
			}
			switch {
			case anyOrigin:
				reply.Header("Access-Control-Allow-Origin", "*")
			case slices.Contains(cfg.AllowOrigins, origin):
				reply.Header("Access-Control-Allow-Origin", origin).Header("Vary", "Origin")
			default:
				return nil
			}
			if expose != "" {
				reply.Header("Access-Control-Expose-Headers", expose)
			}

			if req.Method() != http.MethodOptions || req.Headers.Get("Access-Control-Request-Method") == "" {
				return nil
			}
			reply.Headers(map[string]string{
				"Access-Control-Allow-Methods": methods,
				"Access-Control-Allow-Headers": headers,
				"Access-Control-Max-Age":       maxAge,
			})
			return reply.Code(http.StatusNoContent).Send(nil)
		})
	}
}
