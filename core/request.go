package core

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/searchktools/hookserver/core/schema"
)

// Request wraps one inbound request for the duration of its lifecycle.
// Identity fields never change after construction; the body is set once by
// the content-type parser before preValidation.
type Request struct {
	// Params holds the path parameters, coerced by the params schema when
	// one is declared.
	Params map[string]any

	// Query holds the parsed query string. It is empty when the URL has no
	// query.
	Query map[string]any

	Headers  http.Header
	Raw      *http.Request
	Log      *zap.Logger
	IP       string
	IPs      []string
	Hostname string

	id            string
	body          any
	bodySet       bool
	validationErr *schema.ValidationError
	route         *route
	allowed       []string
}

func newRequest(srv *server, raw *http.Request, rt *route, params map[string]string) *Request {
	req := &Request{
		Params:  make(map[string]any, len(params)),
		Headers: raw.Header,
		Raw:     raw,
		route:   rt,
	}
	for k, v := range params {
		req.Params[k] = v
	}

	req.id = srv.requestID(raw)
	req.Log = srv.log.With(zap.String("reqId", req.id))
	if rt != nil && rt.hasLogLevel {
		req.Log = req.Log.WithOptions(zap.IncreaseLevel(rt.logLevel))
	}

	if raw.URL.RawQuery != "" {
		req.Query = srv.queryParser(raw.URL.RawQuery)
	}
	if req.Query == nil {
		req.Query = map[string]any{}
	}

	req.IP, req.IPs, req.Hostname = clientAddress(raw, srv.opts.TrustProxy)
	return req
}

// ID returns the request identifier
func (r *Request) ID() string {
	return r.id
}

func (r *Request) Method() string {
	return r.Raw.Method
}

// URL returns the request target as sent by the client
func (r *Request) URL() string {
	if r.Raw.RequestURI != "" {
		return r.Raw.RequestURI
	}
	return r.Raw.URL.RequestURI()
}

// Context is cancelled when the client goes away
func (r *Request) Context() context.Context {
	return r.Raw.Context()
}

// Body returns the parsed body, or nil before parsing and for requests
// without a body.
func (r *Request) Body() any {
	return r.body
}

func (r *Request) setBody(v any) {
	if r.bodySet {
		return
	}
	r.body = v
	r.bodySet = true
}

// ValidationError is set when the route uses AttachValidation and a part
// failed validation.
func (r *Request) ValidationError() *schema.ValidationError {
	return r.validationErr
}

// RouterPath returns the matched route pattern
func (r *Request) RouterPath() string {
	if r.route == nil {
		return ""
	}
	return r.route.url
}

// RouteConfig returns the Config map declared with the route
func (r *Request) RouteConfig() map[string]any {
	if r.route == nil {
		return nil
	}
	return r.route.opts.Config
}

// Param returns a path parameter as a string
func (r *Request) Param(name string) string {
	return stringValue(r.Params[name])
}

// QueryValue returns a query value as a string. Repeated keys give the
// first value.
func (r *Request) QueryValue(name string) string {
	v := r.Query[name]
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		v = list[0]
	}
	return stringValue(v)
}

// clientAddress derives the client address chain and host. Forwarding
// headers are honoured only when trustProxy is set.
func clientAddress(raw *http.Request, trustProxy bool) (ip string, ips []string, hostname string) {
	remote := raw.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	ip, hostname = remote, raw.Host

	if !trustProxy {
		return ip, nil, hostname
	}

	if fwd := raw.Header.Get(HeaderForwardedFor); fwd != "" {
		ips = []string{remote}
		parts := strings.Split(fwd, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			if p := strings.TrimSpace(parts[i]); p != "" {
				ips = append(ips, p)
			}
		}
		ip = ips[len(ips)-1]
	}
	if host := raw.Header.Get(HeaderForwardedHost); host != "" {
		hostname = host
	}
	return ip, ips, hostname
}
