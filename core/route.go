package core

import (
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/searchktools/hookserver/core/schema"
)

// HandlerFunc is the value-returning handler shape. A non-nil value is
// sent; an error is routed to the error handlers.
type HandlerFunc func(req *Request, reply *Reply) (any, error)

// CallbackHandlerFunc is the handler shape that sends through the reply
// itself, possibly later from another goroutine.
type CallbackHandlerFunc func(req *Request, reply *Reply)

// RouteHook attaches a request-stage hook to a single route
type RouteHook struct {
	Stage string
	Fn    any
}

// RouteOptions declares a route. onRoute hooks receive a copy with URL
// already prefixed and may edit it.
type RouteOptions struct {
	Method  string
	Methods []string

	// URL is the path pattern; Path is accepted as an alias.
	URL    string
	Path   string
	Prefix string

	Schema *schema.RouteSchema

	// Handler is a HandlerFunc or a CallbackHandlerFunc
	Handler      any
	ErrorHandler ErrorHandler

	BodyLimit        int64
	AttachValidation bool
	Hooks            []RouteHook
	Config           map[string]any
	LogLevel         string
	DisableHeadRoute bool
}

// RouteOption customizes the options of a shorthand registration
type RouteOption func(*RouteOptions)

func WithSchema(s *schema.RouteSchema) RouteOption {
	return func(o *RouteOptions) { o.Schema = s }
}

func WithBodyLimit(limit int64) RouteOption {
	return func(o *RouteOptions) { o.BodyLimit = limit }
}

func WithErrorHandler(h ErrorHandler) RouteOption {
	return func(o *RouteOptions) { o.ErrorHandler = h }
}

// WithAttachValidation hands validation failures to the handler through
// Request.ValidationError instead of answering 400.
func WithAttachValidation() RouteOption {
	return func(o *RouteOptions) { o.AttachValidation = true }
}

// WithHook adds a route-level hook, run after the scope hooks of the same
// stage.
func WithHook(stage string, fn any) RouteOption {
	return func(o *RouteOptions) { o.Hooks = append(o.Hooks, RouteHook{Stage: stage, Fn: fn}) }
}

func WithConfig(cfg map[string]any) RouteOption {
	return func(o *RouteOptions) { o.Config = cfg }
}

// WithLogLevel raises the minimum log level of requests on the route
func WithLogLevel(level string) RouteOption {
	return func(o *RouteOptions) { o.LogLevel = level }
}

func WithoutHeadRoute() RouteOption {
	return func(o *RouteOptions) { o.DisableHeadRoute = true }
}

// clone copies the options deeply enough that onRoute hooks of one scope
// never see edits made in another.
func (o RouteOptions) clone() RouteOptions {
	o.Methods = slices.Clone(o.Methods)
	o.Hooks = slices.Clone(o.Hooks)
	o.Config = maps.Clone(o.Config)
	return o
}

func (o *RouteOptions) methods() ([]string, error) {
	var out []string
	for _, m := range append([]string{o.Method}, o.Methods...) {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || slices.Contains(out, m) {
			continue
		}
		if !supportedMethods[m] {
			return nil, ErrRouteInvalidMethod.withMessage("%s method is not supported.", m)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, ErrRouteInvalidMethod.withMessage("Missing method for route %s", o.url())
	}
	return out, nil
}

func (o *RouteOptions) url() string {
	if o.URL != "" {
		return o.URL
	}
	return o.Path
}

// route is the immutable runtime form of a declared route
type route struct {
	srv   *server
	scope *Engine
	opts  RouteOptions

	methods []string
	url     string

	handler  HandlerFunc
	callback CallbackHandlerFunc

	ownHooks      *Hooks
	hooks         *Hooks
	compiled      *schema.CompiledRoute
	errorHandlers []ErrorHandler
	parsers       *contentTypeParsers
	bodyLimit     int64

	logLevel    zapcore.Level
	hasLogLevel bool

	// notFound routes skip body parsing
	notFound bool
}

func normalizeHandler(h any) (HandlerFunc, CallbackHandlerFunc, bool) {
	switch fn := h.(type) {
	case HandlerFunc:
		return fn, nil, fn != nil
	case func(*Request, *Reply) (any, error):
		return fn, nil, fn != nil
	case CallbackHandlerFunc:
		return nil, fn, fn != nil
	case func(*Request, *Reply):
		return nil, fn, fn != nil
	}
	return nil, nil, false
}

// newRoute validates opts and prepares the route for registration. The
// compiled parts are filled in by build at Ready.
func newRoute(scope *Engine, opts RouteOptions) (*route, error) {
	methods, err := opts.methods()
	if err != nil {
		return nil, err
	}
	url := opts.url()
	if url == "" || url[0] != '/' {
		return nil, ErrRouteInvalidURL.withMessage("URL %q must start with '/'", url)
	}

	if opts.Handler == nil {
		return nil, ErrRouteMissingHandler.withMessage("Missing handler function for %s:%s route.", methods[0], url)
	}
	handler, callback, ok := normalizeHandler(opts.Handler)
	if !ok {
		return nil, ErrRouteInvalidHandler.withMessage("Handler for %s:%s route must be a HandlerFunc or CallbackHandlerFunc, got %T", methods[0], url, opts.Handler)
	}

	if opts.BodyLimit < 0 {
		return nil, ErrRouteInvalidBodyLimit.withMessage("'bodyLimit' option must be an integer > 0. Got '%d'", opts.BodyLimit)
	}

	own := NewHooks()
	for _, h := range opts.Hooks {
		stage, err := ParseStage(h.Stage)
		if err != nil {
			return nil, err
		}
		if stage > OnError {
			return nil, ErrHookInvalidType.withMessage("%s hooks cannot be declared on a route", stage)
		}
		if err := own.AddStage(stage, h.Fn); err != nil {
			return nil, err
		}
	}

	rt := &route{
		srv:      scope.srv,
		scope:    scope,
		opts:     opts,
		methods:  methods,
		url:      url,
		handler:  handler,
		callback: callback,
		ownHooks: own,
	}
	if opts.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(opts.LogLevel)
		if err != nil {
			return nil, ErrRouteInvalidOption.withMessage("invalid log level %q for %s:%s", opts.LogLevel, methods[0], url)
		}
		rt.logLevel, rt.hasLogLevel = lvl, true
	}
	return rt, nil
}

// build compiles schemas and resolves everything inherited from the scope
// chain.
func (rt *route) build() error {
	rt.hooks = rt.scope.effectiveHooks().Merge(rt.ownHooks)
	rt.hooks.Seal()

	rs := rt.opts.Schema
	if rs == nil {
		rs = &schema.RouteSchema{}
	}
	compiled, err := schema.Compile(rs, rt.methods[0], rt.url, rt.scope.validatorCompiler(), rt.scope.serializerCompiler())
	if err != nil {
		return err
	}
	rt.compiled = compiled

	if rt.opts.ErrorHandler != nil {
		rt.errorHandlers = append(rt.errorHandlers, rt.opts.ErrorHandler)
	}
	if h := rt.scope.errorHandler(); h != nil {
		rt.errorHandlers = append(rt.errorHandlers, h)
	}
	rt.errorHandlers = append(rt.errorHandlers, DefaultErrorHandler)

	rt.parsers = rt.scope.parsers
	rt.bodyLimit = rt.opts.BodyLimit
	if rt.bodyLimit == 0 {
		rt.bodyLimit = rt.srv.opts.BodyLimit
	}
	return nil
}
