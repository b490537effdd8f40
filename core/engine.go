package core

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/searchktools/hookserver/core/router"
	"github.com/searchktools/hookserver/core/schema"
)

// Options configures a server
type Options struct {
	Logger *zap.Logger

	// BodyLimit is the default maximum body size, DefaultBodyLimit if zero
	BodyLimit int64

	// RequestIDHeader names the header an incoming request id is read
	// from, "request-id" if empty.
	RequestIDHeader string
	GenReqID        GenReqIDFunc

	// TrustProxy derives the client address and host from X-Forwarded-*
	TrustProxy bool

	IgnoreTrailingSlash   bool
	DisableRequestLogging bool
	DisableHeadRoutes     bool
	QueryParser           QueryParser
}

// Plugin configures a scope
type Plugin func(scope *Engine) error

// RegisterOption customizes a Register call
type RegisterOption func(*registerOptions)

type registerOptions struct {
	prefix string
}

// WithPrefix prefixes every route of the registered scope
func WithPrefix(prefix string) RegisterOption {
	return func(o *registerOptions) { o.prefix = prefix }
}

// server is the state shared by every scope of one instance
type server struct {
	opts Options
	log  *zap.Logger

	mu         sync.RWMutex
	tree       *router.Tree[*route]
	routes     []*route
	shadowHead map[string]bool
	store      *schema.Store

	root        *Engine
	notFound    []*route
	notAllowed  *route
	genReqID    GenReqIDFunc
	queryParser QueryParser

	ready     atomic.Bool
	readyOnce sync.Once
	readyErr  error
	closeOnce sync.Once
	closeErr  error
}

// Engine is one encapsulation scope of a server. The value returned by New
// is the root scope; Register creates children. Hooks, the error handler,
// the not-found handler, schema compilers and content-type parsers are
// inherited by children and never leak to parents or siblings.
type Engine struct {
	srv      *server
	parent   *Engine
	children []*Engine
	prefix   string

	hooks           *Hooks
	errHandler      ErrorHandler
	notFoundHandler any
	validatorComp   schema.ValidatorCompiler
	serializerComp  schema.SerializerCompiler
	parsers         *contentTypeParsers

	// set on the root scope only
	defaultValidator  schema.ValidatorCompiler
	defaultSerializer schema.SerializerCompiler
}

// New creates a server and returns its root scope
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}
	if opts.RequestIDHeader == "" {
		opts.RequestIDHeader = HeaderRequestID
	}

	srv := &server{
		opts:        opts,
		log:         opts.Logger,
		tree:        router.New[*route](),
		shadowHead:  make(map[string]bool),
		store:       schema.NewStore(),
		genReqID:    opts.GenReqID,
		queryParser: opts.QueryParser,
	}
	srv.tree.IgnoreTrailingSlash = opts.IgnoreTrailingSlash
	if srv.genReqID == nil {
		srv.genReqID = defaultGenReqID
	}
	if srv.queryParser == nil {
		srv.queryParser = DefaultQueryParser
	}

	e := &Engine{
		srv:               srv,
		hooks:             NewHooks(),
		parsers:           newContentTypeParsers(),
		defaultValidator:  schema.NewValidatorCompiler(srv.store),
		defaultSerializer: schema.NewSerializerCompiler(srv.store),
	}
	srv.root = e
	return e
}

// Register runs plugin in a new child scope. onRegister hooks see the
// child before the plugin does.
func (e *Engine) Register(plugin Plugin, opts ...RegisterOption) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	if plugin == nil {
		return ErrPluginInvalid
	}

	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	child := &Engine{
		srv:     e.srv,
		parent:  e,
		prefix:  joinPrefix(e.prefix, o.prefix),
		hooks:   NewHooks(),
		parsers: e.parsers.clone(),
	}
	e.children = append(e.children, child)

	for _, hook := range e.effectiveHooks().onRegister {
		if err := hook(child); err != nil {
			return err
		}
	}
	return plugin(child)
}

// Use runs plugin in the current scope
func (e *Engine) Use(plugin Plugin) error {
	if plugin == nil {
		return ErrPluginInvalid
	}
	return plugin(e)
}

// AddHook registers fn for the stage called name in this scope
func (e *Engine) AddHook(name string, fn any) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	return e.hooks.Add(name, fn)
}

// AddStageHook registers fn for stage in this scope
func (e *Engine) AddStageHook(stage Stage, fn any) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	return e.hooks.AddStage(stage, fn)
}

// Route declares a route in this scope. The options are copied; onRoute
// hooks of the scope chain run on the copy before it is added.
func (e *Engine) Route(opts RouteOptions) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	cp := opts.clone()
	prefixed := joinPath(e.prefix, opts.url())
	cp.URL, cp.Path, cp.Prefix = prefixed, prefixed, e.prefix
	if _, err := newRoute(e, cp); err != nil {
		return err
	}

	for _, hook := range e.effectiveHooks().onRoute {
		if err := hook(&cp); err != nil {
			return err
		}
	}
	if cp.URL == prefixed && cp.Path != "" && cp.Path != prefixed {
		cp.URL = cp.Path
	}

	rt, err := newRoute(e, cp)
	if err != nil {
		return err
	}
	return e.srv.addRoute(rt)
}

func (srv *server) addRoute(rt *route) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for _, m := range rt.methods {
		if m == "HEAD" && srv.shadowHead[rt.url] {
			continue
		}
		if srv.tree.Has(m, rt.url) {
			return ErrRouteDuplicated.withMessage("Method '%s' already declared for route '%s'", m, rt.url)
		}
	}

	for _, m := range rt.methods {
		var err error
		if m == "HEAD" && srv.shadowHead[rt.url] {
			err = srv.tree.Set(m, rt.url, rt)
			delete(srv.shadowHead, rt.url)
		} else {
			err = srv.tree.Add(m, rt.url, rt)
		}
		if err != nil {
			return ErrRouteInvalidURL.withMessage("invalid route %s:%s: %v", m, rt.url, err)
		}
	}

	headWanted := !srv.opts.DisableHeadRoutes && !rt.opts.DisableHeadRoute
	if headWanted && slices.Contains(rt.methods, "GET") && !srv.tree.Has("HEAD", rt.url) {
		if err := srv.tree.Add("HEAD", rt.url, rt); err == nil {
			srv.shadowHead[rt.url] = true
		}
	}

	srv.routes = append(srv.routes, rt)
	return nil
}

func (e *Engine) on(methods []string, path string, handler any, opts []RouteOption) error {
	ro := RouteOptions{Methods: methods, URL: path, Handler: handler}
	for _, opt := range opts {
		opt(&ro)
	}
	return e.Route(ro)
}

// GET registers a GET route. handler is a HandlerFunc or a
// CallbackHandlerFunc.
func (e *Engine) GET(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"GET"}, path, handler, opts)
}

func (e *Engine) HEAD(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"HEAD"}, path, handler, opts)
}

func (e *Engine) POST(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"POST"}, path, handler, opts)
}

func (e *Engine) PUT(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"PUT"}, path, handler, opts)
}

func (e *Engine) PATCH(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"PATCH"}, path, handler, opts)
}

func (e *Engine) DELETE(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"DELETE"}, path, handler, opts)
}

func (e *Engine) OPTIONS(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"OPTIONS"}, path, handler, opts)
}

// All registers handler for every supported method
func (e *Engine) All(path string, handler any, opts ...RouteOption) error {
	return e.on([]string{"DELETE", "GET", "HEAD", "PATCH", "POST", "PUT", "OPTIONS"}, path, handler, opts)
}

// HasRoute reports whether method and url were declared
func (e *Engine) HasRoute(method, url string) bool {
	e.srv.mu.RLock()
	defer e.srv.mu.RUnlock()
	return e.srv.tree.Has(strings.ToUpper(method), url)
}

// SetErrorHandler sets the error handler of this scope and its children
func (e *Engine) SetErrorHandler(h ErrorHandler) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	e.errHandler = h
	return nil
}

// SetNotFoundHandler answers unmatched URLs under this scope's prefix.
// The handler runs through the scope hooks without body parsing.
func (e *Engine) SetNotFoundHandler(handler any) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	if _, _, ok := normalizeHandler(handler); !ok {
		return ErrRouteInvalidHandler.withMessage("not found handler must be a HandlerFunc or CallbackHandlerFunc, got %T", handler)
	}
	e.notFoundHandler = handler
	return nil
}

func (e *Engine) SetValidatorCompiler(vc schema.ValidatorCompiler) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	e.validatorComp = vc
	return nil
}

func (e *Engine) SetSerializerCompiler(sc schema.SerializerCompiler) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	e.serializerComp = sc
	return nil
}

// SetQueryParser replaces the query parser of the whole server
func (e *Engine) SetQueryParser(p QueryParser) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	if p == nil {
		p = DefaultQueryParser
	}
	e.srv.queryParser = p
	return nil
}

// SetGenReqID replaces the request id generator of the whole server
func (e *Engine) SetGenReqID(gen GenReqIDFunc) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	if gen == nil {
		gen = defaultGenReqID
	}
	e.srv.genReqID = gen
	return nil
}

// AddSchema adds a shared schema that routes can reference by $id
func (e *Engine) AddSchema(s schema.Schema) error {
	return e.srv.store.Add(s)
}

// GetSchemas returns copies of the shared schemas keyed by $id
func (e *Engine) GetSchemas() map[string]schema.Schema {
	return e.srv.store.All()
}

// AddContentTypeParser registers a body parser for a media type in this
// scope. "*" registers a catch-all.
func (e *Engine) AddContentTypeParser(contentType string, p BodyParser) error {
	if err := e.checkNotReady(); err != nil {
		return err
	}
	return e.parsers.add(contentType, p)
}

func (e *Engine) HasContentTypeParser(contentType string) bool {
	return e.parsers.has(contentType)
}

// Prefix returns the route prefix of the scope
func (e *Engine) Prefix() string {
	return e.prefix
}

func (e *Engine) Log() *zap.Logger {
	return e.srv.log
}

func (e *Engine) checkNotReady() error {
	if e.srv.ready.Load() {
		return ErrAlreadyReady
	}
	return nil
}

// effectiveHooks merges the hooks of every ancestor, root first
func (e *Engine) effectiveHooks() *Hooks {
	if e.parent == nil {
		return e.hooks.Merge(nil)
	}
	return e.parent.effectiveHooks().Merge(e.hooks)
}

func (e *Engine) errorHandler() ErrorHandler {
	for s := e; s != nil; s = s.parent {
		if s.errHandler != nil {
			return s.errHandler
		}
	}
	return nil
}

func (e *Engine) validatorCompiler() schema.ValidatorCompiler {
	for s := e; s != nil; s = s.parent {
		if s.validatorComp != nil {
			return s.validatorComp
		}
	}
	return e.srv.root.defaultValidator
}

func (e *Engine) serializerCompiler() schema.SerializerCompiler {
	for s := e; s != nil; s = s.parent {
		if s.serializerComp != nil {
			return s.serializerComp
		}
	}
	return e.srv.root.defaultSerializer
}

func joinPrefix(parent, prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && prefix[0] != '/' {
		prefix = "/" + prefix
	}
	return parent + prefix
}

func joinPath(prefix, path string) string {
	if prefix == "" {
		return path
	}
	if path == "/" || path == "" {
		return prefix
	}
	return prefix + path
}
