/*
Package hookserver is an HTTP framework built around a hook-driven request
lifecycle with JSON Schema validation and serialization.

Every request passes through a fixed sequence of stages. Hooks can be
attached to each stage at the instance, scope or route level:

	onRequest -> preParsing -> body parsing -> preValidation -> validation
	  -> preHandler -> handler -> preSerialization -> serialization
	  -> onSend -> write -> onResponse

A hook may answer the request itself, which skips the remaining stages up
to onSend. Errors from any stage are routed to the nearest error handler,
the route's first, then the enclosing scopes, then the built-in one.

Quick Start

	cfg, _ := config.Load()
	log := logger.Must(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	application, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	engine := application.Engine()

	engine.GET("/users/:id", func(req *core.Request, reply *core.Reply) (any, error) {
		return map[string]any{"id": req.Params["id"]}, nil
	}, core.WithSchema(&schema.RouteSchema{
		Params: schema.Schema{"id": schema.Schema{"type": "integer"}},
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return application.Run(ctx)

Scopes

Register runs a plugin in a child scope. Hooks, error handlers, content
type parsers and compilers declared in a child are invisible to its parent
and siblings, while everything declared in the parent is inherited.

	engine.Register(func(api *core.Engine) error {
		api.AddHook("preHandler", authenticate)
		return api.GET("/me", me)
	}, core.WithPrefix("/api"))

Testing

Inject runs a request through the full lifecycle without a socket:

	res, err := engine.Inject(core.InjectOptions{Method: "POST", URL: "/users", Payload: user})

Packages

  - app: assembles the engine, middleware and transport
  - config: configuration from defaults, YAML, .env and the environment
  - logger: zap logger construction
  - core: engine, hooks, request and reply, lifecycle, error routing, inject
  - core/router: radix tree router with path parameters
  - core/schema: JSON Schema validation, coercion and response serialization
  - core/codec: JSON and protobuf payload codecs
  - core/pools: buffer pools
  - core/middleware: CORS, request id, response time and rate limiting plugins
  - core/observability: Prometheus metrics and latency bottleneck detection
  - core/http2: HTTP/1.1 and HTTP/2 (TLS or h2c) transport
*/
package hookserver
