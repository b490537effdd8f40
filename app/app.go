// Package app assembles a configured engine, its middleware and the HTTP
// transport into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ridge/parallel"
	"go.uber.org/zap"

	"github.com/searchktools/hookserver/config"
	"github.com/searchktools/hookserver/core"
	"github.com/searchktools/hookserver/core/http2"
	"github.com/searchktools/hookserver/core/middleware"
	"github.com/searchktools/hookserver/core/observability"
)

const (
	metricsNamespace = "hookserver"
	analyzeInterval  = 10 * time.Second

	// PerformancePath serves the latency report outside production
	PerformancePath = "/debug/performance"
)

// App is one server instance
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	engine *core.Engine

	metrics *observability.Metrics
	monitor *observability.PerformanceMonitor
	limiter *middleware.Limiter

	tasks []task
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// New builds the engine described by cfg and installs the ambient
// plugins. Application routes are added through Engine before Run.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		cfg: cfg,
		log: log,
		engine: core.New(core.Options{
			Logger:                log,
			BodyLimit:             cfg.BodyLimit,
			RequestIDHeader:       cfg.RequestIDHeader,
			TrustProxy:            cfg.TrustProxy,
			DisableRequestLogging: !cfg.RequestLogging,
		}),
		metrics: observability.NewMetrics(metricsNamespace),
		monitor: observability.NewPerformanceMonitor(),
	}

	plugins := []core.Plugin{
		middleware.RequestID(core.HeaderRequestID),
		middleware.ResponseTime(),
		a.metrics.Plugin(),
		a.monitor.Plugin(),
	}
	if cfg.RateLimit.RPS > 0 {
		a.limiter = middleware.NewLimiter(middleware.RateLimitConfig{
			RPS:     cfg.RateLimit.RPS,
			Burst:   cfg.RateLimit.Burst,
			IdleTTL: cfg.RateLimit.IdleTTL,
		})
		plugins = append(plugins, a.limiter.Plugin())
	}
	if err := a.engine.Use(middleware.Chain(plugins...)); err != nil {
		return nil, fmt.Errorf("installing middleware: %w", err)
	}

	if cfg.MetricsPath != "" {
		if err := a.engine.GET(cfg.MetricsPath, a.metrics.RouteHandler); err != nil {
			return nil, fmt.Errorf("declaring metrics route: %w", err)
		}
	}
	if !cfg.IsProduction() {
		if err := a.engine.GET(PerformancePath, a.monitor.ReportHandler); err != nil {
			return nil, fmt.Errorf("declaring performance route: %w", err)
		}
	}

	err := a.engine.AddHook("onClose", func(context.Context, *core.Engine) error {
		log.Info("engine closed", zap.Uint64("requests", a.monitor.TotalRequests()))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Engine returns the root scope for route and plugin registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

func (a *App) Monitor() *observability.PerformanceMonitor {
	return a.monitor
}

// Go adds a background task running next to the server. It is cancelled
// at shutdown; an error stops the server.
func (a *App) Go(name string, fn func(ctx context.Context) error) {
	a.tasks = append(a.tasks, task{name: name, fn: fn})
}

// Run listens on the configured address and serves until ctx is done
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve makes the engine ready and serves ln until ctx is done. The
// engine is closed once the transport has drained.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.engine.Ready(); err != nil {
		ln.Close()
		return err
	}

	srv := http2.NewServer(ln, http2.Config{
		Handler:         a.engine,
		Logger:          a.log,
		H2C:             a.cfg.HTTP2,
		ReadTimeout:     a.cfg.ReadTimeout,
		WriteTimeout:    a.cfg.WriteTimeout,
		IdleTimeout:     a.cfg.IdleTimeout,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
	})
	a.log.Info("server starting",
		zap.Stringer("addr", ln.Addr()),
		zap.String("env", a.cfg.Env),
		zap.Bool("http2", a.cfg.HTTP2))

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("http", parallel.Exit, srv.Run)
		spawn("monitor", parallel.Continue, func(ctx context.Context) error {
			return a.monitor.Run(ctx, analyzeInterval)
		})
		if a.limiter != nil {
			spawn("ratelimit", parallel.Continue, func(ctx context.Context) error {
				return a.limiter.Run(ctx, 0)
			})
		}
		for _, t := range a.tasks {
			spawn(t.name, parallel.Continue, t.fn)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, a.engine.Close(closeCtx))
}
