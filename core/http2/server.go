// Package http2 serves a handler over HTTP/1.1 and HTTP/2, with TLS ALPN
// or in cleartext (h2c).
package http2

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ridge/parallel"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server runs an http.Server until its context is cancelled, then shuts
// it down gracefully.
type Server struct {
	listener net.Listener
	server   *http.Server
	h2       *http2.Server
	log      *zap.Logger

	shutdownTimeout time.Duration
	tls             bool
	protocol        string

	stats struct {
		active           atomic.Int64
		totalConnections atomic.Uint64
	}
}

// Config contains the transport configuration
type Config struct {
	Handler   http.Handler
	Logger    *zap.Logger
	TLSConfig *tls.Config

	// H2C enables HTTP/2 without TLS. Ignored when TLSConfig is set.
	H2C bool

	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	ShutdownTimeout      time.Duration
}

// Stats counts connections seen by the server
type Stats struct {
	Active           int64
	TotalConnections uint64
}

// NewServer prepares a server accepting connections from listener
func NewServer(listener net.Listener, cfg Config) *Server {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		listener:        listener,
		log:             cfg.Logger.With(zap.Stringer("listen", listener.Addr())),
		shutdownTimeout: cfg.ShutdownTimeout,
		h2: &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			MaxReadFrameSize:     cfg.MaxReadFrameSize,
			IdleTimeout:          cfg.IdleTimeout,
		},
	}

	handler := cfg.Handler
	switch {
	case cfg.TLSConfig != nil:
		s.tls = true
		s.protocol = "h2"
	case cfg.H2C:
		handler = h2c.NewHandler(handler, s.h2)
		s.protocol = "h2c"
	default:
		s.protocol = "http/1.1"
	}

	s.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(cfg.Logger.Named("http")),
		ConnState:    s.connState,
	}
	if s.tls {
		tc := cfg.TLSConfig.Clone()
		tc.NextProtos = []string{"h2", "http/1.1"}
		s.server.TLSConfig = tc
		if err := http2.ConfigureServer(s.server, s.h2); err != nil {
			s.log.Warn("http2 configuration failed, serving HTTP/1.1 only", zap.Error(err))
		}
	}
	return s
}

// Run serves until ctx is done, then waits up to the shutdown timeout for
// in-flight requests. A shutdown caused by ctx returns nil.
func (s *Server) Run(ctx context.Context) error {
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("serve", parallel.Fail, func(ctx context.Context) error {
			s.log.Info("serving requests", zap.String("protocol", s.protocol))
			var err error
			if s.tls {
				err = s.server.ServeTLS(s.listener, "", "")
			} else {
				err = s.server.Serve(s.listener)
			}
			if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		})

		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			s.log.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
			defer cancel()
			defer s.server.Close()

			if err := s.server.Shutdown(shutdownCtx); err != nil && shutdownCtx.Err() != nil {
				s.log.Warn("shutdown timed out", zap.Error(err))
				return err
			}
			s.log.Info("shutdown complete")
			return ctx.Err()
		})
		return nil
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Stats() Stats {
	return Stats{
		Active:           s.stats.active.Load(),
		TotalConnections: s.stats.totalConnections.Load(),
	}
}

func (s *Server) connState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.stats.totalConnections.Add(1)
		s.stats.active.Add(1)
	case http.StateClosed, http.StateHijacked:
		s.stats.active.Add(-1)
	}
}
