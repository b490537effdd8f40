package core

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/searchktools/hookserver/core/codec"
)

// Ready builds every route: hooks are merged along the scope chain and
// schemas are compiled. After Ready nothing can be registered. The first
// call's result is returned by every later call.
func (e *Engine) Ready() error {
	srv := e.srv
	srv.readyOnce.Do(func() {
		srv.ready.Store(true)
		srv.readyErr = srv.build()
		if srv.readyErr != nil {
			srv.log.Error("server failed to become ready", zap.Error(srv.readyErr))
		}
	})
	return srv.readyErr
}

func (srv *server) build() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for _, rt := range srv.routes {
		if err := rt.build(); err != nil {
			return err
		}
	}

	if err := srv.buildNotFound(srv.root); err != nil {
		return err
	}
	notAllowed, err := srv.fallbackRoute(srv.root, HandlerFunc(methodNotAllowedHandler))
	if err != nil {
		return err
	}
	srv.notAllowed = notAllowed

	srv.root.seal()
	srv.store.Seal()
	return nil
}

// buildNotFound creates the not-found route of every scope that declared a
// handler. The root always has one.
func (srv *server) buildNotFound(e *Engine) error {
	handler := e.notFoundHandler
	if handler == nil && e.parent == nil {
		handler = HandlerFunc(defaultNotFoundHandler)
	}
	if handler != nil {
		rt, err := srv.fallbackRoute(e, handler)
		if err != nil {
			return err
		}
		srv.notFound = append(srv.notFound, rt)
	}
	for _, child := range e.children {
		if err := srv.buildNotFound(child); err != nil {
			return err
		}
	}
	return nil
}

func (srv *server) fallbackRoute(scope *Engine, handler any) (*route, error) {
	url := scope.prefix
	if url == "" {
		url = "/"
	}
	rt, err := newRoute(scope, RouteOptions{
		Methods: []string{"GET"},
		URL:     url,
		Prefix:  scope.prefix,
		Handler: handler,
	})
	if err != nil {
		return nil, err
	}
	rt.url = ""
	rt.notFound = true
	return rt, rt.build()
}

// notFoundFor picks the not-found route with the longest matching prefix
func (srv *server) notFoundFor(path string) *route {
	var best *route
	for _, rt := range srv.notFound {
		prefix := rt.scope.prefix
		if prefix != "" && path != prefix && !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		if best == nil || len(prefix) > len(best.scope.prefix) {
			best = rt
		}
	}
	return best
}

func defaultNotFoundHandler(req *Request, _ *Reply) (any, error) {
	return nil, routeNotFound(req.Method(), req.URL())
}

func methodNotAllowedHandler(req *Request, reply *Reply) (any, error) {
	reply.Header(HeaderAllow, strings.Join(req.allowed, ", "))
	return nil, methodNotAllowed(req.Method(), req.URL())
}

func (e *Engine) seal() {
	e.hooks.Seal()
	for _, child := range e.children {
		child.seal()
	}
}

// ServeHTTP dispatches one request through the lifecycle. It returns once
// the response is complete or the client went away.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv := e.srv
	if err := e.Ready(); err != nil {
		writeNotReady(w, err)
		return
	}

	m := srv.tree.Lookup(r.Method, r.URL.Path)
	rt := m.Value
	switch {
	case m.Found:
	case len(m.Allowed) > 0:
		rt = srv.notAllowed
	default:
		rt = srv.notFoundFor(r.URL.Path)
	}

	req := newRequest(srv, r, rt, m.Params)
	req.allowed = m.Allowed
	reply := newReply(w, req, rt)

	if !srv.opts.DisableRequestLogging {
		req.Log.Info("incoming request",
			zap.String("method", r.Method),
			zap.String("url", req.URL()),
			zap.String("hostname", req.Hostname),
			zap.String("remoteAddress", req.IP),
		)
	}

	rt.run(req, reply)

	select {
	case <-reply.finished:
	case <-r.Context().Done():
		if !reply.abort() {
			<-reply.finished
		}
	}
}

func writeNotReady(w http.ResponseWriter, err error) {
	body, _ := codec.Marshal(newErrorBody(http.StatusInternalServerError, err))
	w.Header().Set(HeaderContentType, contentTypeJSON)
	w.Header().Set(HeaderContentLength, strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(body)
}

// Close runs the onClose hooks, children before parents and the most
// recently registered first. Errors are joined. Later calls return the
// first result.
func (e *Engine) Close(ctx context.Context) error {
	srv := e.srv
	srv.closeOnce.Do(func() {
		srv.ready.Store(true)
		srv.closeErr = srv.root.runClose(ctx)
	})
	return srv.closeErr
}

func (e *Engine) runClose(ctx context.Context) error {
	var errs []error
	for i := len(e.children) - 1; i >= 0; i-- {
		errs = append(errs, e.children[i].runClose(ctx))
	}
	for i := len(e.hooks.onClose) - 1; i >= 0; i-- {
		if err := e.hooks.onClose[i](ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
