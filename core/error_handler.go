package core

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/searchktools/hookserver/core/codec"
)

// ErrorHandler turns an error into a response payload. Returning an error
// passes it on to the next handler in the chain: route, scope, default.
type ErrorHandler func(err error, req *Request, reply *Reply) (any, error)

// ErrorBody is the payload produced by DefaultErrorHandler
type ErrorBody struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func newErrorBody(status int, err error) ErrorBody {
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown Error"
	}
	return ErrorBody{
		StatusCode: status,
		Code:       errorCode(err),
		Error:      text,
		Message:    err.Error(),
	}
}

// DefaultErrorHandler logs err and answers with an ErrorBody for the status
// already chosen on the reply.
func DefaultErrorHandler(err error, _ *Request, reply *Reply) (any, error) {
	status := reply.StatusCode()
	if status >= http.StatusInternalServerError {
		reply.Log.Error("request errored", zap.Error(err), zap.Int("statusCode", status))
	} else {
		reply.Log.Info("request errored", zap.Error(err), zap.Int("statusCode", status))
	}
	return newErrorBody(status, err), nil
}

// handleError routes err through the error handler chain, then runs the
// onError hooks. An error sent from inside a handler is forwarded to the
// next handler instead of starting a new routing.
func (r *Reply) handleError(err error) {
	if r.errDepth > 0 {
		r.forwarded = err
		return
	}

	r.errDepth++
	r.routeError(err)
	r.errDepth--

	for _, hook := range r.route.hooks.onError {
		if herr := r.protect(func() error { hook(r.req, r, err); return nil }); herr != nil {
			r.Log.Error("onError hook failed", zap.Error(herr))
		}
	}
	if r.pendingFinish {
		r.pendingFinish = false
		r.complete()
	}
}

func (r *Reply) routeError(err error) {
	for _, handler := range r.route.errorHandlers {
		r.header.Del(HeaderContentType)
		r.header.Del(HeaderContentLength)
		r.status = statusFor(err, r.status)
		r.forwarded = nil

		var value any
		herr := r.protect(func() (e error) {
			value, e = handler(err, r.req, r)
			return e
		})
		if herr == nil {
			herr = r.forwarded
		}
		if herr != nil {
			err = herr
			continue
		}

		if !r.sent.Load() {
			_ = r.Send(value)
		}
		if r.sent.Load() {
			return
		}
		if r.forwarded != nil {
			err = r.forwarded
		}
	}
	r.writeFallback(err)
}

// writeFallback answers 500 directly, skipping hooks and serializers. It
// is the last resort when the error handlers themselves fail.
func (r *Reply) writeFallback(err error) {
	r.sent.Store(true)
	if r.committed.Load() {
		r.finish()
		return
	}
	r.Log.Error("error handler failed", zap.Error(err))

	r.status = http.StatusInternalServerError
	body, merr := codec.Marshal(newErrorBody(r.status, err))
	if merr != nil {
		body = []byte(`{"statusCode":500,"error":"Internal Server Error","message":"Internal Server Error"}`)
	}

	h := r.w.Header()
	h.Set(HeaderContentType, contentTypeJSON)
	h.Set(HeaderContentLength, strconv.Itoa(len(body)))
	r.committed.Store(true)
	r.w.WriteHeader(r.status)
	if r.req.Method() != http.MethodHead {
		_, _ = r.w.Write(body)
	}
	r.finish()
}
