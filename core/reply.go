package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/hookserver/core/codec"
	"github.com/searchktools/hookserver/core/schema"
)

// Reply accumulates the response of one request and writes it exactly once.
// Only one lifecycle stage uses a Reply at a time.
type Reply struct {
	Log *zap.Logger

	w          http.ResponseWriter
	req        *Request
	route      *route
	status     int
	header     http.Header
	serializer schema.SerializerFunc
	start      time.Time

	// sent is the send-once latch. committed is set when the status line
	// and headers went to the transport.
	sent      atomic.Bool
	committed atomic.Bool

	finished   chan struct{}
	finishOnce sync.Once

	errDepth      int
	pendingFinish bool
	forwarded     error

	// codeErr holds a rejected status until the next send
	codeErr error
	// senders counts Send calls in progress
	senders atomic.Int32
}

func newReply(w http.ResponseWriter, req *Request, rt *route) *Reply {
	return &Reply{
		Log:      req.Log,
		w:        w,
		req:      req,
		route:    rt,
		status:   http.StatusOK,
		header:   make(http.Header),
		start:    time.Now(),
		finished: make(chan struct{}),
	}
}

// Code sets the response status. A status outside 100-599 is not stored;
// the next send fails with ErrBadStatusCode instead.
func (r *Reply) Code(status int) *Reply {
	if r.locked("Code") {
		return r
	}
	if status < 100 || status > 599 {
		r.codeErr = ErrBadStatusCode.withMessage("Called reply with an invalid status code: %d", status)
		r.Log.Error("invalid status code", zap.Int("statusCode", status))
		return r
	}
	r.status = status
	return r
}

func (r *Reply) StatusCode() int {
	return r.status
}

// Header sets a response header, replacing previous values
func (r *Reply) Header(key, value string) *Reply {
	if r.locked("Header") {
		return r
	}
	r.header.Set(key, value)
	return r
}

// Headers sets several response headers
func (r *Reply) Headers(headers map[string]string) *Reply {
	if r.locked("Headers") {
		return r
	}
	for k, v := range headers {
		r.header.Set(k, v)
	}
	return r
}

func (r *Reply) GetHeader(key string) string {
	return r.header.Get(key)
}

func (r *Reply) HasHeader(key string) bool {
	_, ok := r.header[http.CanonicalHeaderKey(key)]
	return ok
}

func (r *Reply) RemoveHeader(key string) *Reply {
	if r.locked("RemoveHeader") {
		return r
	}
	r.header.Del(key)
	return r
}

// Type sets the Content-Type header
func (r *Reply) Type(contentType string) *Reply {
	return r.Header(HeaderContentType, contentType)
}

// Serializer overrides the serialization of structured payloads for this
// reply.
func (r *Reply) Serializer(fn schema.SerializerFunc) *Reply {
	if r.locked("Serializer") {
		return r
	}
	r.serializer = fn
	return r
}

// Redirect sends an empty response with a Location header
func (r *Reply) Redirect(status int, url string) error {
	r.Header(HeaderLocation, url).Code(status)
	return r.Send(nil)
}

// Sent reports whether a terminal response was started
func (r *Reply) Sent() bool {
	return r.sent.Load()
}

// ElapsedTime returns the time since the request entered the lifecycle
func (r *Reply) ElapsedTime() time.Duration {
	return time.Since(r.start)
}

// Raw returns the transport response writer
func (r *Reply) Raw() http.ResponseWriter {
	return r.w
}

func (r *Reply) Request() *Request {
	return r.req
}

// Send starts the terminal response. An error payload is routed to the
// error handlers. A second Send returns ErrReplyAlreadySent and writes
// nothing.
func (r *Reply) Send(payload any) error {
	if err, ok := payload.(error); ok {
		if r.sent.Load() {
			r.Log.Warn("reply was already sent", zap.Error(ErrReplyAlreadySent), zap.NamedError("payload", err))
			return ErrReplyAlreadySent
		}
		r.handleError(err)
		return nil
	}

	r.senders.Add(1)
	defer r.senders.Add(-1)
	if !r.sent.CompareAndSwap(false, true) {
		r.Log.Warn("reply was already sent", zap.Error(ErrReplyAlreadySent))
		return ErrReplyAlreadySent
	}
	r.pipeline(payload)
	return nil
}

// settle finishes a sent reply nobody is writing any more, so that
// onResponse runs and ServeHTTP returns.
func (r *Reply) settle() {
	if !r.sent.Load() || r.senders.Load() > 0 {
		return
	}
	select {
	case <-r.finished:
	default:
		r.finish()
	}
}

func (r *Reply) locked(op string) bool {
	if !r.committed.Load() {
		return false
	}
	r.Log.Warn("reply was already sent", zap.String("operation", op), zap.Error(ErrReplyAlreadySent))
	return true
}

// pipeline runs preSerialization, serialization and onSend, then writes
func (r *Reply) pipeline(payload any) {
	if err := r.codeErr; err != nil {
		r.codeErr = nil
		closeStream(payload)
		r.fail(err)
		return
	}
	if !isRaw(payload) && r.serializes() {
		var err error
		if payload, err = r.runPayloadHooks(PreSerialization, payload); err != nil {
			r.fail(err)
			return
		}
		if !isRaw(payload) {
			var body []byte
			err = r.protect(func() (err error) {
				body, err = r.serialize(payload)
				return err
			})
			if err != nil {
				r.fail(err)
				return
			}
			if r.header.Get(HeaderContentType) == "" {
				r.header.Set(HeaderContentType, contentTypeJSON)
			}
			payload = body
		}
	}

	payload, err := r.runPayloadHooks(OnSend, payload)
	if err != nil {
		r.fail(err)
		return
	}

	if r.req.Context().Err() != nil {
		closeStream(payload)
		r.finish()
		return
	}
	if err := r.protect(func() error { return r.write(payload) }); err != nil {
		r.fail(err)
		return
	}
	r.finish()
}

func (r *Reply) serializes() bool {
	if r.serializer != nil {
		return true
	}
	ct := r.header.Get(HeaderContentType)
	return ct == "" || strings.Contains(ct, "json")
}

func (r *Reply) serialize(payload any) ([]byte, error) {
	if r.serializer != nil {
		return r.serializer(payload)
	}
	if fn := r.route.compiled.Serializer(r.status); fn != nil {
		return fn(payload)
	}
	return codec.ForValue(payload).Encode(payload)
}

func (r *Reply) runPayloadHooks(stage Stage, payload any) (any, error) {
	for _, hook := range r.route.hooks.Payload(stage) {
		var next any
		err := r.protect(func() (err error) {
			next, err = hook(r.req, r, payload)
			return err
		})
		if err != nil {
			return payload, err
		}
		if next != nil {
			payload = next
		}
	}
	return payload, nil
}

// write commits status, headers and body to the transport
func (r *Reply) write(payload any) error {
	var (
		body   []byte
		stream io.Reader
	)
	switch p := payload.(type) {
	case nil:
	case string:
		body = []byte(p)
		r.defaultType(contentTypeText)
	case []byte:
		body = p
		r.defaultType(contentTypeBinary)
	case io.Reader:
		stream = p
	default:
		return invalidPayloadType(payload)
	}

	bodyless := r.status < http.StatusOK || r.status == http.StatusNoContent || r.status == http.StatusNotModified
	switch {
	case bodyless:
		r.header.Del(HeaderContentLength)
	case stream == nil && r.header.Get(HeaderContentLength) == "":
		r.header.Set(HeaderContentLength, strconv.Itoa(len(body)))
	}

	dst := r.w.Header()
	for k, v := range r.header {
		dst[k] = v
	}
	if stream != nil && r.header.Get(HeaderContentType) == "" {
		// nil suppresses net/http content sniffing
		dst[HeaderContentType] = nil
	}
	r.committed.Store(true)
	r.w.WriteHeader(r.status)

	if stream != nil {
		defer closeStream(stream)
	}
	if bodyless || r.req.Method() == http.MethodHead {
		return nil
	}
	if stream != nil {
		var dst io.Writer = r.w
		if f, ok := r.w.(http.Flusher); ok {
			dst = flushWriter{w: r.w, f: f}
		}
		_, err := io.Copy(dst, stream)
		if err != nil {
			r.Log.Warn("response stream failed", zap.Error(err))
		}
		return nil
	}
	if len(body) > 0 {
		if _, err := r.w.Write(body); err != nil {
			r.Log.Debug("response write failed", zap.Error(err))
		}
	}
	return nil
}

func (r *Reply) defaultType(ct string) {
	if r.header.Get(HeaderContentType) == "" {
		r.header.Set(HeaderContentType, ct)
	}
}

// fail handles an error raised after the latch was taken but before
// anything was written.
func (r *Reply) fail(err error) {
	if r.committed.Load() {
		r.Log.Error("response failed after headers were written", zap.Error(err))
		r.finish()
		return
	}
	if r.errDepth > 0 {
		r.writeFallback(err)
		return
	}
	r.sent.Store(false)
	r.handleError(err)
}

// finish runs onResponse once the response is complete. Inside error
// routing it is deferred until the onError hooks ran.
func (r *Reply) finish() {
	if r.errDepth > 0 {
		r.pendingFinish = true
		return
	}
	r.complete()
}

func (r *Reply) complete() {
	r.finishOnce.Do(func() {
		for _, hook := range r.route.hooks.Lifecycle(OnResponse) {
			if err := r.protect(func() error { return hook(r.req, r) }); err != nil {
				r.Log.Error("onResponse hook failed", zap.Error(err))
			}
		}
		if !r.route.srv.opts.DisableRequestLogging {
			r.Log.Info("request completed",
				zap.Int("statusCode", r.status),
				zap.Duration("responseTime", r.ElapsedTime()),
			)
		}
		close(r.finished)
	})
}

// abort takes the latch for a request whose client went away. Nothing is
// written; onResponse still runs. It reports false when a response was
// already started.
func (r *Reply) abort() bool {
	if !r.sent.CompareAndSwap(false, true) {
		return false
	}
	r.Log.Info("request aborted", zap.Error(context.Cause(r.req.Context())))
	r.complete()
	return true
}

// protect converts a panic in fn into an error
func (r *Reply) protect(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			r.Log.Error("recovered from panic", zap.Any("panic", v), zap.Stack("stack"))
			err = panicError(v)
		}
	}()
	return fn()
}

func panicError(v any) error {
	e := *ErrHandlerPanic
	if err, ok := v.(error); ok {
		e.cause = err
	} else {
		e.cause = fmt.Errorf("panic: %v", v)
	}
	return &e
}

func isRaw(payload any) bool {
	switch payload.(type) {
	case nil, string, []byte, io.Reader:
		return true
	}
	return false
}

func closeStream(payload any) {
	if c, ok := payload.(io.Closer); ok {
		_ = c.Close()
	}
}

// flushWriter pushes every chunk of a streamed body to the client
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}
