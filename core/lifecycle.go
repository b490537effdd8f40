package core

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/searchktools/hookserver/core/schema"
)

// run drives one request through the lifecycle. Every stage hands its
// failure to the reply, which routes it to the error handlers; the run
// stops as soon as the reply was sent or the client went away.
func (rt *route) run(req *Request, reply *Reply) {
	defer func() {
		if v := recover(); v != nil {
			reply.Log.Error("recovered from panic", zap.Any("panic", v), zap.Stack("stack"))
			rt.sendError(reply, panicError(v))
		}
	}()

	if !rt.runHooks(OnRequest, req, reply) || !rt.runHooks(PreParsing, req, reply) {
		return
	}

	if !rt.notFound {
		if err := reply.protect(func() error { return rt.parseBody(req) }); err != nil {
			if reply.alive() {
				rt.sendError(reply, err)
			}
			return
		}
	}

	if !rt.runHooks(PreValidation, req, reply) || !rt.validate(req, reply) {
		return
	}
	if !rt.runHooks(PreHandler, req, reply) {
		return
	}
	rt.invoke(req, reply)
}

// runHooks runs the hooks of stage in order. It reports whether the
// lifecycle should go on.
func (rt *route) runHooks(stage Stage, req *Request, reply *Reply) bool {
	for _, hook := range rt.hooks.Lifecycle(stage) {
		if !reply.alive() {
			return false
		}
		if err := reply.protect(func() error { return hook(req, reply) }); err != nil {
			if reply.alive() {
				rt.sendError(reply, err)
			}
			return false
		}
	}
	return reply.alive()
}

// alive is the checkpoint between lifecycle steps. A cancelled request is
// aborted here.
func (r *Reply) alive() bool {
	if r.req.Context().Err() != nil {
		r.abort()
		return false
	}
	return !r.sent.Load()
}

func (rt *route) sendError(reply *Reply, err error) {
	if reply.Sent() {
		reply.Log.Error("error after reply was sent", zap.Error(err))
		reply.settle()
		return
	}
	_ = reply.Send(err)
}

// validate runs the compiled validators for headers, params, querystring
// and body. Coerced params and querystring values replace the originals.
func (rt *route) validate(req *Request, reply *Reply) bool {
	for _, part := range schema.Parts {
		fn := rt.compiled.Validator(part)
		if fn == nil {
			continue
		}

		var input any
		switch part {
		case schema.PartHeaders:
			input = headerMap(req.Headers)
		case schema.PartParams:
			input = req.Params
		case schema.PartQuerystring:
			input = req.Query
		case schema.PartBody:
			input = req.Body()
		}

		var value any
		err := reply.protect(func() (err error) {
			value, err = fn(input)
			return err
		})
		if errors.Is(err, ErrHandlerPanic) {
			rt.sendError(reply, err)
			return false
		}
		if err != nil {
			verr := asValidationError(part, err)
			if rt.opts.AttachValidation {
				req.validationErr = verr
				return true
			}
			rt.sendError(reply, verr)
			return false
		}

		if m, ok := value.(map[string]any); ok {
			switch part {
			case schema.PartParams:
				req.Params = m
			case schema.PartQuerystring:
				req.Query = m
			}
		}
	}
	return true
}

func asValidationError(part schema.Part, err error) *schema.ValidationError {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return &schema.ValidationError{Part: part, Issues: []schema.Issue{{Message: err.Error()}}}
}

// headerMap is the validator input for headers: lower-cased names, repeated
// values joined with ", ".
func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

// invoke calls the route handler. A value returned after an explicit send
// is rejected; (nil, nil) without a send answers an empty 200.
func (rt *route) invoke(req *Request, reply *Reply) {
	if rt.callback != nil {
		if err := reply.protect(func() error { rt.callback(req, reply); return nil }); err != nil {
			rt.sendError(reply, err)
		}
		return
	}

	var value any
	err := reply.protect(func() (err error) {
		value, err = rt.handler(req, reply)
		return err
	})
	switch {
	case err != nil:
		rt.sendError(reply, err)
	case value != nil && reply.Sent():
		reply.Log.Error("handler returned a value after the reply was sent", zap.Error(ErrReplyAlreadySent))
	case value != nil:
		_ = reply.Send(value)
	case !reply.Sent():
		_ = reply.Send(nil)
	}
}
