package core

import (
	"context"
	"fmt"
	"sync"
)

// Stage is one step of the request lifecycle or of the application
// lifecycle that hooks can be attached to.
type Stage uint8

const (
	OnRequest Stage = iota
	PreParsing
	PreValidation
	PreHandler
	PreSerialization
	OnSend
	OnResponse
	OnError
	OnRoute
	OnRegister
	OnClose

	numStages
)

var stageNames = [numStages]string{
	OnRequest:        "onRequest",
	PreParsing:       "preParsing",
	PreValidation:    "preValidation",
	PreHandler:       "preHandler",
	PreSerialization: "preSerialization",
	OnSend:           "onSend",
	OnResponse:       "onResponse",
	OnError:          "onError",
	OnRoute:          "onRoute",
	OnRegister:       "onRegister",
	OnClose:          "onClose",
}

func (s Stage) String() string {
	if s < numStages {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// ParseStage resolves a hook name such as "preHandler"
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, ErrHookInvalidType.withMessage("%q is not a valid hook stage", name)
}

// Hook handler shapes. Request stages accept either the returning form or
// the completion-callback form; the callback form is adapted on
// registration.
type (
	DoneFunc        func(err error)
	PayloadDoneFunc func(err error, payload any)

	HookFunc            func(req *Request, reply *Reply) error
	DoneHookFunc        func(req *Request, reply *Reply, done DoneFunc)
	PayloadHookFunc     func(req *Request, reply *Reply, payload any) (any, error)
	PayloadDoneHookFunc func(req *Request, reply *Reply, payload any, done PayloadDoneFunc)
	ErrorHookFunc       func(req *Request, reply *Reply, err error)
	RouteHookFunc       func(opts *RouteOptions) error
	RegisterHookFunc    func(scope *Engine) error
	CloseHookFunc       func(ctx context.Context, scope *Engine) error
)

// Hooks stores the ordered handlers of every stage. Append order is
// execution order.
type Hooks struct {
	lifecycle  [numStages][]HookFunc
	payload    [numStages][]PayloadHookFunc
	onError    []ErrorHookFunc
	onRoute    []RouteHookFunc
	onRegister []RegisterHookFunc
	onClose    []CloseHookFunc
	sealed     bool
}

// NewHooks creates an empty registry
func NewHooks() *Hooks {
	return &Hooks{}
}

// Add registers fn for the stage called name
func (h *Hooks) Add(name string, fn any) error {
	stage, err := ParseStage(name)
	if err != nil {
		return err
	}
	return h.AddStage(stage, fn)
}

// AddStage registers fn for stage. It fails with ErrHookInvalidHandler when
// fn does not have one of the shapes the stage accepts.
func (h *Hooks) AddStage(stage Stage, fn any) error {
	if h.sealed {
		return ErrAlreadyReady.withMessage("cannot add %s hook once the server is ready", stage)
	}
	if fn == nil {
		return h.invalid(stage, fn)
	}

	switch stage {
	case OnRequest, PreParsing, PreValidation, PreHandler, OnResponse:
		var hook HookFunc
		switch f := fn.(type) {
		case HookFunc:
			hook = f
		case func(*Request, *Reply) error:
			hook = f
		case DoneHookFunc:
			hook = adaptDone(f)
		case func(*Request, *Reply, DoneFunc):
			hook = adaptDone(f)
		case func(*Request, *Reply, func(error)):
			hook = adaptDone(func(req *Request, reply *Reply, done DoneFunc) { f(req, reply, done) })
		default:
			return h.invalid(stage, fn)
		}
		h.lifecycle[stage] = append(h.lifecycle[stage], hook)

	case PreSerialization, OnSend:
		var hook PayloadHookFunc
		switch f := fn.(type) {
		case PayloadHookFunc:
			hook = f
		case func(*Request, *Reply, any) (any, error):
			hook = f
		case PayloadDoneHookFunc:
			hook = adaptPayloadDone(f)
		case func(*Request, *Reply, any, PayloadDoneFunc):
			hook = adaptPayloadDone(f)
		case func(*Request, *Reply, any, func(error, any)):
			hook = adaptPayloadDone(func(req *Request, reply *Reply, p any, done PayloadDoneFunc) { f(req, reply, p, done) })
		default:
			return h.invalid(stage, fn)
		}
		h.payload[stage] = append(h.payload[stage], hook)

	case OnError:
		switch f := fn.(type) {
		case ErrorHookFunc:
			h.onError = append(h.onError, f)
		case func(*Request, *Reply, error):
			h.onError = append(h.onError, f)
		default:
			return h.invalid(stage, fn)
		}

	case OnRoute:
		switch f := fn.(type) {
		case RouteHookFunc:
			h.onRoute = append(h.onRoute, f)
		case func(*RouteOptions) error:
			h.onRoute = append(h.onRoute, f)
		case func(*RouteOptions):
			h.onRoute = append(h.onRoute, func(o *RouteOptions) error { f(o); return nil })
		default:
			return h.invalid(stage, fn)
		}

	case OnRegister:
		switch f := fn.(type) {
		case RegisterHookFunc:
			h.onRegister = append(h.onRegister, f)
		case func(*Engine) error:
			h.onRegister = append(h.onRegister, f)
		case func(*Engine):
			h.onRegister = append(h.onRegister, func(e *Engine) error { f(e); return nil })
		default:
			return h.invalid(stage, fn)
		}

	case OnClose:
		switch f := fn.(type) {
		case CloseHookFunc:
			h.onClose = append(h.onClose, f)
		case func(context.Context, *Engine) error:
			h.onClose = append(h.onClose, f)
		case func(*Engine) error:
			h.onClose = append(h.onClose, func(_ context.Context, e *Engine) error { return f(e) })
		default:
			return h.invalid(stage, fn)
		}

	default:
		return ErrHookInvalidType.withMessage("%s is not a valid hook stage", stage)
	}
	return nil
}

func (h *Hooks) invalid(stage Stage, fn any) error {
	return ErrHookInvalidHandler.withMessage("%s hook callback must be a function with a %s signature, got %T", stage, stage, fn)
}

// Len returns the number of handlers registered for stage
func (h *Hooks) Len(stage Stage) int {
	return len(h.List(stage))
}

// List returns the handlers of stage in execution order. Callback-style
// hooks are returned in their adapted form.
func (h *Hooks) List(stage Stage) []any {
	var out []any
	switch stage {
	case PreSerialization, OnSend:
		for _, fn := range h.payload[stage] {
			out = append(out, fn)
		}
	case OnError:
		for _, fn := range h.onError {
			out = append(out, fn)
		}
	case OnRoute:
		for _, fn := range h.onRoute {
			out = append(out, fn)
		}
	case OnRegister:
		for _, fn := range h.onRegister {
			out = append(out, fn)
		}
	case OnClose:
		for _, fn := range h.onClose {
			out = append(out, fn)
		}
	default:
		if stage < numStages {
			for _, fn := range h.lifecycle[stage] {
				out = append(out, fn)
			}
		}
	}
	return out
}

// Lifecycle returns the handlers of a request stage that takes no payload
func (h *Hooks) Lifecycle(stage Stage) []HookFunc {
	return h.lifecycle[stage]
}

// Payload returns the handlers of preSerialization or onSend
func (h *Hooks) Payload(stage Stage) []PayloadHookFunc {
	return h.payload[stage]
}

// Merge returns a registry holding h's handlers followed by child's, for
// every stage. Neither input is modified.
func (h *Hooks) Merge(child *Hooks) *Hooks {
	out := &Hooks{}
	for _, src := range []*Hooks{h, child} {
		if src == nil {
			continue
		}
		for i := range src.lifecycle {
			out.lifecycle[i] = append(out.lifecycle[i], src.lifecycle[i]...)
			out.payload[i] = append(out.payload[i], src.payload[i]...)
		}
		out.onError = append(out.onError, src.onError...)
		out.onRoute = append(out.onRoute, src.onRoute...)
		out.onRegister = append(out.onRegister, src.onRegister...)
		out.onClose = append(out.onClose, src.onClose...)
	}
	return out
}

// Seal rejects further registrations
func (h *Hooks) Seal() {
	h.sealed = true
}

// adaptDone turns a completion-callback hook into the returning form. The
// first call of done wins. The wait also ends when the hook completed the
// reply without calling done, or when the request is cancelled.
func adaptDone(fn DoneHookFunc) HookFunc {
	return func(req *Request, reply *Reply) error {
		result := make(chan error, 1)
		var once sync.Once
		fn(req, reply, func(err error) {
			once.Do(func() { result <- err })
		})

		select {
		case err := <-result:
			return err
		case <-reply.finished:
			return nil
		case <-req.Context().Done():
			return req.Context().Err()
		}
	}
}

type payloadResult struct {
	err     error
	payload any
}

func adaptPayloadDone(fn PayloadDoneHookFunc) PayloadHookFunc {
	return func(req *Request, reply *Reply, payload any) (any, error) {
		result := make(chan payloadResult, 1)
		var once sync.Once
		fn(req, reply, payload, func(err error, p any) {
			once.Do(func() { result <- payloadResult{err, p} })
		})

		select {
		case r := <-result:
			return r.payload, r.err
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}
