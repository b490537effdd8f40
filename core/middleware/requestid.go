package middleware

import (
	"github.com/searchktools/hookserver/core"
)

// RequestID echoes the request id in the response header named header,
// core.HeaderRequestID if empty.
func RequestID(header string) core.Plugin {
	if header == "" {
		header = core.HeaderRequestID
	}
	return func(scope *core.Engine) error {
		return scope.AddHook("onSend", func(req *core.Request, reply *core.Reply, payload any) (any, error) {
			reply.Header(header, req.ID())
			return payload, nil
		})
	}
}
