package middleware

import (
	"strconv"

	"github.com/searchktools/hookserver/core"
)

const HeaderResponseTime = "X-Response-Time"

// ResponseTime reports the time spent before the response was written,
// in milliseconds.
func ResponseTime() core.Plugin {
	return func(scope *core.Engine) error {
		return scope.AddHook("onSend", func(_ *core.Request, reply *core.Reply, payload any) (any, error) {
			ms := float64(reply.ElapsedTime().Microseconds()) / 1000
			reply.Header(HeaderResponseTime, strconv.FormatFloat(ms, 'f', 3, 64)+"ms")
			return payload, nil
		})
	}
}
