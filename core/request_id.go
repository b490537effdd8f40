package core

import (
	"net/http"

	"github.com/google/uuid"
)

// GenReqIDFunc produces the identifier of a request that did not carry one
type GenReqIDFunc func(raw *http.Request) string

func defaultGenReqID(*http.Request) string {
	return uuid.NewString()
}

// requestID reuses the id sent in the configured header, if any
func (srv *server) requestID(raw *http.Request) string {
	if srv.opts.RequestIDHeader != "" {
		if id := raw.Header.Get(srv.opts.RequestIDHeader); id != "" {
			return id
		}
	}
	return srv.genReqID(raw)
}
