package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/searchktools/hookserver/core/codec"
)

// InjectOptions describes a request dispatched without a socket
type InjectOptions struct {
	Method string

	// URL may carry a query string; Path is accepted as an alias.
	URL  string
	Path string

	Query   map[string]string
	Headers map[string]string

	// Payload is sent verbatim when it is a string, []byte or io.Reader
	// and JSON encoded otherwise.
	Payload any

	RemoteAddr string
	Context    context.Context
}

// InjectResponse is the recorded response of an injected request
type InjectResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

func (r *InjectResponse) String() string {
	return string(r.Body)
}

// JSON decodes the body into v
func (r *InjectResponse) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Get reads a value from a JSON body with a gjson path
func (r *InjectResponse) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

func (r *InjectResponse) Header(key string) string {
	return r.Headers.Get(key)
}

// Inject runs a request through the same path as ServeHTTP and records
// the response. It fails only when the request cannot be built or the
// server cannot become ready.
func (e *Engine) Inject(opts InjectOptions) (*InjectResponse, error) {
	if err := e.Ready(); err != nil {
		return nil, err
	}

	req, err := newInjectRequest(opts)
	if err != nil {
		return nil, err
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &InjectResponse{
		StatusCode: res.StatusCode,
		Headers:    res.Header,
		Body:       body,
	}, nil
}

func newInjectRequest(opts InjectOptions) (*http.Request, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := opts.URL
	if target == "" {
		target = opts.Path
	}
	if target == "" {
		target = "/"
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if len(opts.Query) > 0 {
		q := u.Query()
		for k, v := range opts.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	body, contentType, err := injectBody(opts.Payload)
	if err != nil {
		return nil, err
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil && req.ContentLength == 0 {
		if _, known := body.(interface{ Len() int }); !known {
			req.ContentLength = -1
			req.TransferEncoding = []string{"chunked"}
		}
	}

	req.RequestURI = u.RequestURI()
	req.Host = "localhost:80"
	req.RemoteAddr = opts.RemoteAddr
	if req.RemoteAddr == "" {
		req.RemoteAddr = "127.0.0.1:80"
	}
	for k, v := range opts.Headers {
		if strings.EqualFold(k, "host") {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get(HeaderContentType) == "" {
		req.Header.Set(HeaderContentType, contentType)
	}
	return req, nil
}

func injectBody(payload any) (io.Reader, string, error) {
	switch p := payload.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(p), "", nil
	case []byte:
		return bytes.NewReader(p), "", nil
	case io.Reader:
		return p, "", nil
	default:
		b, err := codec.Marshal(p)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), contentTypeJSON, nil
	}
}
