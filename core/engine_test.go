package core_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hookserver/core"
	"github.com/searchktools/hookserver/core/schema"
)

func hello(*core.Request, *core.Reply) (any, error) {
	return map[string]any{"hello": "world"}, nil
}

func TestGetJSON(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/", hello))

	res := inject(t, e, core.InjectOptions{URL: "/"})
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", res.Header("Content-Type"))
	assert.Equal(t, "17", res.Header("Content-Length"))
	assert.Equal(t, `{"hello":"world"}`, res.String())
}

func TestServeHTTP(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/users/:id", func(req *core.Request, _ *core.Reply) (any, error) {
		return req.Param("id"), nil
	}))

	srv := httptest.NewServer(e)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/users/42")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
}

func TestRouteValidation(t *testing.T) {
	e := core.New(core.Options{})

	err := e.Route(core.RouteOptions{Method: "BREW", URL: "/", Handler: core.HandlerFunc(hello)})
	assert.ErrorIs(t, err, core.ErrRouteInvalidMethod)

	err = e.Route(core.RouteOptions{Method: "GET", URL: "missing-slash", Handler: core.HandlerFunc(hello)})
	assert.ErrorIs(t, err, core.ErrRouteInvalidURL)

	err = e.Route(core.RouteOptions{Method: "GET", URL: "/"})
	assert.ErrorIs(t, err, core.ErrRouteMissingHandler)

	err = e.Route(core.RouteOptions{Method: "GET", URL: "/", Handler: "nope"})
	assert.ErrorIs(t, err, core.ErrRouteInvalidHandler)

	err = e.GET("/", hello, core.WithBodyLimit(-1))
	assert.ErrorIs(t, err, core.ErrRouteInvalidBodyLimit)
	assert.EqualError(t, err, "'bodyLimit' option must be an integer > 0. Got '-1'")

	err = e.GET("/", hello, core.WithHook("onRoute", func(*core.RouteOptions) {}))
	assert.ErrorIs(t, err, core.ErrHookInvalidType)

	err = e.GET("/", hello, core.WithLogLevel("loud"))
	assert.ErrorIs(t, err, core.ErrRouteInvalidOption)

	assert.False(t, e.HasRoute("GET", "/"), "rejected routes are not registered")
}

func TestDuplicateRoute(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/a", hello))

	err := e.GET("/a", hello)
	assert.ErrorIs(t, err, core.ErrRouteDuplicated)
	assert.EqualError(t, err, "Method 'GET' already declared for route '/a'")

	require.NoError(t, e.POST("/a", hello))
}

func TestHeadRoutes(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/auto", hello))
	require.NoError(t, e.GET("/explicit", hello))
	require.NoError(t, e.HEAD("/explicit", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Header("X-Explicit", "yes")
		return nil, nil
	}))
	require.NoError(t, e.GET("/none", hello, core.WithoutHeadRoute()))

	res := inject(t, e, core.InjectOptions{Method: "HEAD", URL: "/auto"})
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", res.Header("Content-Type"))
	assert.Equal(t, "17", res.Header("Content-Length"))
	assert.Empty(t, res.Body)

	res = inject(t, e, core.InjectOptions{Method: "HEAD", URL: "/explicit"})
	assert.Equal(t, "yes", res.Header("X-Explicit"))

	res = inject(t, e, core.InjectOptions{Method: "HEAD", URL: "/none"})
	assert.Equal(t, 405, res.StatusCode)
}

func TestNotFound(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/", hello))

	res := inject(t, e, core.InjectOptions{URL: "/missing"})
	assert.Equal(t, 404, res.StatusCode)
	assert.JSONEq(t, `{
		"statusCode": 404,
		"code": "FST_ERR_NOT_FOUND",
		"error": "Not Found",
		"message": "Route GET:/missing not found"
	}`, res.String())
}

func TestScopedNotFound(t *testing.T) {
	e := core.New(core.Options{})
	var rootHook, apiHook int

	require.NoError(t, e.AddHook("onRequest", func(*core.Request, *core.Reply) error {
		rootHook++
		return nil
	}))
	require.NoError(t, e.Register(func(api *core.Engine) error {
		if err := api.AddHook("onRequest", func(*core.Request, *core.Reply) error {
			apiHook++
			return nil
		}); err != nil {
			return err
		}
		return api.SetNotFoundHandler(func(req *core.Request, reply *core.Reply) (any, error) {
			reply.Code(404)
			return map[string]any{"api": true, "url": req.URL()}, nil
		})
	}, core.WithPrefix("/api")))

	res := inject(t, e, core.InjectOptions{URL: "/api/nothing"})
	assert.Equal(t, 404, res.StatusCode)
	assert.True(t, res.Get("api").Bool())
	assert.Equal(t, "/api/nothing", res.Get("url").String())
	assert.Equal(t, 1, apiHook)

	res = inject(t, e, core.InjectOptions{URL: "/apix"})
	assert.Equal(t, "FST_ERR_NOT_FOUND", res.Get("code").String())
	assert.Equal(t, 1, apiHook)
	assert.Equal(t, 2, rootHook)
}

func TestMethodNotAllowed(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/thing", hello))

	res := inject(t, e, core.InjectOptions{Method: "DELETE", URL: "/thing"})
	assert.Equal(t, 405, res.StatusCode)
	assert.Equal(t, "GET, HEAD", res.Header("Allow"))
	assert.Equal(t, "FST_ERR_METHOD_NOT_ALLOWED", res.Get("code").String())
}

func TestRegistrationAfterReady(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/", hello))
	require.NoError(t, e.Ready())

	assert.ErrorIs(t, e.GET("/late", hello), core.ErrAlreadyReady)
	assert.ErrorIs(t, e.AddHook("onRequest", func(*core.Request, *core.Reply) error { return nil }), core.ErrAlreadyReady)
	assert.ErrorIs(t, e.Register(func(*core.Engine) error { return nil }), core.ErrAlreadyReady)
	assert.ErrorIs(t, e.SetErrorHandler(core.DefaultErrorHandler), core.ErrAlreadyReady)
}

func TestReadyReportsSchemaBuildError(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/invalid", hello, core.WithSchema(&schema.RouteSchema{
		Querystring: schema.Schema{"id": "string"},
	})))

	err := e.Ready()
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrValidationBuild)
	assert.Contains(t, err.Error(), "GET: /invalid")
	assert.Equal(t, err, e.Ready(), "ready result is memoized")

	_, err = e.Inject(core.InjectOptions{URL: "/invalid"})
	assert.ErrorIs(t, err, schema.ErrValidationBuild)
}

func TestEncapsulation(t *testing.T) {
	e := core.New(core.Options{})
	var order []string
	mark := func(name string) func(*core.Request, *core.Reply) error {
		return func(*core.Request, *core.Reply) error {
			order = append(order, name)
			return nil
		}
	}

	require.NoError(t, e.AddHook("onRequest", mark("root")))
	require.NoError(t, e.Register(func(child *core.Engine) error {
		if err := child.AddHook("onRequest", mark("child")); err != nil {
			return err
		}
		return child.GET("/child", hello, core.WithHook("onRequest", mark("route")))
	}))
	require.NoError(t, e.Register(func(sibling *core.Engine) error {
		return sibling.GET("/sibling", hello)
	}))
	require.NoError(t, e.GET("/root", hello))

	for _, tc := range []struct {
		url  string
		want []string
	}{
		{"/child", []string{"root", "child", "route"}},
		{"/sibling", []string{"root"}},
		{"/root", []string{"root"}},
	} {
		order = nil
		res := inject(t, e, core.InjectOptions{URL: tc.url})
		require.Equal(t, 200, res.StatusCode, tc.url)
		assert.Equal(t, tc.want, order, tc.url)
	}
}

func TestOnRouteSeesPrefixedCopy(t *testing.T) {
	e := core.New(core.Options{})
	var seen []string

	require.NoError(t, e.AddHook("onRoute", func(opts *core.RouteOptions) {
		seen = append(seen, opts.URL+"|"+opts.Prefix)
		opts.Config = map[string]any{"seen": true}
	}))

	shared := core.RouteOptions{Method: "GET", URL: "/items", Handler: core.HandlerFunc(func(req *core.Request, _ *core.Reply) (any, error) {
		return req.RouteConfig(), nil
	})}
	for _, prefix := range []string{"/v1", "/v2"} {
		require.NoError(t, e.Register(func(scope *core.Engine) error {
			return scope.Route(shared)
		}, core.WithPrefix(prefix)))
	}

	assert.Equal(t, []string{"/v1/items|/v1", "/v2/items|/v2"}, seen)
	assert.Equal(t, "/items", shared.URL, "caller options are not modified")
	assert.Nil(t, shared.Config)

	res := inject(t, e, core.InjectOptions{URL: "/v2/items"})
	assert.True(t, res.Get("seen").Bool())
}

func TestOnRouteCanRewriteURL(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.AddHook("onRoute", func(opts *core.RouteOptions) {
		opts.URL = strings.ToLower(opts.URL)
	}))
	require.NoError(t, e.GET("/LOUD", hello))

	assert.True(t, e.HasRoute("GET", "/loud"))
	assert.Equal(t, 200, inject(t, e, core.InjectOptions{URL: "/loud"}).StatusCode)
}

func TestOnRegisterRunsForChildren(t *testing.T) {
	e := core.New(core.Options{})
	var prefixes []string
	require.NoError(t, e.AddHook("onRegister", func(child *core.Engine) error {
		prefixes = append(prefixes, child.Prefix())
		return nil
	}))
	require.NoError(t, e.Register(func(child *core.Engine) error {
		return child.Register(func(*core.Engine) error { return nil }, core.WithPrefix("/b"))
	}, core.WithPrefix("/a")))

	assert.Equal(t, []string{"/a", "/a/b"}, prefixes)
}

func TestClose(t *testing.T) {
	e := core.New(core.Options{})
	var order []string
	closer := func(name string, err error) func(context.Context, *core.Engine) error {
		return func(context.Context, *core.Engine) error {
			order = append(order, name)
			return err
		}
	}
	boom := errors.New("boom")

	require.NoError(t, e.AddHook("onClose", closer("root-1", nil)))
	require.NoError(t, e.AddHook("onClose", closer("root-2", nil)))
	require.NoError(t, e.Register(func(child *core.Engine) error {
		return child.AddHook("onClose", closer("child", boom))
	}))

	err := e.Close(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"child", "root-2", "root-1"}, order)

	assert.Equal(t, err, e.Close(context.Background()))
	assert.Len(t, order, 3)
	assert.ErrorIs(t, e.GET("/", hello), core.ErrAlreadyReady)
}

func TestRequestID(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/", func(req *core.Request, _ *core.Reply) (any, error) {
		return req.ID(), nil
	}))

	res := inject(t, e, core.InjectOptions{URL: "/", Headers: map[string]string{"Request-Id": "abc-123"}})
	assert.Equal(t, "abc-123", res.String())

	res = inject(t, e, core.InjectOptions{URL: "/"})
	assert.Len(t, res.String(), 36)

	custom := core.New(core.Options{})
	require.NoError(t, custom.SetGenReqID(func(*http.Request) string { return "fixed" }))
	require.NoError(t, custom.GET("/", func(req *core.Request, _ *core.Reply) (any, error) {
		return req.ID(), nil
	}))
	assert.Equal(t, "fixed", inject(t, custom, core.InjectOptions{URL: "/"}).String())
}

func TestTrustProxy(t *testing.T) {
	handler := func(req *core.Request, _ *core.Reply) (any, error) {
		return map[string]any{"ip": req.IP, "ips": req.IPs, "hostname": req.Hostname}, nil
	}
	headers := map[string]string{
		"X-Forwarded-For":  "10.0.0.1, 10.0.0.2",
		"X-Forwarded-Host": "example.com",
	}

	trusted := core.New(core.Options{TrustProxy: true})
	require.NoError(t, trusted.GET("/", handler))
	res := inject(t, trusted, core.InjectOptions{URL: "/", Headers: headers})
	assert.Equal(t, "10.0.0.1", res.Get("ip").String())
	assert.JSONEq(t, `["127.0.0.1","10.0.0.2","10.0.0.1"]`, res.Get("ips").Raw)
	assert.Equal(t, "example.com", res.Get("hostname").String())

	plain := core.New(core.Options{})
	require.NoError(t, plain.GET("/", handler))
	res = inject(t, plain, core.InjectOptions{URL: "/", Headers: headers})
	assert.Equal(t, "127.0.0.1", res.Get("ip").String())
	assert.Equal(t, "localhost:80", res.Get("hostname").String())
}

func TestSharedSchemas(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.AddSchema(schema.Schema{
		"$id":        "user",
		"type":       "object",
		"required":   []string{"name"},
		"properties": schema.Schema{"name": schema.Schema{"type": "string"}},
	}))
	assert.ErrorIs(t, e.AddSchema(schema.Schema{"type": "object"}), schema.ErrMissingID)
	assert.ErrorIs(t, e.AddSchema(schema.Schema{"$id": "user"}), schema.ErrAlreadyPresent)
	assert.Contains(t, e.GetSchemas(), "user")

	require.NoError(t, e.POST("/users", func(req *core.Request, _ *core.Reply) (any, error) {
		return req.Body(), nil
	}, core.WithSchema(&schema.RouteSchema{Body: schema.Schema{"$ref": "user#"}})))

	res := inject(t, e, core.InjectOptions{Method: "POST", URL: "/users", Payload: map[string]any{}})
	assert.Equal(t, 400, res.StatusCode)
	assert.Equal(t, "body should have required property 'name'", res.Get("message").String())
}
