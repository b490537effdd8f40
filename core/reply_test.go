package core_test

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hookserver/core"
	"github.com/searchktools/hookserver/core/schema"
)

type trackedReader struct {
	io.Reader
	closed bool
}

func (r *trackedReader) Close() error {
	r.closed = true
	return nil
}

func TestReplyPayloadTypes(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/string", func(*core.Request, *core.Reply) (any, error) {
		return "hello", nil
	}))
	require.NoError(t, e.GET("/bytes", func(*core.Request, *core.Reply) (any, error) {
		return []byte{0x01, 0x02}, nil
	}))
	require.NoError(t, e.GET("/typed-bytes", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Type("image/png")
		return []byte{0x89, 0x50}, nil
	}))
	require.NoError(t, e.GET("/stream", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Type("text/csv")
		return strings.NewReader("a,b\n1,2\n"), nil
	}))

	res := inject(t, e, core.InjectOptions{URL: "/string"})
	assert.Equal(t, "text/plain; charset=utf-8", res.Header("Content-Type"))
	assert.Equal(t, "5", res.Header("Content-Length"))
	assert.Equal(t, "hello", res.String())

	res = inject(t, e, core.InjectOptions{URL: "/bytes"})
	assert.Equal(t, "application/octet-stream", res.Header("Content-Type"))
	assert.Equal(t, []byte{0x01, 0x02}, res.Body)

	res = inject(t, e, core.InjectOptions{URL: "/typed-bytes"})
	assert.Equal(t, "image/png", res.Header("Content-Type"))
	assert.Equal(t, "2", res.Header("Content-Length"))

	res = inject(t, e, core.InjectOptions{URL: "/stream"})
	assert.Equal(t, "text/csv", res.Header("Content-Type"))
	assert.Empty(t, res.Header("Content-Length"))
	assert.Equal(t, "a,b\n1,2\n", res.String())
}

func TestReplyHeadMatchesGet(t *testing.T) {
	e := core.New(core.Options{})
	stream := &trackedReader{Reader: strings.NewReader("streamed")}

	require.NoError(t, e.GET("/json", hello))
	require.NoError(t, e.GET("/text", func(*core.Request, *core.Reply) (any, error) {
		return "some text", nil
	}))
	require.NoError(t, e.GET("/bytes", func(*core.Request, *core.Reply) (any, error) {
		return []byte("raw"), nil
	}))
	require.NoError(t, e.GET("/typed-bytes", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Type("image/png")
		return []byte{0x89, 0x50, 0x4e, 0x47}, nil
	}))
	require.NoError(t, e.GET("/stream", func(*core.Request, *core.Reply) (any, error) {
		return stream, nil
	}))

	typed := inject(t, e, core.InjectOptions{Method: "HEAD", URL: "/typed-bytes"})
	assert.Equal(t, "image/png", typed.Header("Content-Type"))
	assert.Equal(t, "4", typed.Header("Content-Length"))

	for _, url := range []string{"/json", "/text", "/bytes", "/typed-bytes"} {
		get := inject(t, e, core.InjectOptions{URL: url})
		head := inject(t, e, core.InjectOptions{Method: "HEAD", URL: url})
		assert.Equal(t, get.StatusCode, head.StatusCode, url)
		assert.Equal(t, get.Header("Content-Type"), head.Header("Content-Type"), url)
		assert.Equal(t, get.Header("Content-Length"), head.Header("Content-Length"), url)
		assert.Empty(t, head.Body, url)
	}

	head := inject(t, e, core.InjectOptions{Method: "HEAD", URL: "/stream"})
	assert.Equal(t, 200, head.StatusCode)
	assert.Empty(t, head.Header("Content-Type"))
	assert.Empty(t, head.Body)
	assert.True(t, stream.closed, "unused stream is closed")
}

func TestReplyEmptyStatus(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.DELETE("/items/:id", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Code(204)
		return nil, nil
	}))
	require.NoError(t, e.GET("/not-modified", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Code(304)
		return "ignored", nil
	}))

	res := inject(t, e, core.InjectOptions{Method: "DELETE", URL: "/items/1"})
	assert.Equal(t, 204, res.StatusCode)
	assert.Empty(t, res.Header("Content-Type"))
	assert.Empty(t, res.Header("Content-Length"))
	assert.Empty(t, res.Body)

	res = inject(t, e, core.InjectOptions{URL: "/not-modified"})
	assert.Equal(t, 304, res.StatusCode)
	assert.Empty(t, res.Header("Content-Length"))
	assert.Empty(t, res.Body)
}

func TestReplyInvalidPayloadType(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Type("text/html")
		return map[string]any{"not": "html"}, nil
	}))

	res := inject(t, e, core.InjectOptions{URL: "/"})
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", res.Header("Content-Type"))
	assert.Equal(t, "FST_ERR_REP_INVALID_PAYLOAD_TYPE", res.Get("code").String())
	assert.Equal(t,
		"Attempted to send payload of invalid type 'map[string]interface {}'. Expected a string or []byte.",
		res.Get("message").String())
}

func TestReplyRedirect(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/old", func(_ *core.Request, reply *core.Reply) {
		_ = reply.Redirect(301, "/new")
	}))

	res := inject(t, e, core.InjectOptions{URL: "/old"})
	assert.Equal(t, 301, res.StatusCode)
	assert.Equal(t, "/new", res.Header("Location"))
}

func TestReplyHeaders(t *testing.T) {
	e := core.New(core.Options{})
	var has, removed bool
	require.NoError(t, e.GET("/", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Headers(map[string]string{"X-One": "1", "X-Two": "2"}).Header("X-Three", "3")
		has = reply.HasHeader("x-one")
		reply.RemoveHeader("X-Two")
		removed = !reply.HasHeader("X-Two")
		return reply.GetHeader("X-Three"), nil
	}))

	res := inject(t, e, core.InjectOptions{URL: "/"})
	assert.True(t, has)
	assert.True(t, removed)
	assert.Equal(t, "1", res.Header("X-One"))
	assert.Equal(t, "3", res.String())
}

func TestReplySerializerOverride(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Serializer(func(v any) ([]byte, error) {
			return []byte("custom"), nil
		})
		return map[string]any{"a": 1}, nil
	}))

	res := inject(t, e, core.InjectOptions{URL: "/"})
	assert.Equal(t, "custom", res.String())
	assert.Equal(t, "application/json; charset=utf-8", res.Header("Content-Type"))
}

func TestReplyPayloadHooks(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.AddHook("preSerialization", func(_ *core.Request, _ *core.Reply, p any) (any, error) {
		m := p.(map[string]any)
		m["wrapped"] = true
		return m, nil
	}))
	require.NoError(t, e.AddHook("onSend", func(_ *core.Request, reply *core.Reply, p any) (any, error) {
		reply.Header("X-Length", strconv.Itoa(len(p.([]byte))))
		return p, nil
	}))
	require.NoError(t, e.GET("/", func(*core.Request, *core.Reply) (any, error) {
		return map[string]any{"a": 1}, nil
	}))
	res := inject(t, e, core.InjectOptions{URL: "/"})
	assert.JSONEq(t, `{"a":1,"wrapped":true}`, res.String())
	assert.Equal(t, "22", res.Header("X-Length"))

	e2 := core.New(core.Options{})
	var preSerialization bool
	require.NoError(t, e2.AddHook("preSerialization", func(_ *core.Request, _ *core.Reply, p any) (any, error) {
		preSerialization = true
		return p, nil
	}))
	require.NoError(t, e2.AddHook("onSend", func(_ *core.Request, _ *core.Reply, p any) (any, error) {
		return strings.ToUpper(p.(string)), nil
	}))
	require.NoError(t, e2.GET("/", func(*core.Request, *core.Reply) (any, error) {
		return "plain", nil
	}))

	res = inject(t, e2, core.InjectOptions{URL: "/"})
	assert.Equal(t, "PLAIN", res.String())
	assert.False(t, preSerialization, "raw payloads skip preSerialization")
}

func TestReplyOnSendError(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.AddHook("onSend", func(_ *core.Request, reply *core.Reply, p any) (any, error) {
		if reply.StatusCode() == 200 {
			return nil, errors.New("rejected in onSend")
		}
		return p, nil
	}))
	require.NoError(t, e.GET("/", hello))

	res := inject(t, e, core.InjectOptions{URL: "/"})
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, "rejected in onSend", res.Get("message").String())
}

func TestReplyResponseSchema(t *testing.T) {
	e := core.New(core.Options{})
	require.NoError(t, e.GET("/:status", func(req *core.Request, reply *core.Reply) (any, error) {
		switch req.Param("status") {
		case "201":
			reply.Code(201)
		case "202":
			reply.Code(202)
		}
		return map[string]any{"id": 1, "name": "n", "secret": "s"}, nil
	}, core.WithSchema(&schema.RouteSchema{
		Response: map[string]schema.Schema{
			"2xx": {
				"type":       "object",
				"properties": schema.Schema{"id": schema.Schema{"type": "integer"}},
			},
			"201": {
				"type": "object",
				"properties": schema.Schema{
					"id":   schema.Schema{"type": "integer"},
					"name": schema.Schema{"type": "string"},
				},
			},
		},
	})))

	res := inject(t, e, core.InjectOptions{URL: "/202"})
	assert.JSONEq(t, `{"id":1}`, res.String())

	res = inject(t, e, core.InjectOptions{URL: "/201"})
	assert.Equal(t, 201, res.StatusCode)
	assert.JSONEq(t, `{"id":1,"name":"n"}`, res.String())
}

func TestReplySentAndElapsed(t *testing.T) {
	e := core.New(core.Options{})
	var before, after bool
	var elapsed time.Duration
	require.NoError(t, e.GET("/", func(_ *core.Request, reply *core.Reply) {
		before = reply.Sent()
		_ = reply.Send("x")
		after = reply.Sent()
		elapsed = reply.ElapsedTime()
	}))

	inject(t, e, core.InjectOptions{URL: "/"})
	assert.False(t, before)
	assert.True(t, after)
	assert.True(t, elapsed > 0)
}

// injectWithin fails the test instead of hanging when a request never
// completes.
func injectWithin(t *testing.T, e *core.Engine, opts core.InjectOptions) *core.InjectResponse {
	t.Helper()
	done := make(chan *core.InjectResponse, 1)
	go func() {
		res, err := e.Inject(opts)
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
		return nil
	}
}

func TestReplyInvalidStatusCode(t *testing.T) {
	e := core.New(core.Options{})
	var completed atomic.Int32
	require.NoError(t, e.AddHook("onResponse", func(*core.Request, *core.Reply) error {
		completed.Add(1)
		return nil
	}))
	var status int
	require.NoError(t, e.GET("/high", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Code(1000)
		status = reply.StatusCode()
		return "x", nil
	}))
	require.NoError(t, e.GET("/low", func(_ *core.Request, reply *core.Reply) {
		_ = reply.Code(99).Send("x")
	}))

	res := injectWithin(t, e, core.InjectOptions{URL: "/high"})
	assert.Equal(t, 200, status, "invalid code is not stored")
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, "FST_ERR_BAD_STATUS_CODE", res.Get("code").String())
	assert.Equal(t, "Called reply with an invalid status code: 1000", res.Get("message").String())

	res = injectWithin(t, e, core.InjectOptions{URL: "/low"})
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, "FST_ERR_BAD_STATUS_CODE", res.Get("code").String())
	assert.Equal(t, int32(2), completed.Load())
}

type panickingReader struct {
	closed atomic.Bool
}

func (r *panickingReader) Read([]byte) (int, error) {
	panic("stream exploded")
}

func (r *panickingReader) Close() error {
	r.closed.Store(true)
	return nil
}

func TestReplyStreamPanicCompletes(t *testing.T) {
	e := core.New(core.Options{})
	var completed atomic.Bool
	require.NoError(t, e.AddHook("onResponse", func(*core.Request, *core.Reply) error {
		completed.Store(true)
		return nil
	}))
	stream := &panickingReader{}
	require.NoError(t, e.GET("/", func(_ *core.Request, reply *core.Reply) (any, error) {
		reply.Type("text/plain")
		return stream, nil
	}))

	res := injectWithin(t, e, core.InjectOptions{URL: "/"})
	assert.Equal(t, 200, res.StatusCode, "headers were already committed")
	assert.Empty(t, res.Body)
	assert.True(t, completed.Load())
	assert.True(t, stream.closed.Load())
}
