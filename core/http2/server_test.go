package http2

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
)

func protoHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, r.Proto)
}

func start(t *testing.T, cfg Config) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg.Handler = http.HandlerFunc(protoHandler)
	cfg.Logger = zaptest.NewLogger(t)
	s := NewServer(ln, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, cancel, done
}

func get(t *testing.T, client *http.Client, url string) string {
	t.Helper()
	res, err := client.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func TestServeH2C(t *testing.T) {
	s, cancel, done := start(t, Config{H2C: true})

	h2client := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	url := "http://" + s.Addr().String() + "/"

	assert.Equal(t, "HTTP/2.0", get(t, h2client, url))
	assert.Equal(t, "HTTP/1.1", get(t, http.DefaultClient, url))
	assert.GreaterOrEqual(t, s.Stats().TotalConnections, uint64(2))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeHTTP1Only(t *testing.T) {
	s, cancel, done := start(t, Config{})
	assert.Equal(t, "HTTP/1.1", get(t, http.DefaultClient, "http://"+s.Addr().String()+"/"))

	cancel()
	assert.NoError(t, <-done)
}
