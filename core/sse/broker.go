package sse

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/hookserver/core"
)

var (
	ErrTooManyClients = &core.Error{
		Code:    "SSE_ERR_TOO_MANY_CLIENTS",
		Status:  http.StatusServiceUnavailable,
		Message: "Too many event stream subscribers",
	}
	ErrClientNotFound = &core.Error{
		Code:    "SSE_ERR_CLIENT_NOT_FOUND",
		Status:  http.StatusNotFound,
		Message: "Event stream subscriber not found",
	}
	ErrClientBusy = &core.Error{
		Code:    "SSE_ERR_CLIENT_BUSY",
		Status:  http.StatusServiceUnavailable,
		Message: "Event stream subscriber is not keeping up",
	}
)

// Config configures a Broker
type Config struct {
	// Namespace prefixes generated event ids
	Namespace  string
	MaxClients int
	// BufferSize is the number of frames queued per client
	BufferSize int
	// KeepAlive is the interval of comment frames sent by Run
	KeepAlive time.Duration
	Logger    *zap.Logger
}

// Stats are the broker counters
type Stats struct {
	Clients   int    `json:"clients"`
	Total     uint64 `json:"total"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	LastID    uint64 `json:"lastId"`
}

// Broker fans events out to its subscribers
type Broker struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	eventID   atomic.Uint64
	total     atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewBroker(cfg Config) *Broker {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Broker{
		cfg:     cfg,
		log:     cfg.Logger,
		clients: make(map[string]*Client),
	}
}

// Subscribe registers a client that lives as long as ctx. A client
// subscribing with an id in use replaces the previous one.
func (b *Broker) Subscribe(ctx context.Context, id, lastEventID string) (*Client, error) {
	c := newClient(ctx, b, id, lastEventID, b.cfg.BufferSize)

	b.mu.Lock()
	prev, replaced := b.clients[id]
	if !replaced && len(b.clients) >= b.cfg.MaxClients {
		b.mu.Unlock()
		return nil, ErrTooManyClients
	}
	b.clients[id] = c
	b.mu.Unlock()

	if replaced {
		prev.Close()
	}
	b.total.Add(1)
	b.log.Debug("event stream subscribed", zap.String("client", id), zap.String("lastEventId", lastEventID))
	return c, nil
}

func (b *Broker) remove(c *Client) {
	b.mu.Lock()
	if b.clients[c.ID] == c {
		delete(b.clients, c.ID)
	}
	b.mu.Unlock()
	b.log.Debug("event stream closed", zap.String("client", c.ID))
}

func (b *Broker) nextID() string {
	id := strconv.FormatUint(b.eventID.Add(1), 10)
	if b.cfg.Namespace == "" {
		return id
	}
	return b.cfg.Namespace + "-" + id
}

// Publish sends an event to every client and returns its id. Clients
// with a full queue miss the event.
func (b *Broker) Publish(event, data string) string {
	ev := &Event{ID: b.nextID(), Event: event, Data: data}
	b.broadcast(ev.Format())
	b.published.Add(1)
	return ev.ID
}

// PublishTo sends an event to one client
func (b *Broker) PublishTo(clientID, event, data string) error {
	b.mu.RLock()
	c, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return ErrClientNotFound
	}

	ev := &Event{ID: b.nextID(), Event: event, Data: data}
	if !c.send(ev.Format()) {
		b.dropped.Add(1)
		return ErrClientBusy
	}
	b.published.Add(1)
	return nil
}

func (b *Broker) broadcast(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if !c.send(frame) {
			b.dropped.Add(1)
		}
	}
}

// Run sends keepalive frames until ctx is done
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.broadcast(keepaliveFrame)
		}
	}
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broker) Stats() Stats {
	return Stats{
		Clients:   b.ClientCount(),
		Total:     b.total.Load(),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		LastID:    b.eventID.Load(),
	}
}

// Handler is a route handler subscribing the request to the broker. The
// request id names the client. A reconnecting EventSource resumes with
// its Last-Event-ID header.
func (b *Broker) Handler(req *core.Request, reply *core.Reply) (any, error) {
	c, err := b.Subscribe(req.Context(), req.ID(), req.Raw.Header.Get("Last-Event-ID"))
	if err != nil {
		return nil, err
	}
	reply.Type("text/event-stream").Headers(map[string]string{
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	})
	c.pending = (&Event{Event: "connected", Data: c.ID, Retry: 3000}).Format()
	return c, nil
}
