package sse

import (
	"context"
	"io"
	"sync"
)

// Client is one subscriber. It is read as the body of a streamed reply
// and ends when the request context is done or the client is closed.
type Client struct {
	ID string
	// LastEventID is the id the subscriber resumed from, if any
	LastEventID string

	ctx     context.Context
	broker  *Broker
	frames  chan []byte
	done    chan struct{}
	pending []byte

	closeOnce sync.Once
}

func newClient(ctx context.Context, b *Broker, id, lastEventID string, buffer int) *Client {
	return &Client{
		ID:          id,
		LastEventID: lastEventID,
		ctx:         ctx,
		broker:      b,
		frames:      make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// send queues a frame without blocking. It reports false for a closed or
// slow client.
func (c *Client) send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case frame := <-c.frames:
			c.pending = frame
		case <-c.done:
			return 0, io.EOF
		case <-c.ctx.Done():
			return 0, io.EOF
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Close unsubscribes the client. Pending frames are dropped.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.broker.remove(c)
	})
	return nil
}
