// Package sse streams Server-Sent Events through the reply of a route.
package sse

import (
	"strconv"
	"strings"
)

// Event is one Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// Format encodes the event in the text/event-stream format. Multi-line
// data is split into one data field per line.
func (e *Event) Format() []byte {
	var b strings.Builder
	if e.ID != "" {
		b.WriteString("id: ")
		b.WriteString(e.ID)
		b.WriteByte('\n')
	}
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteByte('\n')
	}
	if e.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(e.Retry))
		b.WriteByte('\n')
	}
	if e.Data != "" {
		for _, line := range strings.Split(e.Data, "\n") {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// keepaliveFrame is a comment line, ignored by EventSource clients
var keepaliveFrame = []byte(": keepalive\n\n")
