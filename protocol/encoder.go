package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/martinemde/chatloop/agentloop"
)

const dataPrefix = "data: "

// DoneSentinel terminates an event stream. On the WebSocket transport it is
// sent as a bare text frame after each run.
const DoneSentinel = "[DONE]"

// SetHeaders sets the response headers for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// Encoder writes framed events to w in the order Encode is called. If w
// implements http.Flusher or a Flush() error method it is flushed after
// every frame.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event frame.
func (e *Encoder) Encode(ev agentloop.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return e.write(dataPrefix + string(data) + "\n\n")
}

// Done writes the end-of-stream sentinel.
func (e *Encoder) Done() error {
	return e.write(dataPrefix + DoneSentinel + "\n\n")
}

// Comment writes an SSE comment line, used as a keepalive.
func (e *Encoder) Comment(text string) error {
	return e.write(": " + text + "\n\n")
}

func (e *Encoder) write(frame string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := io.WriteString(e.w, frame); err != nil {
		return err
	}
	switch f := e.w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		return f.Flush()
	}
	return nil
}

// Copy encodes every event from events, then the sentinel. It stops at the
// first write error; the caller should then cancel the run so the producer
// stops.
func Copy(enc *Encoder, events <-chan agentloop.Event) error {
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return enc.Done()
}
