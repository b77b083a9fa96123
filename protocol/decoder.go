package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/martinemde/chatloop/agentloop"
)

// maxLineSize bounds a single event line. Tool results can be large.
const maxLineSize = 16 * 1024 * 1024

// MalformedEventError reports an event line that could not be decoded.
type MalformedEventError struct {
	Line string
	Err  error
}

func (e *MalformedEventError) Error() string {
	line := e.Line
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	return fmt.Sprintf("malformed event %q: %v", line, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// ParseEvent decodes one event's JSON and checks its type.
func ParseEvent(data []byte) (agentloop.Event, error) {
	var ev agentloop.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return agentloop.Event{}, err
	}
	if !ev.Type.Valid() {
		return agentloop.Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}

// Decoder reads framed events from a stream.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	done    bool
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner, logger: logger}
}

// Decode returns the next event. It returns io.EOF after the [DONE]
// sentinel or at the end of input, and a *MalformedEventError for a data
// line that does not decode. Blank lines, comments and other SSE fields are
// skipped.
func (d *Decoder) Decode() (agentloop.Event, error) {
	if d.done {
		return agentloop.Event{}, io.EOF
	}
	for d.scanner.Scan() {
		line := d.scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == DoneSentinel {
			d.done = true
			return agentloop.Event{}, io.EOF
		}

		ev, err := ParseEvent([]byte(payload))
		if err != nil {
			return agentloop.Event{}, &MalformedEventError{Line: line, Err: err}
		}
		return ev, nil
	}
	d.done = true
	if err := d.scanner.Err(); err != nil {
		return agentloop.Event{}, fmt.Errorf("read event stream: %w", err)
	}
	return agentloop.Event{}, io.EOF
}

// Next is Decode with malformed lines logged and skipped.
func (d *Decoder) Next() (agentloop.Event, error) {
	for {
		ev, err := d.Decode()
		var malformed *MalformedEventError
		if errors.As(err, &malformed) {
			d.logger.Warn("skipping malformed event", "error", malformed.Err, "line", malformed.Line)
			continue
		}
		return ev, err
	}
}
