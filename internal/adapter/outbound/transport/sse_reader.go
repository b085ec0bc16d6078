package transport

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE parses a text/event-stream body and invokes fn for each
// complete event. Returns the reader's terminal error; io.EOF maps to
// nil (clean end of stream).
func readSSE(r io.Reader, fn func(ev sseEvent)) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	var ev sseEvent
	var data []string

	dispatch := func() {
		if len(data) == 0 && ev.Event == "" && ev.ID == "" {
			return
		}
		ev.Data = strings.Join(data, "\n")
		fn(ev)
		ev = sseEvent{}
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment line, commonly used as a heartbeat.
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
	// A final event without a trailing blank line still counts.
	dispatch()

	return scanner.Err()
}
