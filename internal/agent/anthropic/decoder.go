// Package anthropic implements the HTTP/SSE streaming engine for the model
// API: wire decoding, the content-block state machine, retry with circuit
// breaking, and the redirect policy.
package anthropic

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	Event string
	Data  string
	ID    string
	Retry int
}

// done reports the stream-terminating sentinel payload.
func (e sseEvent) done() bool {
	return strings.TrimSpace(e.Data) == "[DONE]"
}

// sseDecoder reads server-sent events from a byte stream. Event boundary is
// a blank line; multiple data: lines concatenate with \n; lines starting
// with ':' are comments.
type sseDecoder struct {
	r *bufio.Reader
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event. io.EOF signals the end of the stream; a
// partial event at EOF is delivered before the EOF.
func (d *sseDecoder) Next() (sseEvent, error) {
	var (
		ev        sseEvent
		dataLines []string
		seen      bool
	)

	flush := func() sseEvent {
		ev.Data = strings.Join(dataLines, "\n")
		return ev
	}

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && seen {
				return flush(), nil
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue
			}
			return flush(), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = line[i+1:]
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			ev.Event = value
			seen = true
		case "data":
			dataLines = append(dataLines, value)
			seen = true
		case "id":
			ev.ID = value
			seen = true
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				ev.Retry = n
			}
			seen = true
		}
	}
}
