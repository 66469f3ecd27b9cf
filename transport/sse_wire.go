package transport

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event names on the SSE stream.
const (
	EventEndpoint = "endpoint"
	EventMessage  = "message"
)

// sseEvent is one dispatched Server-Sent Event.
type sseEvent struct {
	Name string
	Data string
	ID   string
}

// readEvents parses an event stream and calls fn for each dispatched
// event until fn returns false or the stream ends. Comment lines are
// ignored and multi-line data is joined with '\n'. An event still being
// assembled when the stream ends is discarded.
func readEvents(r io.Reader, maxLine int, fn func(sseEvent) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	sc.Split(scanEventLines)

	var (
		ev      sseEvent
		data    strings.Builder
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()

		if line == "" {
			if hasData {
				ev.Data = data.String()
				if !fn(ev) {
					return nil
				}
			}
			ev = sseEvent{}
			data.Reset()
			hasData = false
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.ID = value
		}
	}
	return sc.Err()
}

// scanEventLines splits on "\n", "\r\n" or a lone "\r". A final line
// without a terminator is still returned.
func scanEventLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// '\r': need one more byte to tell "\r\n" from a lone "\r".
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// writeEvent writes one event. Each line of data gets its own data field.
func writeEvent(w io.Writer, name string, data []byte) error {
	var buf bytes.Buffer
	if name != "" {
		buf.WriteString("event: ")
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// writeComment writes a comment line, used as a heartbeat.
func writeComment(w io.Writer, text string) error {
	_, err := io.WriteString(w, ": "+text+"\n\n")
	return err
}
