package events

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxFrameLine = 1 << 20

// Frame is one decoded SSE message.
type Frame struct {
	Event string
	Data  []byte
}

// ReadFrames decodes SSE messages from r and calls fn for each. Comment lines are
// skipped. It returns io.EOF when the stream ends cleanly.
func ReadFrames(r io.Reader, fn func(Frame)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameLine)

	var (
		event string
		data  [][]byte
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				fn(Frame{Event: event, Data: bytes.Join(data, []byte("\n"))})
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, []byte(value))
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
