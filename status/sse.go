package status

import (
	"bufio"
	"io"
	"strings"
)

const maxEventLine = 64 << 10

// event is one dispatched server-sent event.
type event struct {
	Name string
	Data string
	ID   string
}

// readEvents parses a text/event-stream body and calls fn for every
// dispatched event until the body ends or fails. A clean end of stream is
// reported as io.EOF so callers treat it like any other disconnect.
func readEvents(r io.Reader, fn func(event)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventLine)

	var ev event
	var data []string
	dispatch := func() {
		if len(data) == 0 && ev.Name == "" {
			return
		}
		if ev.Name == "" {
			ev.Name = "message"
		}
		ev.Data = strings.Join(data, "\n")
		fn(ev)
		ev, data = event{}, nil
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
