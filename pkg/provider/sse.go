package provider

import (
	"bufio"
	"bytes"
	"io"
)

const (
	sseBufferSize  = 4096
	sseMaxLineSize = 1 << 20
)

// EventStream reads server-sent events line by line and yields the payload
// of each data line. Keep-alives, comments, and event-name lines are skipped;
// providers that type their events repeat the type inside the data payload.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func NewEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, sseBufferSize), sseMaxLineSize)
	return &EventStream{body: body, scanner: scanner}
}

// Next returns the next data payload. The returned slice is valid only until
// the next call. io.EOF marks the end of the stream.
func (s *EventStream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if bytes.HasPrefix(line, []byte("event:")) {
			continue
		}
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(data), nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *EventStream) Close() error {
	return s.body.Close()
}
