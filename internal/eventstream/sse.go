package eventstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// MaxEventBytes bounds a single SSE event including its blank-line terminator.
const MaxEventBytes = 4 << 20

var (
	fieldData  = []byte("data")
	fieldEvent = []byte("event")
	fieldID    = []byte("id")
	fieldRetry = []byte("retry")
)

// SSEReader splits a text/event-stream body into events.
//
// Lines end in LF, CRLF or a bare CR. Comment lines, unknown fields and
// retry values that are not digits are ignored, as browsers ignore them. A
// line without a colon is a field with an empty value. Invalid UTF-8, a NUL
// in an id or an event over MaxEventBytes is a framing error.
type SSEReader struct {
	br   *bufio.Reader
	raw  []byte
	data []byte
	done bool

	// skipLF is set when the previous line ended in a CR that was the last
	// buffered byte; a following LF belongs to that line ending.
	skipLF bool
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{br: bufio.NewReaderSize(r, 32<<10)}
}

// Next returns the next event. A trailing event without its blank-line
// terminator is still returned before io.EOF. When the final CRLF of a
// stream is split across reads, its LF comes back as a last frame holding
// only that byte.
func (s *SSEReader) Next() (Frame, error) {
	if s.done {
		return Frame{}, io.EOF
	}
	s.raw = s.raw[:0]
	s.data = s.data[:0]

	var (
		event   string
		hasData bool
	)
	for {
		l, err := s.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		if len(l.raw) > 0 {
			if !utf8.Valid(l.raw) {
				return Frame{}, apierr.New(apierr.KindTextDecode, "event stream: invalid UTF-8")
			}
			s.raw = append(s.raw, l.raw...)

			body := l.body()
			if l.terminated && len(body) == 0 {
				return s.frame(hasData, event), nil
			}
			if len(body) > 0 {
				name, value, ferr := parseField(body)
				if ferr != nil {
					return Frame{}, ferr
				}
				switch {
				case bytes.Equal(name, fieldData):
					if hasData {
						s.data = append(s.data, '\n')
					}
					s.data = append(s.data, value...)
					hasData = true
				case bytes.Equal(name, fieldEvent):
					event = string(value)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			s.done = true
			if len(s.raw) == 0 {
				return Frame{}, io.EOF
			}
			return s.frame(hasData, event), nil
		}
	}
}

func (s *SSEReader) frame(hasData bool, event string) Frame {
	f := Frame{Raw: s.raw, Type: event}
	if hasData {
		f.Data = s.data
	}
	return f
}

// sseLine is one physical line. raw holds every byte consumed for it,
// including a leading LF left over from a preceding CR.
type sseLine struct {
	raw        []byte
	leadingLF  bool
	terminated bool
}

func (l sseLine) body() []byte {
	b := l.raw
	if l.leadingLF {
		b = b[1:]
	}
	if l.terminated {
		b = bytes.TrimSuffix(b, []byte("\n"))
		b = bytes.TrimSuffix(b, []byte("\r"))
	}
	return b
}

// readLine returns the next line. It never waits for more input once a line
// terminator is buffered, so a CR arriving at the end of a read is treated as
// complete and a following LF is absorbed on the next call. The final line of
// the stream may come back unterminated, together with io.EOF.
func (s *SSEReader) readLine() (sseLine, error) {
	var l sseLine
	for {
		n := s.br.Buffered()
		if n == 0 {
			n = 1
		}
		buf, err := s.br.Peek(n)
		if len(buf) == 0 {
			if errors.Is(err, io.EOF) {
				return l, io.EOF
			}
			return l, apierr.Wrap(apierr.KindIO, err, "event stream: read upstream")
		}

		if s.skipLF {
			s.skipLF = false
			if buf[0] == '\n' {
				l.raw = append(l.raw, '\n')
				l.leadingLF = true
				_, _ = s.br.Discard(1)
				continue
			}
		}

		take := len(buf)
		end := bytes.IndexAny(buf, "\r\n")
		if end >= 0 {
			take = end + 1
			if buf[end] == '\r' {
				switch {
				case end+1 < len(buf) && buf[end+1] == '\n':
					take++
				case end+1 == len(buf):
					s.skipLF = true
				}
			}
		}
		if len(s.raw)+len(l.raw)+take > MaxEventBytes {
			return l, apierr.New(apierr.KindEventStream, "event stream: event exceeds size limit")
		}
		l.raw = append(l.raw, buf[:take]...)
		_, _ = s.br.Discard(take)

		if end >= 0 {
			l.terminated = true
			return l, nil
		}
	}
}

// parseField splits "name: value". Comment lines come back with a nil name.
func parseField(line []byte) (name, value []byte, err error) {
	if line[0] == ':' {
		return nil, nil, nil
	}
	name, value, found := bytes.Cut(line, []byte(":"))
	if found {
		value = bytes.TrimPrefix(value, []byte(" "))
	}

	switch {
	case bytes.Equal(name, fieldID):
		if bytes.IndexByte(value, 0) >= 0 {
			return nil, nil, apierr.New(apierr.KindEventStream, "event stream: id contains NUL")
		}
	case bytes.Equal(name, fieldRetry):
		if len(value) == 0 || !allDigits(value) {
			return nil, nil, nil
		}
	}
	return name, value, nil
}

func allDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
