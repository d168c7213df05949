// Package eventstream validates streamed upstream bodies frame by frame.
//
// Two framings are understood: text/event-stream (SSE) and AWS binary
// event streams (application/vnd.amazon.eventstream). Readers hand back each
// frame's exact bytes so they can be forwarded unchanged, and fail with an
// apierr.KindEventStream or apierr.KindTextDecode error on the first frame
// that is malformed. Bytes of earlier frames are never affected.
package eventstream

import (
	"io"
	"mime"
	"strings"
)

const (
	ContentTypeSSE    = "text/event-stream"
	ContentTypeBinary = "application/vnd.amazon.eventstream"
)

// Frame is one complete unit of a stream.
type Frame struct {
	// Raw holds the exact bytes read from upstream, terminator included.
	// It is only valid until the next call to Next.
	Raw []byte

	// Data is the SSE data payload (data lines joined by "\n") or the
	// binary message payload. Nil for comment-only SSE blocks.
	Data []byte

	// Type is the SSE event name or the binary :event-type header.
	Type string
}

// Reader yields validated frames. Next returns io.EOF after the last frame.
type Reader interface {
	Next() (Frame, error)
}

// Kind classifies a Content-Type header value.
type Kind int

const (
	KindNone Kind = iota
	KindSSE
	KindBinary
)

// Classify reports which framing, if any, contentType announces.
func Classify(contentType string) Kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch mt {
	case ContentTypeSSE:
		return KindSSE
	case ContentTypeBinary:
		return KindBinary
	default:
		return KindNone
	}
}

// NewReader returns the Reader for kind, or nil for KindNone.
func NewReader(kind Kind, r io.Reader) Reader {
	switch kind {
	case KindSSE:
		return NewSSEReader(r)
	case KindBinary:
		return NewBinaryReader(r)
	default:
		return nil
	}
}
