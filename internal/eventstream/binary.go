package eventstream

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// AWS event stream message layout:
//
//	total length (4) | headers length (4) | prelude CRC (4)
//	headers | payload | message CRC (4)
//
// Both CRCs are CRC-32 (IEEE); the message CRC covers everything before it.
const (
	preludeLen  = 12
	trailerLen  = 4
	minMsgLen   = preludeLen + trailerLen
	maxMsgLen   = 16 << 20
	maxHdrBytes = 128 << 10
)

// Header value types.
const (
	hdrTrue byte = iota
	hdrFalse
	hdrByte
	hdrShort
	hdrInt
	hdrLong
	hdrBytes
	hdrString
	hdrTimestamp
	hdrUUID
)

// BinaryReader splits an application/vnd.amazon.eventstream body into
// messages, checking lengths, both checksums and header encoding.
type BinaryReader struct {
	r   io.Reader
	buf []byte
}

func NewBinaryReader(r io.Reader) *BinaryReader {
	return &BinaryReader{r: r}
}

// Next returns the next message. Frame.Type is taken from :event-type, or
// :exception-type for exception messages.
func (b *BinaryReader) Next() (Frame, error) {
	var prelude [preludeLen]byte
	n, err := io.ReadFull(b.r, prelude[:])
	switch {
	case errors.Is(err, io.EOF):
		return Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Frame{}, apierr.Newf(apierr.KindEventStream, "event stream: truncated prelude (%d bytes)", n)
	case err != nil:
		return Frame{}, apierr.Wrap(apierr.KindIO, err, "event stream: read upstream")
	}

	total := binary.BigEndian.Uint32(prelude[0:4])
	hdrLen := binary.BigEndian.Uint32(prelude[4:8])
	if got, want := crc32.ChecksumIEEE(prelude[:8]), binary.BigEndian.Uint32(prelude[8:12]); got != want {
		return Frame{}, apierr.Newf(apierr.KindEventStream, "event stream: prelude checksum mismatch (%08x != %08x)", got, want)
	}
	if total < minMsgLen || total > maxMsgLen {
		return Frame{}, apierr.Newf(apierr.KindEventStream, "event stream: message length %d out of range", total)
	}
	if hdrLen > maxHdrBytes || hdrLen > total-minMsgLen {
		return Frame{}, apierr.Newf(apierr.KindEventStream, "event stream: headers length %d out of range", hdrLen)
	}

	if cap(b.buf) < int(total) {
		b.buf = make([]byte, total)
	}
	msg := b.buf[:total]
	copy(msg, prelude[:])
	if _, err := io.ReadFull(b.r, msg[preludeLen:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, apierr.New(apierr.KindEventStream, "event stream: truncated message")
		}
		return Frame{}, apierr.Wrap(apierr.KindIO, err, "event stream: read upstream")
	}

	body := msg[:total-trailerLen]
	if got, want := crc32.ChecksumIEEE(body), binary.BigEndian.Uint32(msg[total-trailerLen:]); got != want {
		return Frame{}, apierr.Newf(apierr.KindEventStream, "event stream: message checksum mismatch (%08x != %08x)", got, want)
	}

	headers := msg[preludeLen : preludeLen+hdrLen]
	hdrs, err := parseHeaders(headers)
	if err != nil {
		return Frame{}, err
	}

	f := Frame{Raw: msg, Data: body[preludeLen+hdrLen:]}
	if hdrs[":message-type"] == "exception" {
		f.Type = hdrs[":exception-type"]
	} else {
		f.Type = hdrs[":event-type"]
	}
	return f, nil
}

// parseHeaders decodes the header block, returning string-typed values.
func parseHeaders(b []byte) (map[string]string, error) {
	out := make(map[string]string)
	bad := func(what string) error {
		return apierr.Newf(apierr.KindEventStream, "event stream: malformed header block (%s)", what)
	}
	for len(b) > 0 {
		nameLen := int(b[0])
		if nameLen == 0 || len(b) < 1+nameLen+1 {
			return nil, bad("name")
		}
		name := string(b[1 : 1+nameLen])
		typ := b[1+nameLen]
		b = b[2+nameLen:]

		var size int
		switch typ {
		case hdrTrue, hdrFalse:
			size = 0
		case hdrByte:
			size = 1
		case hdrShort:
			size = 2
		case hdrInt:
			size = 4
		case hdrLong, hdrTimestamp:
			size = 8
		case hdrUUID:
			size = 16
		case hdrBytes, hdrString:
			if len(b) < 2 {
				return nil, bad("value length")
			}
			size = int(binary.BigEndian.Uint16(b[:2]))
			b = b[2:]
		default:
			return nil, bad("value type")
		}
		if len(b) < size {
			return nil, bad("value")
		}
		if typ == hdrString {
			out[name] = string(b[:size])
		}
		b = b[size:]
	}
	return out, nil
}

// Header is a string-valued message header.
type Header struct {
	Name  string
	Value string
}

// EncodeMessage builds one event stream message with string headers.
func EncodeMessage(headers []Header, payload []byte) []byte {
	hdrLen := 0
	for _, h := range headers {
		hdrLen += 1 + len(h.Name) + 1 + 2 + len(h.Value)
	}
	total := preludeLen + hdrLen + len(payload) + trailerLen

	msg := make([]byte, 0, total)
	msg = binary.BigEndian.AppendUint32(msg, uint32(total))
	msg = binary.BigEndian.AppendUint32(msg, uint32(hdrLen))
	msg = binary.BigEndian.AppendUint32(msg, crc32.ChecksumIEEE(msg[:8]))
	for _, h := range headers {
		msg = append(msg, byte(len(h.Name)))
		msg = append(msg, h.Name...)
		msg = append(msg, hdrString)
		msg = binary.BigEndian.AppendUint16(msg, uint16(len(h.Value)))
		msg = append(msg, h.Value...)
	}
	msg = append(msg, payload...)
	return binary.BigEndian.AppendUint32(msg, crc32.ChecksumIEEE(msg))
}
