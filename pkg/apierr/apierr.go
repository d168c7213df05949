// Package apierr defines the closed set of gateway error kinds, their HTTP
// status mapping and the JSON envelope written to clients.
//
// Every fallible step in the relay returns an *Error carrying exactly one
// Kind. Callers propagate it unchanged; Wrap never re-labels an error that
// already has a kind.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind identifies one failure category.
type Kind uint8

const (
	KindUpstreamRequest Kind = iota + 1
	KindIO
	KindTransport
	KindInvalidMethod
	KindInvalidStatus
	KindInvalidHeader
	KindUnsupportedProvider
	KindMissingCredential
	KindInvalidRequestFormat
	KindUnsupportedModel
	KindJSONDecode
	KindSigning
	KindSigningParams
	KindHeaderValue
	KindRequest
	KindEventStream
	KindTextDecode
	KindHTTP
	KindJSONParse
	KindJSONSerialize
)

type kindInfo struct {
	id      string
	status  int
	summary string
}

var kinds = map[Kind]kindInfo{
	KindUpstreamRequest:      {"upstream_request_failed", fasthttp.StatusBadGateway, "provider request failed"},
	KindIO:                   {"io_error", fasthttp.StatusInternalServerError, "internal server error"},
	KindTransport:            {"transport_error", fasthttp.StatusInternalServerError, "server error"},
	KindInvalidMethod:        {"invalid_method", fasthttp.StatusBadRequest, "invalid HTTP method"},
	KindInvalidStatus:        {"invalid_upstream_status", fasthttp.StatusBadGateway, "invalid status code from provider"},
	KindInvalidHeader:        {"invalid_header", fasthttp.StatusBadRequest, "invalid header value"},
	KindUnsupportedProvider:  {"unsupported_provider", fasthttp.StatusBadRequest, "unsupported AI provider"},
	KindMissingCredential:    {"missing_credential", fasthttp.StatusUnauthorized, "missing or invalid API key"},
	KindInvalidRequestFormat: {"invalid_request_format", fasthttp.StatusBadRequest, "invalid request format"},
	KindUnsupportedModel:     {"unsupported_model", fasthttp.StatusBadRequest, "unsupported model"},
	KindJSONDecode:           {"json_decode_error", fasthttp.StatusBadRequest, "JSON parsing error"},
	KindSigning:              {"signing_error", fasthttp.StatusInternalServerError, "request signing error"},
	KindSigningParams:        {"signing_params_error", fasthttp.StatusInternalServerError, "signing params build error"},
	KindHeaderValue:          {"invalid_header_value", fasthttp.StatusBadRequest, "invalid header value"},
	KindRequest:              {"request_error", fasthttp.StatusBadRequest, "request error"},
	KindEventStream:          {"event_stream_error", fasthttp.StatusInternalServerError, "failed to parse event stream"},
	KindTextDecode:           {"text_decode_error", fasthttp.StatusInternalServerError, "UTF-8 conversion error"},
	KindHTTP:                 {"http_error", fasthttp.StatusInternalServerError, "HTTP error"},
	KindJSONParse:            {"json_parse_error", fasthttp.StatusInternalServerError, "JSON parse error"},
	KindJSONSerialize:        {"json_serialize_error", fasthttp.StatusInternalServerError, "JSON serialize error"},
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := KindUpstreamRequest; k <= KindJSONSerialize; k++ {
		out = append(out, k)
	}
	return out
}

// String returns the stable identifier rendered in the "type" field.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.id
	}
	return "unknown"
}

// Status returns the HTTP status code for k. Unknown kinds map to 500.
func (k Kind) Status() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return fasthttp.StatusInternalServerError
}

func (k Kind) summary() string {
	if info, ok := kinds[k]; ok {
		return info.summary
	}
	return "internal error"
}

// Error is a tagged gateway failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.summary()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status the error renders with.
func (e *Error) HTTPStatus() int { return e.Kind.Status() }

// New creates an error of the given kind. An empty message uses the kind's
// default summary.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. If err already carries a kind it is returned
// unchanged.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind carried by err, or KindTransport for untagged
// errors reaching the boundary.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindTransport
}

type (
	body struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	envelope struct {
		Error body `json:"error"`
	}
)

// Marshal renders err as the JSON error envelope.
func Marshal(err error) []byte {
	e, ok := As(err)
	if !ok {
		e = &Error{Kind: KindTransport, Err: err}
	}
	data, _ := json.Marshal(envelope{Error: body{
		Message: e.Error(),
		Type:    e.Kind.String(),
	}})
	return data
}

// Write writes err as a JSON response with the kind's HTTP status.
func Write(ctx *fasthttp.RequestCtx, err error) {
	ctx.SetStatusCode(KindOf(err).Status())
	ctx.SetContentType("application/json")
	ctx.SetBody(Marshal(err))
}
