// Package providers defines the capability every upstream backend implements
// (base URL, outbound header construction, path rewriting and optional request
// signing) and the startup registry the relay dispatches through.
//
// Each backend lives in its own sub-package. The set is closed: providers are
// constructed explicitly during startup and registered once.
package providers

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/nulpointcorp/llm-relay/internal/sigv4"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Provider names known to the relay.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Groq      = "groq"
	Fireworks = "fireworks"
	Together  = "together"
	Bedrock   = "bedrock"
)

// ProviderTimeout is the default time allowed for an upstream to start
// responding. Streamed bodies are not bounded by it.
const ProviderTimeout = 60 * time.Second

// Provider describes how to reach one upstream API.
type Provider interface {
	// Name is the unique dispatch key.
	Name() string

	// BaseURL is the upstream origin, including any version segment.
	BaseURL() string

	// ProcessHeaders builds the complete outbound header set from the inbound
	// headers. It never copies inbound headers wholesale.
	ProcessHeaders(original http.Header) (http.Header, error)

	// TransformPath rebases the inbound path onto BaseURL.
	TransformPath(path string) string
}

// Signer is implemented by providers whose upstream requires request
// signing. Providers without it are dispatched unsigned.
type Signer interface {
	// SigningCredentials resolves the key pair used for this request.
	SigningCredentials(original http.Header) (sigv4.Credentials, error)

	// Sign signs req in place. payload is the exact body being sent.
	Sign(req *http.Request, payload []byte, creds sigv4.Credentials) error
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header,
// or "" when the header is absent, empty or uses another scheme.
func BearerToken(h http.Header) string {
	return ParseBearer(h.Get("Authorization"))
}

// ParseBearer extracts the token from a raw Authorization header value.
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// StripVersion removes a leading "/v1" segment. Paths without it are returned
// unchanged.
func StripVersion(path string) string {
	if path == "/v1" {
		return "/"
	}
	if strings.HasPrefix(path, "/v1/") {
		return strings.TrimPrefix(path, "/v1")
	}
	return path
}

// SetHeader validates value and sets it on h. Values that are not safe to
// send fail with KindInvalidHeader.
func SetHeader(h http.Header, name, value string) error {
	if !httpguts.ValidHeaderFieldValue(value) {
		return apierr.Newf(apierr.KindInvalidHeader, "invalid value for header %s", name)
	}
	h.Set(name, value)
	return nil
}

// BaseHeaders returns the content negotiation headers shared by JSON APIs.
// The inbound Content-Type and Accept win when present.
func BaseHeaders(original http.Header) http.Header {
	h := make(http.Header, 4)
	ct := original.Get("Content-Type")
	if ct == "" || !httpguts.ValidHeaderFieldValue(ct) {
		ct = "application/json"
	}
	h.Set("Content-Type", ct)

	accept := original.Get("Accept")
	if accept == "" || !httpguts.ValidHeaderFieldValue(accept) {
		accept = "application/json"
	}
	h.Set("Accept", accept)
	return h
}

// CopyHeaders copies the named inbound headers onto h when present.
func CopyHeaders(h, original http.Header, names ...string) error {
	for _, name := range names {
		if v := original.Get(name); v != "" {
			if err := SetHeader(h, name, v); err != nil {
				return err
			}
		}
	}
	return nil
}
