// Package openaicompat provides a generic provider for upstreams that speak
// the OpenAI HTTP API with bearer authentication (OpenAI, Fireworks, Groq,
// Together AI and similar).
package openaicompat

import (
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Provider is a configurable OpenAI-compatible upstream.
type Provider struct {
	name        string
	baseURL     string
	apiKey      string
	passthrough []string
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPIKey sets a fallback key used when the client sends no bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithPassthroughHeaders forwards the named inbound headers unchanged
// (e.g. OpenAI-Organization).
func WithPassthroughHeaders(names ...string) Option {
	return func(p *Provider) { p.passthrough = append(p.passthrough, names...) }
}

// New creates a provider named name rooted at baseURL, e.g.
// "https://api.fireworks.ai/inference/v1".
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string    { return p.name }
func (p *Provider) BaseURL() string { return p.baseURL }

// ProcessHeaders sets content negotiation headers and a bearer credential
// taken from the inbound request or, failing that, the configured key.
func (p *Provider) ProcessHeaders(original http.Header) (http.Header, error) {
	h := providers.BaseHeaders(original)

	token := providers.BearerToken(original)
	if token == "" {
		token = p.apiKey
	}
	if token == "" {
		return nil, apierr.Newf(apierr.KindMissingCredential, "%s: no API key provided", p.name)
	}
	if err := providers.SetHeader(h, "Authorization", "Bearer "+token); err != nil {
		return nil, err
	}

	if err := providers.CopyHeaders(h, original, p.passthrough...); err != nil {
		return nil, err
	}
	return h, nil
}

// TransformPath drops the /v1 prefix that BaseURL already carries.
func (p *Provider) TransformPath(path string) string {
	return providers.StripVersion(path)
}
