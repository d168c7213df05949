// Package anthropic implements providers.Provider for the Anthropic API.
//
// Anthropic authenticates with an x-api-key header instead of a bearer token;
// the client's bearer token (or the configured key) is moved there.
package anthropic

import (
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey  string
	baseURL string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey sets a fallback key used when the client sends none.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// New creates a new Anthropic Provider.
func New(opts ...Option) *Provider {
	p := &Provider{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string    { return providers.Anthropic }
func (p *Provider) BaseURL() string { return p.baseURL }

func (p *Provider) ProcessHeaders(original http.Header) (http.Header, error) {
	h := providers.BaseHeaders(original)

	key := providers.BearerToken(original)
	if key == "" {
		key = strings.TrimSpace(original.Get("X-Api-Key"))
	}
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, apierr.New(apierr.KindMissingCredential, "anthropic: no API key provided")
	}
	if err := providers.SetHeader(h, "X-Api-Key", key); err != nil {
		return nil, err
	}

	version := original.Get("Anthropic-Version")
	if version == "" {
		version = apiVersion
	}
	if err := providers.SetHeader(h, "Anthropic-Version", version); err != nil {
		return nil, err
	}
	if err := providers.CopyHeaders(h, original, "Anthropic-Beta"); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *Provider) TransformPath(path string) string {
	return providers.StripVersion(path)
}
