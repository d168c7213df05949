// Package bedrock implements providers.Provider for AWS Bedrock Runtime with
// AWS SigV4 request signing.
//
// Requests go to the runtime's OpenAI-compatible endpoint, so bodies are
// relayed unchanged.
//
// Credentials come from the X-Aws-Access-Key-Id / X-Aws-Secret-Access-Key /
// X-Aws-Session-Token request headers when present, otherwise from the
// configured key pair (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_SESSION_TOKEN).
package bedrock

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/sigv4"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	service       = "bedrock"
	defaultRegion = "us-east-1"

	headerAccessKey    = "X-Aws-Access-Key-Id"
	headerSecretKey    = "X-Aws-Secret-Access-Key"
	headerSessionToken = "X-Aws-Session-Token"
)

// Provider implements providers.Provider and providers.Signer.
type Provider struct {
	creds       sigv4.Credentials
	region      string
	endpointURL string
	signer      *sigv4.Signer
}

// Option configures a Provider.
type Option func(*Provider)

// WithCredentials sets the default key pair.
func WithCredentials(accessKey, secretKey string) Option {
	return func(p *Provider) {
		p.creds.AccessKeyID = accessKey
		p.creds.SecretAccessKey = secretKey
	}
}

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(p *Provider) { p.creds.SessionToken = token }
}

// WithEndpointURL overrides the base URL (e.g. for local mocks). The
// signature scope still uses the configured region.
func WithEndpointURL(u string) Option {
	return func(p *Provider) { p.endpointURL = strings.TrimRight(u, "/") }
}

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.signer.Now = now }
}

// New creates a Bedrock provider for region. An empty region means us-east-1.
func New(region string, opts ...Option) *Provider {
	if region == "" {
		region = defaultRegion
	}
	p := &Provider{
		region: region,
		signer: sigv4.New(region, service),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providers.Bedrock }

func (p *Provider) BaseURL() string {
	if p.endpointURL != "" {
		return p.endpointURL
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/openai/v1", p.region)
}

// ProcessHeaders sets content negotiation headers. Authorization is produced
// by Sign, so a request without usable AWS credentials fails here, before
// anything is dispatched.
func (p *Provider) ProcessHeaders(original http.Header) (http.Header, error) {
	if _, err := p.SigningCredentials(original); err != nil {
		return nil, err
	}
	return providers.BaseHeaders(original), nil
}

func (p *Provider) TransformPath(path string) string {
	return providers.StripVersion(path)
}

// SigningCredentials prefers per-request headers over the configured pair.
func (p *Provider) SigningCredentials(original http.Header) (sigv4.Credentials, error) {
	creds := p.creds
	if ak, sk := original.Get(headerAccessKey), original.Get(headerSecretKey); ak != "" && sk != "" {
		creds = sigv4.Credentials{
			AccessKeyID:     strings.TrimSpace(ak),
			SecretAccessKey: strings.TrimSpace(sk),
			SessionToken:    strings.TrimSpace(original.Get(headerSessionToken)),
		}
	}
	if !creds.Valid() {
		return sigv4.Credentials{}, apierr.New(apierr.KindMissingCredential, "bedrock: AWS credentials not provided")
	}
	return creds, nil
}

// Sign applies the SigV4 signature for the bedrock service.
func (p *Provider) Sign(req *http.Request, payload []byte, creds sigv4.Credentials) error {
	if err := p.signer.Sign(req, payload, creds); err != nil {
		return apierr.Wrap(apierr.KindSigning, err, "bedrock: sign request")
	}
	return nil
}
