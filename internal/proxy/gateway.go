// Package proxy is the relay core.
//
// The Gateway selects a provider for each inbound request, builds the
// outbound request through that provider (headers, path, optional signing),
// dispatches it and relays the upstream response back without buffering.
// Event-stream bodies are validated frame by frame on the way through.
//
// Key constraints:
//   - Request bodies are forwarded byte for byte; nothing is re-encoded.
//   - Upstream status codes are relayed verbatim.
//   - A stream that turns malformed is cut off, never patched.
//   - Logger, metrics and key mapper are optional and nil-safe.
package proxy

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/eventstream"
	"github.com/nulpointcorp/llm-relay/internal/keymap"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// providerHeader selects the provider on /v1/* routes.
const providerHeader = "X-Provider"

var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// Response headers relayed from upstream. Everything else, including
// Content-Length and Transfer-Encoding, is produced by the server.
var (
	forwardedHeaders = []string{
		"Content-Type",
		"Cache-Control",
		"Retry-After",
		"X-Amzn-Requestid",
	}
	forwardedPrefixes = []string{
		"X-Ratelimit-",
		"Anthropic-Ratelimit-",
	}
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// can be omitted.
type GatewayOptions struct {
	// Logger is used for request diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// ProviderTimeout bounds the wait for upstream response headers. Streamed
	// bodies are not limited by it. Default: providers.ProviderTimeout (60s).
	ProviderTimeout time.Duration

	// DefaultProvider serves /v1/* requests without an X-Provider header.
	DefaultProvider string

	// ValidateRequests enables chat completion body validation.
	ValidateRequests bool

	// Metrics enables Prometheus metrics. Nil disables them.
	Metrics *metrics.Registry

	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
}

// Gateway is the relay. All dependencies are injected so they can be
// replaced in tests.
type Gateway struct {
	providers *providers.Registry
	keys      *keymap.Mapper
	keyMode   string

	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry
	reqLogger *logger.Logger
	client    *http.Client

	defaultProvider string
	providerTimeout time.Duration
	validate        bool

	// CORS allowed origins. ["*"] or empty allows all.
	corsOrigins []string
}

// NewGatewayWithOptions creates a Gateway over reg. It panics when baseCtx
// is nil. Upstream calls are cancelled when baseCtx is.
func NewGatewayWithOptions(baseCtx context.Context, reg *providers.Registry, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if reg == nil {
		reg, _ = providers.NewRegistry()
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = timeout
		t.MaxIdleConnsPerHost = 64
		transport = t
	}

	return &Gateway{
		providers:       reg,
		keyMode:         "disabled",
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		client:          &http.Client{Transport: transport},
		defaultProvider: strings.ToLower(strings.TrimSpace(opts.DefaultProvider)),
		providerTimeout: timeout,
		validate:        opts.ValidateRequests,
	}
}

// SetKeyMapper installs the app key mapper in front of the proxy routes.
// mode is reported by /health.
func (g *Gateway) SetKeyMapper(m *keymap.Mapper, mode string) {
	g.keys = m
	if m.Enabled() {
		g.keyMode = mode
	}
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// handleV1 serves /v1/*, choosing the provider from X-Provider.
func (g *Gateway) handleV1(ctx *fasthttp.RequestCtx) {
	name := strings.TrimSpace(string(ctx.Request.Header.Peek(providerHeader)))
	if name == "" {
		name = g.defaultProvider
	}
	g.dispatch(ctx, name, string(ctx.Path()))
}

// handleProviderRoute serves /providers/{provider}/*.
func (g *Gateway) handleProviderRoute(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("provider").(string)
	rest, _ := ctx.UserValue("path").(string)
	g.dispatch(ctx, name, "/"+strings.TrimPrefix(rest, "/"))
}

// dispatch forwards one request to the named provider and installs the
// relay for its response. Failures before any response byte is written are
// rendered as JSON errors.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, providerName, path string) {
	ex := g.newExchange(ctx, providerName, path)

	prov, err := g.providers.Get(providerName)
	if err != nil {
		g.fail(ctx, ex, err)
		return
	}
	ex.provider = prov.Name()

	if g.validate && isChatCompletions(path) {
		if err := validateChatRequest(ctx.Method(), ctx.PostBody()); err != nil {
			g.fail(ctx, ex, err)
			return
		}
	}

	upCtx, cancel := context.WithCancel(g.baseCtx)
	req, err := g.buildRequest(upCtx, ctx, prov, path)
	if err != nil {
		cancel()
		g.fail(ctx, ex, err)
		return
	}

	upStart := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		if g.metrics != nil {
			g.metrics.ObserveUpstream(ex.provider, "error", time.Since(upStart))
		}
		g.fail(ctx, ex, apierr.Wrap(apierr.KindUpstreamRequest, err, ex.provider+": request failed"))
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstream(ex.provider, "ok", time.Since(upStart))
	}

	if resp.StatusCode < 100 || resp.StatusCode > 999 {
		cancel()
		_ = resp.Body.Close()
		g.fail(ctx, ex, apierr.Newf(apierr.KindInvalidStatus, "%s: invalid status %d", ex.provider, resp.StatusCode))
		return
	}

	g.relay(ctx, ex, resp, cancel)
}

// buildRequest assembles the outbound request: provider headers, rewritten
// path, original query and body, then the signature when required.
func (g *Gateway) buildRequest(upCtx context.Context, ctx *fasthttp.RequestCtx, prov providers.Provider, path string) (*http.Request, error) {
	method := string(ctx.Method())
	if _, ok := allowedMethods[method]; !ok {
		return nil, apierr.Newf(apierr.KindInvalidMethod, "method %q is not supported", method)
	}

	inbound := toHTTPHeader(&ctx.Request.Header)
	headers, err := prov.ProcessHeaders(inbound)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidHeader, err, prov.Name()+": build headers")
	}

	target := prov.BaseURL() + prov.TransformPath(path)
	if q := ctx.URI().QueryString(); len(q) > 0 {
		target += "?" + string(q)
	}

	// The transport may still read the body after Do returns, by which time
	// fasthttp has recycled the request buffer.
	payload := bytes.Clone(ctx.PostBody())

	var body *bytes.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := newRequest(upCtx, method, target, body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindRequest, err, prov.Name()+": build request")
	}
	req.Header = headers

	if signer, ok := prov.(providers.Signer); ok {
		creds, err := signer.SigningCredentials(inbound)
		if err != nil {
			return nil, err
		}
		if err := signer.Sign(req, payload, creds); err != nil {
			return nil, apierr.Wrap(apierr.KindSigning, err, prov.Name()+": sign request")
		}
	}
	return req, nil
}

func newRequest(ctx context.Context, method, target string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, target, http.NoBody)
	}
	return http.NewRequestWithContext(ctx, method, target, body)
}

// relay copies status and framing headers, then streams the body through a
// relayBody. From here on the exchange is finished by relayBody.Close.
func (g *Gateway) relay(ctx *fasthttp.RequestCtx, ex *exchange, resp *http.Response, cancel context.CancelFunc) {
	ctx.SetStatusCode(resp.StatusCode)
	copyResponseHeaders(&ctx.Response.Header, resp.Header)

	kind := eventstream.Classify(resp.Header.Get("Content-Type"))
	ex.status = resp.StatusCode
	ex.streamed = kind != eventstream.KindNone

	size := -1
	if kind == eventstream.KindNone && resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	if ex.streamed {
		// Intermediaries must not buffer event streams.
		ctx.Response.Header.Set("X-Accel-Buffering", "no")
	}
	ctx.SetBodyStream(newRelayBody(ex, resp.Body, kind, cancel, isJSON(resp.Header.Get("Content-Type"))), size)
}

// fail renders err and finishes the exchange.
func (g *Gateway) fail(ctx *fasthttp.RequestCtx, ex *exchange, err error) {
	kind := apierr.KindOf(err)
	g.log.WarnContext(g.baseCtx, "proxy_error",
		slog.String("request_id", ex.requestID),
		slog.String("provider", ex.providerLabel()),
		slog.String("path", ex.path),
		slog.String("type", kind.String()),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, err)
	ex.status = kind.Status()
	ex.errType = kind.String()
	ex.finish()
}

func isChatCompletions(path string) bool {
	return strings.HasSuffix(strings.TrimSuffix(path, "/"), "/chat/completions")
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.Contains(ct, "+json")
}

// toHTTPHeader converts fasthttp request headers to a canonical http.Header.
func toHTTPHeader(h *fasthttp.RequestHeader) http.Header {
	out := make(http.Header)
	h.VisitAll(func(k, v []byte) {
		key := textproto.CanonicalMIMEHeaderKey(string(k))
		out[key] = append(out[key], string(v))
	})
	return out
}

func copyResponseHeaders(dst *fasthttp.ResponseHeader, src http.Header) {
	for _, name := range forwardedHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
	for name, vals := range src {
		for _, prefix := range forwardedPrefixes {
			if strings.HasPrefix(name, prefix) {
				for _, v := range vals {
					dst.Add(name, v)
				}
				break
			}
		}
	}
}

// requestModel peeks at the "model" field for labelling without decoding
// the body.
func requestModel(body []byte) string {
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}
