// Package keymap rewrites a client's opaque app key into the upstream API key
// it stands for.
//
// The mapping is owned by an external resolver: GET <resolver><app key>
// answers {"key": "...", "expires": <unix seconds>}. Resolved keys are cached
// for min(expires-now, MaxTTL), or MaxTTL when the resolver gives no expiry.
//
// Concurrent first requests for the same unseen app key are not coalesced;
// each may call the resolver once.
package keymap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/net/http/httpguts"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 64 << 10
)

// ProviderAppKey is the resolver's response body.
type ProviderAppKey struct {
	Key     string  `json:"key"`
	Expires *uint64 `json:"expires,omitempty"`
}

// Options configures a Mapper. Only ResolverURL is required to enable it.
type Options struct {
	// ResolverURL is the resolver base URL; the app key is appended to it.
	// Empty disables mapping.
	ResolverURL string

	// MaxTTL caps how long a resolved key is cached. Default: 1h.
	MaxTTL time.Duration

	// Timeout bounds one resolver round trip. Default: 10s.
	Timeout time.Duration

	// Client overrides the HTTP client used for the resolver.
	Client *http.Client

	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Now is the clock used for TTL arithmetic. Default: time.Now.
	Now func() time.Time

	// BaseContext parents resolver calls made from Middleware. It is
	// cancelled on shutdown. Default: context.Background().
	BaseContext context.Context
}

// Mapper resolves app keys and rewrites Authorization headers.
type Mapper struct {
	resolverURL string
	cache       cache.KeyCache
	client      *http.Client
	maxTTL      time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Registry
	baseCtx     context.Context
}

// New creates a Mapper backed by c.
func New(c cache.KeyCache, opts Options) *Mapper {
	m := &Mapper{
		resolverURL: strings.TrimSpace(opts.ResolverURL),
		cache:       c,
		client:      opts.Client,
		maxTTL:      opts.MaxTTL,
		now:         opts.Now,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		baseCtx:     opts.BaseContext,
	}
	if m.baseCtx == nil {
		m.baseCtx = context.Background()
	}
	if m.maxTTL <= 0 {
		m.maxTTL = cache.DefaultTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		m.client = &http.Client{Timeout: timeout}
	}
	return m
}

// Enabled reports whether a resolver is configured.
func (m *Mapper) Enabled() bool { return m != nil && m.resolverURL != "" }

// Middleware runs MapRequest before next. When mapping is disabled next is
// returned unchanged.
func (m *Mapper) Middleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if !m.Enabled() {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		if err := m.MapRequest(m.baseCtx, &ctx.Request.Header); err != nil {
			reqID, _ := ctx.UserValue("request_id").(string)
			m.log.WarnContext(m.baseCtx, "key_mapping_failed",
				slog.String("request_id", reqID),
				slog.String("type", apierr.KindOf(err).String()),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, err)
			return
		}
		next(ctx)
	}
}

// MapRequest replaces "Authorization: Bearer <app key>" with the resolved
// upstream key. Requests without a bearer token are left untouched.
func (m *Mapper) MapRequest(ctx context.Context, h *fasthttp.RequestHeader) error {
	if !m.Enabled() {
		return nil
	}
	appKey := providers.ParseBearer(string(h.Peek("Authorization")))
	if appKey == "" {
		return nil
	}

	key, err := m.Resolve(ctx, appKey)
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+key)
	return nil
}

// Resolve returns the upstream key for appKey, consulting the cache first.
func (m *Mapper) Resolve(ctx context.Context, appKey string) (string, error) {
	if key, ok := m.cache.Get(ctx, appKey); ok {
		if m.metrics != nil {
			m.metrics.KeyLookup("hit")
		}
		return key, nil
	}
	if m.metrics != nil {
		m.metrics.KeyLookup("miss")
	}

	start := time.Now()
	resolved, err := m.fetch(ctx, appKey)
	if m.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = apierr.KindOf(err).String()
		}
		m.metrics.ObserveResolverFetch(outcome, time.Since(start))
	}
	if err != nil {
		return "", err
	}

	ttl, err := m.ttlFor(resolved)
	if err != nil {
		return "", err
	}

	if err := m.cache.Set(ctx, appKey, resolved.Key, ttl); err != nil {
		m.log.WarnContext(ctx, "key_cache_set_failed", slog.String("error", err.Error()))
	}

	m.log.DebugContext(ctx, "key_resolved",
		slog.String("app_key_id", keyID(appKey)),
		slog.Duration("ttl", ttl),
	)
	return resolved.Key, nil
}

func (m *Mapper) fetch(ctx context.Context, appKey string) (*ProviderAppKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.resolverURL+url.PathEscape(appKey), nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindRequest, err, "key resolver: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if isConnectError(err) {
			return nil, apierr.Wrap(apierr.KindUpstreamRequest, err, "key resolver unreachable")
		}
		return nil, apierr.Wrap(apierr.KindHTTP, err, "key resolver request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, apierr.Newf(apierr.KindUpstreamRequest, "key resolver returned status %d", resp.StatusCode)
	}

	var out ProviderAppKey
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return nil, apierr.Wrap(apierr.KindJSONParse, err, "key resolver: decode response")
	}
	if out.Key == "" {
		return nil, apierr.New(apierr.KindJSONParse, "key resolver: response has no key")
	}
	if !httpguts.ValidHeaderFieldValue("Bearer " + out.Key) {
		return nil, apierr.New(apierr.KindHeaderValue, "key resolver: key is not a valid header value")
	}
	return &out, nil
}

// ttlFor derives the cache lifetime of a resolved key.
func (m *Mapper) ttlFor(k *ProviderAppKey) (time.Duration, error) {
	if k.Expires == nil {
		return m.maxTTL, nil
	}
	remaining := time.Unix(int64(*k.Expires), 0).Sub(m.now())
	if remaining <= 0 {
		return 0, apierr.New(apierr.KindMissingCredential, "app key expired")
	}
	return min(remaining, m.maxTTL), nil
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// keyID is a short non-reversible identifier for logging an app key.
func keyID(appKey string) string {
	sum := sha256.Sum256([]byte(appKey))
	return hex.EncodeToString(sum[:6])
}
