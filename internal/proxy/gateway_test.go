package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/eventstream"
	"github.com/nulpointcorp/llm-relay/internal/keymap"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/providers/bedrock"
	"github.com/nulpointcorp/llm-relay/internal/providers/openaicompat"
)

// --- helpers ----------------------------------------------------------------

type recorded struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// upstream is an httptest provider double that records every request.
type upstream struct {
	*httptest.Server

	mu    sync.Mutex
	reqs  []recorded
	calls atomic.Int64
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.reqs = append(u.reqs, recorded{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     body,
		})
		u.mu.Unlock()
		u.calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) last(t *testing.T) recorded {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.reqs) == 0 {
		t.Fatal("upstream received no request")
	}
	return u.reqs[len(u.reqs)-1]
}

func jsonResponse(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func newTestGateway(t *testing.T, opts GatewayOptions, provs ...providers.Provider) *Gateway {
	t.Helper()
	reg, err := providers.NewRegistry(provs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = providers.Fireworks
	}
	return NewGatewayWithOptions(context.Background(), reg, opts)
}

// serveGateway runs the gateway's full handler chain on an in-memory
// listener and returns a client routed to it.
func serveGateway(t *testing.T, gw *Gateway, mgmt *ManagementRoutes) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(mgmt))
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 10 * time.Second,
	}
}

func do(t *testing.T, client *http.Client, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://relay"+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func expectError(t *testing.T, resp *http.Response, status int, typ string) errorEnvelope {
	t.Helper()
	body := readBody(t, resp)
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, body)
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("error body is not JSON: %v (%s)", err, body)
	}
	if env.Error.Type != typ {
		t.Fatalf("error type = %q, want %q (message %q)", env.Error.Type, typ, env.Error.Message)
	}
	return env
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

const chatBody = `{"model":"accounts/fireworks/models/llama-v3p1-8b-instruct","messages":[{"role":"user","content":"hi"}]}`

// --- construction -----------------------------------------------------------

func TestNewGatewayWithOptions_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	//nolint:staticcheck // nil context is the case under test
	NewGatewayWithOptions(nil, nil, GatewayOptions{})
}

func TestNewGatewayWithOptions_Defaults(t *testing.T) {
	gw := NewGatewayWithOptions(context.Background(), nil, GatewayOptions{DefaultProvider: " Fireworks "})
	if gw.providerTimeout != providers.ProviderTimeout {
		t.Errorf("providerTimeout = %v", gw.providerTimeout)
	}
	if gw.defaultProvider != "fireworks" {
		t.Errorf("defaultProvider = %q", gw.defaultProvider)
	}
	if gw.providers.Len() != 0 {
		t.Errorf("providers = %d, want empty registry", gw.providers.Len())
	}
}

// --- dispatch ---------------------------------------------------------------

func TestProxy_ForwardsToDefaultProvider(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{"id":"chatcmpl-1","usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	gw := newTestGateway(t, GatewayOptions{},
		openaicompat.New(providers.Fireworks, up.URL+"/inference/v1"))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions?trace=1", chatBody, map[string]string{
		"Authorization":   "Bearer fw-client-key",
		"X-Forwarded-For": "10.1.2.3",
	})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if string(body) != `{"id":"chatcmpl-1","usage":{"prompt_tokens":3,"completion_tokens":4}}` {
		t.Errorf("body not relayed verbatim: %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing")
	}

	got := up.last(t)
	if got.Path != "/inference/v1/chat/completions" {
		t.Errorf("upstream path = %q", got.Path)
	}
	if got.RawQuery != "trace=1" {
		t.Errorf("upstream query = %q", got.RawQuery)
	}
	if got.Header.Get("Authorization") != "Bearer fw-client-key" {
		t.Errorf("upstream Authorization = %q", got.Header.Get("Authorization"))
	}
	if got.Header.Get("X-Forwarded-For") != "" {
		t.Error("inbound headers must not be copied wholesale")
	}
	if string(got.Body) != chatBody {
		t.Errorf("upstream body = %s", got.Body)
	}
}

func TestProxy_XProviderHeader(t *testing.T) {
	fw := newUpstream(t, jsonResponse(`{"from":"fireworks"}`))
	groq := newUpstream(t, jsonResponse(`{"from":"groq"}`))
	gw := newTestGateway(t, GatewayOptions{},
		openaicompat.New(providers.Fireworks, fw.URL+"/inference/v1"),
		openaicompat.New(providers.Groq, groq.URL+"/openai/v1"),
	)
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{
		"Authorization": "Bearer gsk",
		"X-Provider":    "GROQ",
	})
	if body := readBody(t, resp); string(body) != `{"from":"groq"}` {
		t.Fatalf("body = %s", body)
	}
	if fw.calls.Load() != 0 {
		t.Error("default provider must not be called when X-Provider is set")
	}
	if got := groq.last(t).Path; got != "/openai/v1/chat/completions" {
		t.Errorf("groq path = %q", got)
	}
}

func TestProxy_ProviderRoute(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{"data":[]}`))
	gw := newTestGateway(t, GatewayOptions{},
		openaicompat.New(providers.Together, up.URL+"/v1", openaicompat.WithAPIKey("tg-configured")))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodGet, "/providers/together/v1/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	readBody(t, resp)

	got := up.last(t)
	if got.Method != http.MethodGet || got.Path != "/v1/models" {
		t.Errorf("upstream saw %s %s", got.Method, got.Path)
	}
	if got.Header.Get("Authorization") != "Bearer tg-configured" {
		t.Errorf("fallback key not used: %q", got.Header.Get("Authorization"))
	}
}

func TestProxy_UnsupportedProvider(t *testing.T) {
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, "http://unused"))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{
		"Authorization": "Bearer k",
		"X-Provider":    "nope",
	})
	expectError(t, resp, http.StatusBadRequest, "unsupported_provider")
}

func TestProxy_MissingCredential(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{}`))
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, up.URL))
	client := serveGateway(t, gw, nil)

	env := expectError(t, do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, nil),
		http.StatusUnauthorized, "missing_credential")
	if env.Error.Message == "" {
		t.Error("error message must not be empty")
	}
	if up.calls.Load() != 0 {
		t.Error("nothing may be dispatched without a credential")
	}
}

func TestProxy_InvalidMethod(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{}`))
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, up.URL))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, "PROPFIND", "/v1/models", "", map[string]string{"Authorization": "Bearer k"})
	expectError(t, resp, http.StatusBadRequest, "invalid_method")
}

func TestProxy_StatusAndHeadersVerbatim(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.Header().Set("X-Ratelimit-Remaining-Requests", "0")
		w.Header().Set("Set-Cookie", "upstream=1")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, up.URL))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer k"})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if string(body) != `{"error":{"message":"slow down"}}` {
		t.Errorf("body = %s", body)
	}
	if resp.Header.Get("Retry-After") != "7" || resp.Header.Get("X-Ratelimit-Remaining-Requests") != "0" {
		t.Errorf("rate limit headers not forwarded: %v", resp.Header)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Error("unrelated upstream headers must not be forwarded")
	}
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, deadURL))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer k"})
	expectError(t, resp, http.StatusBadGateway, "upstream_request_failed")
}

func TestProxy_Validation(t *testing.T) {
	up := newUpstream(t, jsonResponse(`{}`))
	gw := newTestGateway(t, GatewayOptions{ValidateRequests: true}, openaicompat.New(providers.Fireworks, up.URL))
	client := serveGateway(t, gw, nil)
	auth := map[string]string{"Authorization": "Bearer k"}

	expectError(t, do(t, client, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`, auth),
		http.StatusBadRequest, "invalid_request_format")
	expectError(t, do(t, client, http.MethodPost, "/v1/chat/completions", `{"model":`, auth),
		http.StatusBadRequest, "json_decode_error")
	if up.calls.Load() != 0 {
		t.Fatal("invalid requests must not be dispatched")
	}

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid request: status = %d", resp.StatusCode)
	}
	readBody(t, resp)

	// Non chat routes are not validated.
	resp = do(t, client, http.MethodPost, "/v1/embeddings", `{"input":"x"}`, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("embeddings: status = %d", resp.StatusCode)
	}
	readBody(t, resp)
}

// --- streaming --------------------------------------------------------------

func TestProxy_SSEStreamsIncrementally(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: {\"n\":1}\n\n")
		w.(http.Flusher).Flush()

		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "data: {\"n\":2,\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":7}}\n\ndata: [DONE]\n\n")
	})
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	reg := metrics.New()
	gw := newTestGateway(t, GatewayOptions{Metrics: reg}, openaicompat.New(providers.Fireworks, up.URL))
	client := serveGateway(t, gw, &ManagementRoutes{Metrics: reg.Handler()})

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer k"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	first := make(chan string, 1)
	go func() {
		var sb strings.Builder
		for {
			line, err := br.ReadString('\n')
			sb.WriteString(line)
			if err != nil || line == "\n" {
				first <- sb.String()
				return
			}
		}
	}()

	select {
	case ev := <-first:
		if ev != "data: {\"n\":1}\n\n" {
			t.Fatalf("first event = %q", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first event not delivered before upstream finished")
	}

	releaseOnce.Do(func() { close(release) })
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("reading rest of stream: %v", err)
	}
	if !strings.HasSuffix(string(rest), "data: [DONE]\n\n") {
		t.Errorf("rest = %q", rest)
	}

	eventually(t, func() bool {
		resp := do(t, client, http.MethodGet, "/metrics", "", nil)
		body := string(readBody(t, resp))
		return strings.Contains(body, `relay_stream_frames_total{provider="fireworks"} 3`) &&
			strings.Contains(body, `relay_tokens_total{direction="input",provider="fireworks"} 5`) &&
			strings.Contains(body, `relay_tokens_total{direction="output",provider="fireworks"} 7`)
	}, "stream metrics were not recorded")
}

func TestProxy_MalformedSSEStopsStream(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: ok\n\n")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "id: trace\x00\n\ndata: after\n\n")
	})
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, up.URL))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer k"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Error("a cut-off stream must end with a read error, not a clean EOF")
	}
	if !strings.HasPrefix(string(body), "data: ok\n\n") {
		t.Errorf("bytes forwarded before the error were altered: %q", body)
	}
	if strings.Contains(string(body), "after") || strings.Contains(string(body), "error") {
		t.Errorf("nothing may be forwarded or spliced after the malformed frame: %q", body)
	}
}

func TestProxy_SSEIgnoresUnknownFields(t *testing.T) {
	const stream = "data: one\n\nx-trace: abc\ndata: two\n\n: keepalive\r\nretry: soon\r\ndata: three\r\n\r\ndata: [DONE]\n\n"
	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, stream)
	})
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, up.URL))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer k"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := string(readBody(t, resp)); got != stream {
		t.Errorf("body = %q, want the upstream stream unchanged", got)
	}
}

func TestProxy_InvalidUpstreamStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				_, _ = io.Copy(io.Discard, req.Body)
				_, _ = io.WriteString(conn, "HTTP/1.1 099 X\r\n\r\n")
			}()
		}
	}()

	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, "http://"+ln.Addr().String()))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer k"})
	expectError(t, resp, http.StatusBadGateway, "invalid_upstream_status")
}

func TestProxy_BedrockSignedBinaryStream(t *testing.T) {
	var stream bytes.Buffer
	for _, chunk := range []string{`{"bytes":"aGk="}`, `{"bytes":"dGhlcmU="}`} {
		stream.Write(eventstream.EncodeMessage([]eventstream.Header{
			{Name: ":message-type", Value: "event"},
			{Name: ":event-type", Value: "chunk"},
		}, []byte(chunk)))
	}
	want := stream.Bytes()

	up := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", eventstream.ContentTypeBinary)
		_, _ = w.Write(want)
	})
	gw := newTestGateway(t, GatewayOptions{DefaultProvider: providers.Bedrock},
		bedrock.New("us-west-2", bedrock.WithEndpointURL(up.URL)))
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{
		"X-Aws-Access-Key-Id":     "AKIDEXAMPLE",
		"X-Aws-Secret-Access-Key": "secret",
	})
	got := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, got)
	}
	if !bytes.Equal(got, want) {
		t.Error("binary event stream was not relayed byte for byte")
	}

	req := up.last(t)
	if req.Path != "/chat/completions" {
		t.Errorf("upstream path = %q", req.Path)
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") || !strings.Contains(auth, "/us-west-2/bedrock/aws4_request") {
		t.Errorf("Authorization = %q", auth)
	}
	if req.Header.Get("X-Amz-Date") == "" {
		t.Error("X-Amz-Date missing")
	}
	if req.Header.Get("X-Aws-Secret-Access-Key") != "" {
		t.Error("credential headers must not reach the upstream")
	}
}

// --- key mapping ------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestProxy_KeyMappingEndToEnd(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_750_000_000, 0)}

	var resolverCalls atomic.Int64
	resolver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolverCalls.Add(1)
		if r.URL.Path != "/keys/app-123" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"key":"sk-real","expires":%d}`, clk.Now().Unix()+30)
	}))
	t.Cleanup(resolver.Close)

	up := newUpstream(t, jsonResponse(`{}`))
	gw := newTestGateway(t, GatewayOptions{}, openaicompat.New(providers.Fireworks, up.URL))

	kc := cache.NewMemoryCache(context.Background(), cache.WithClock(clk.Now))
	t.Cleanup(kc.Close)
	gw.SetKeyMapper(keymap.New(kc, keymap.Options{ResolverURL: resolver.URL + "/keys/", Now: clk.Now}), "memory")
	client := serveGateway(t, gw, nil)

	send := func() {
		t.Helper()
		resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer app-123"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d (%s)", resp.StatusCode, readBody(t, resp))
		}
		readBody(t, resp)
		if got := up.last(t).Header.Get("Authorization"); got != "Bearer sk-real" {
			t.Fatalf("upstream Authorization = %q, want Bearer sk-real", got)
		}
	}

	send()
	send()
	if got := resolverCalls.Load(); got != 1 {
		t.Fatalf("resolver calls within TTL = %d, want 1", got)
	}

	clk.Advance(30 * time.Second)
	send()
	if got := resolverCalls.Load(); got != 2 {
		t.Fatalf("resolver calls after expiry = %d, want 2", got)
	}

	resp := do(t, client, http.MethodPost, "/v1/chat/completions", chatBody, map[string]string{"Authorization": "Bearer unknown-app"})
	expectError(t, resp, http.StatusBadGateway, "upstream_request_failed")
}

// --- health -----------------------------------------------------------------

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t, GatewayOptions{},
		openaicompat.New(providers.Groq, "http://unused"),
		openaicompat.New(providers.Fireworks, "http://unused"),
	)
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodGet, "/health", "", nil)
	var got struct {
		Status          string   `json:"status"`
		Providers       []string `json:"providers"`
		DefaultProvider string   `json:"default_provider"`
		KeyMapping      string   `json:"key_mapping"`
	}
	if err := json.Unmarshal(readBody(t, resp), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "ok" || got.DefaultProvider != "fireworks" || got.KeyMapping != "disabled" {
		t.Errorf("health = %+v", got)
	}
	if strings.Join(got.Providers, ",") != "fireworks,groq" {
		t.Errorf("providers = %v", got.Providers)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	gw := newTestGateway(t, GatewayOptions{})
	client := serveGateway(t, gw, nil)

	resp := do(t, client, http.MethodGet, "/v2/anything", "", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
