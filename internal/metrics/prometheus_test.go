package metrics

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestKeyLookup(t *testing.T) {
	r := New()
	r.KeyLookup("hit")
	r.KeyLookup("hit")
	r.KeyLookup("miss")

	if got := testutil.ToFloat64(r.keyLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.keyLookups.WithLabelValues("miss")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestRecordRequest(t *testing.T) {
	r := New()
	r.RecordRequest("fireworks", 200, 150*time.Millisecond)
	r.RecordRequest("fireworks", 429, 10*time.Millisecond)

	if got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("fireworks", "200")); got != 1 {
		t.Errorf("200 count = %v", got)
	}
	if got := testutil.CollectAndCount(r.requestDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestAddTokens_SkipsZero(t *testing.T) {
	r := New()
	r.AddTokens("openai", 12, 0)

	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("openai", "input")); got != 12 {
		t.Errorf("input = %v", got)
	}
	if got := testutil.CollectAndCount(r.tokensTotal); got != 1 {
		t.Errorf("series = %d, want only input", got)
	}
}

func TestStreamMetrics(t *testing.T) {
	r := New()
	r.AddStreamFrames("groq", 3)
	r.AddStreamFrames("groq", 0)
	r.RecordStreamError("groq", "event_stream_error")

	if got := testutil.ToFloat64(r.streamFrames.WithLabelValues("groq")); got != 3 {
		t.Errorf("frames = %v", got)
	}
	if got := testutil.ToFloat64(r.streamErrors.WithLabelValues("groq", "event_stream_error")); got != 1 {
		t.Errorf("stream errors = %v", got)
	}
}

func TestInFlight(t *testing.T) {
	r := New()
	r.IncInFlight()
	r.IncInFlight()
	r.DecInFlight()
	if got := testutil.ToFloat64(r.inFlight); got != 1 {
		t.Fatalf("inflight = %v, want 1", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.KeyLookup("miss")

	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	go func() { _ = fasthttp.Serve(ln, r.Handler()) }()

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	status, body, err := client.Get(nil, "http://relay/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	if status != fasthttp.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, want := range []string{`relay_build_info{version="test"} 1`, `relay_key_lookups_total{result="miss"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
