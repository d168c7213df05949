// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics live in a private registry rather than the global default, so
// embedding the relay does not pollute host-level metrics. Handler exposes
// them for /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// relay_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// relay_request_duration_seconds{provider}
	requestDuration *prometheus.HistogramVec

	// relay_upstream_duration_seconds{provider,outcome}: time to response headers
	upstreamDuration *prometheus.HistogramVec

	// relay_stream_ttfb_seconds{provider}
	streamTTFB *prometheus.HistogramVec

	// relay_stream_frames_total{provider}
	streamFrames *prometheus.CounterVec

	// relay_stream_errors_total{provider,type}
	streamErrors *prometheus.CounterVec

	// relay_errors_total{provider,type}
	errorsTotal *prometheus.CounterVec

	// relay_key_lookups_total{result}
	keyLookups *prometheus.CounterVec

	// relay_key_resolver_duration_seconds{outcome}
	resolverDuration *prometheus.HistogramVec

	// relay_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Time until the handler returned; streaming bodies continue after this",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Proxied requests by provider and response status",
			},
			[]string{"provider", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Proxied request duration until the response body finished",
				Buckets: latencyBuckets,
			},
			[]string{"provider"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_duration_seconds",
				Help:    "Time until the upstream returned response headers",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "outcome"},
		),

		streamTTFB: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_stream_ttfb_seconds",
				Help:    "Time from dispatch to the first relayed stream event",
				Buckets: latencyBuckets,
			},
			[]string{"provider"},
		),

		streamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stream_frames_total",
				Help: "Stream events relayed to clients",
			},
			[]string{"provider"},
		),

		streamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stream_errors_total",
				Help: "Streams terminated early by error type",
			},
			[]string{"provider", "type"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Relay errors returned to clients by type",
			},
			[]string{"provider", "type"},
		),

		keyLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_key_lookups_total",
				Help: "App key cache lookups",
			},
			[]string{"result"},
		),

		resolverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_key_resolver_duration_seconds",
				Help:    "Key resolver round trip duration",
				Buckets: latencyBuckets,
			},
			[]string{"outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage reported by upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamDuration,
		r.streamTTFB,
		r.streamFrames,
		r.streamErrors,
		r.errorsTotal,
		r.keyLookups,
		r.resolverDuration,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records handler-level HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// RecordRequest records one completed proxied request.
func (r *Registry) RecordRequest(provider string, statusCode int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// ObserveUpstream records how long the upstream took to answer with headers.
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) ObserveTTFB(provider string, d time.Duration) {
	r.streamTTFB.WithLabelValues(provider).Observe(d.Seconds())
}

func (r *Registry) AddStreamFrames(provider string, n int) {
	if n > 0 {
		r.streamFrames.WithLabelValues(provider).Add(float64(n))
	}
}

func (r *Registry) RecordStreamError(provider, errType string) {
	r.streamErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) RecordError(provider, errType string) {
	r.errorsTotal.WithLabelValues(provider, errType).Inc()
}

// KeyLookup counts an app key cache lookup; result is "hit" or "miss".
func (r *Registry) KeyLookup(result string) {
	r.keyLookups.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveResolverFetch(outcome string, d time.Duration) {
	r.resolverDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge so the series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
