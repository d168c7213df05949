package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

var vocabulary = []string{
	"relay", "stream", "frame", "token", "upstream", "provider", "bytes",
	"chunk", "signed", "request", "header", "mapped", "key", "event",
	"mock", "reply", "for", "local", "testing", "of", "the", "gateway",
}

// mockWords returns n random words; the last one ends with a period.
func mockWords(n int) []string {
	if n <= 0 {
		return nil
	}
	words := make([]string, n)
	for i := range words {
		words[i] = vocabulary[rand.IntN(len(vocabulary))]
	}
	words[n-1] += "."
	return words
}

// errorWriter renders a provider specific error body.
type errorWriter func(w http.ResponseWriter, status int, msg, typ string)

// admit applies the shared request policy: method check, artificial latency
// and random failures. It reports whether the handler should continue.
func admit(cfg Config, w http.ResponseWriter, r *http.Request, method string, fail errorWriter) bool {
	if r.Method != method {
		fail(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return false
	}
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
	if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
		fail(w, http.StatusInternalServerError, "mock internal server error", "server_error")
		return false
	}
	return true
}

func notFound(fail errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fail(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	}
}

// streamWriter writes and flushes one event at a time so clients observe
// incremental delivery.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func startStream(w http.ResponseWriter, contentType string) *streamWriter {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &streamWriter{w: w, flusher: f}
}

// event writes one SSE event. An empty name omits the event: line; a string
// payload is written as is.
func (s *streamWriter) event(name string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		data, _ = json.Marshal(v)
	}
	if name != "" {
		fmt.Fprintf(s.w, "event: %s\n", name)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flush()
}

func (s *streamWriter) raw(b []byte) {
	_, _ = s.w.Write(b)
	s.flush()
}

func (s *streamWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpenAIError writes the OpenAI error envelope, also used by the
// resolver mock.
func writeOpenAIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    typ,
		},
	})
}
