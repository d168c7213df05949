package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/eventstream"
)

// newBedrockHandler simulates the Bedrock runtime.
//
//	POST /openai/v1/chat/completions: OpenAI compatible, SSE when stream=true
//	POST /openai/v1/model/{modelId}/invoke-with-response-stream: binary event stream
//
// Both require a SigV4 Authorization header. The signature itself is not
// verified.
func newBedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !admit(cfg, w, r, http.MethodPost, writeBedrockError) {
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBedrockError(w, http.StatusBadRequest, "invalid request body", "ValidationException")
			return
		}
		if req.Model == "" {
			req.Model = "openai.gpt-oss-20b-1:0"
		}

		c := completion{
			id:    fmt.Sprintf("chatcmpl-bedrock%x", rand.Int64()),
			model: req.Model,
			words: mockWords(cfg.StreamWords),
		}
		if req.Stream {
			c.stream(w, cfg.BreakAfter)
			return
		}
		c.usage = map[string]int{
			"prompt_tokens":     12,
			"completion_tokens": cfg.StreamWords,
			"total_tokens":      12 + cfg.StreamWords,
		}
		writeJSON(w, http.StatusOK, c.message())
	})

	mux.HandleFunc("/openai/v1/model/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/invoke-with-response-stream") {
			notFound(writeBedrockError)(w, r)
			return
		}
		if !admit(cfg, w, r, http.MethodPost, writeBedrockError) {
			return
		}
		m := anthropicMessage{
			id:        fmt.Sprintf("msg_bdrk_%x", rand.Int64()),
			model:     strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/openai/v1/model/"), "/invoke-with-response-stream"),
			words:     mockWords(cfg.StreamWords),
			inTokens:  12,
			outTokens: cfg.StreamWords,
		}
		serveEventStream(w, m, cfg.BreakAfter)
	})

	mux.HandleFunc("/", notFound(writeBedrockError))

	return requireSigV4(mux)
}

func requireSigV4(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 ") || r.Header.Get("X-Amz-Date") == "" {
			writeBedrockError(w, http.StatusForbidden, "Missing Authentication Token", "MissingAuthenticationTokenException")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveEventStream wraps the Anthropic streaming events in binary "chunk"
// messages the way invoke-with-response-stream does. breakAfter > 0 writes a
// truncated prelude after that many text deltas.
func serveEventStream(w http.ResponseWriter, m anthropicMessage, breakAfter int) {
	s := startStream(w, eventstream.ContentTypeBinary)

	deltas := 0
	for _, ev := range m.events() {
		if ev["type"] == "content_block_delta" {
			if breakAfter > 0 && deltas == breakAfter {
				s.raw([]byte{0, 0, 0, 64, 0, 0})
				return
			}
			deltas++
		}
		inner, _ := json.Marshal(ev)
		payload, _ := json.Marshal(map[string]string{
			"bytes": base64.StdEncoding.EncodeToString(inner),
		})
		s.raw(eventstream.EncodeMessage([]eventstream.Header{
			{Name: ":event-type", Value: "chunk"},
			{Name: ":content-type", Value: "application/json"},
			{Name: ":message-type", Value: "event"},
		}, payload))
	}
}

func writeBedrockError(w http.ResponseWriter, status int, msg, errType string) {
	w.Header().Set("X-Amzn-ErrorType", errType)
	writeJSON(w, status, map[string]any{
		"message": msg,
		"__type":  errType,
	})
}
