package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newAnthropicHandler simulates the Anthropic Messages API. Requests must
// carry X-Api-Key and Anthropic-Version, both of which the relay sets.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if !admit(cfg, w, r, http.MethodPost, writeAnthropicError) {
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAnthropicError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if req.Model == "" {
			req.Model = "claude-sonnet-4-5"
		}

		m := anthropicMessage{
			id:        fmt.Sprintf("msg_%x", rand.Int64()),
			model:     req.Model,
			words:     mockWords(cfg.StreamWords),
			inTokens:  15,
			outTokens: cfg.StreamWords,
		}
		if req.Stream {
			m.stream(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            m.id,
			"type":          "message",
			"role":          "assistant",
			"model":         m.model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]string{{"type": "text", "text": strings.Join(m.words, " ")}},
			"usage":         map[string]int{"input_tokens": m.inTokens, "output_tokens": m.outTokens},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"type": "model", "id": "claude-sonnet-4-5", "display_name": "Claude Sonnet 4.5"},
				{"type": "model", "id": "claude-haiku-4-5", "display_name": "Claude Haiku 4.5"},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-5",
			"last_id":  "claude-haiku-4-5",
		})
	})

	mux.HandleFunc("/", notFound(writeAnthropicError))

	return requireAnthropicHeaders(mux)
}

func requireAnthropicHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Header.Get("X-Api-Key") == "":
			writeAnthropicError(w, http.StatusUnauthorized, "x-api-key header is required", "authentication_error")
		case r.Header.Get("Anthropic-Version") == "":
			writeAnthropicError(w, http.StatusBadRequest, "anthropic-version header is required", "invalid_request_error")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func writeAnthropicError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": typ, "message": msg},
	})
}

type anthropicMessage struct {
	id                  string
	model               string
	words               []string
	inTokens, outTokens int
}

// events returns the Messages streaming sequence, from message_start to
// message_stop. The Bedrock mock reuses it inside binary frames.
func (m anthropicMessage) events() []map[string]any {
	evs := []map[string]any{
		{
			"type": "message_start",
			"message": map[string]any{
				"id":      m.id,
				"type":    "message",
				"role":    "assistant",
				"model":   m.model,
				"content": []any{},
				"usage":   map[string]int{"input_tokens": m.inTokens, "output_tokens": 0},
			},
		},
		{"type": "content_block_start", "index": 0, "content_block": map[string]string{"type": "text", "text": ""}},
	}
	for _, word := range m.words {
		evs = append(evs, map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}
	return append(evs,
		map[string]any{"type": "content_block_stop", "index": 0},
		map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]int{"output_tokens": m.outTokens},
		},
		map[string]any{"type": "message_stop"},
	)
}

// stream writes the events as SSE, each with an event: line, plus a ping
// after the first content block starts.
func (m anthropicMessage) stream(w http.ResponseWriter) {
	s := startStream(w, "text/event-stream")
	for i, ev := range m.events() {
		s.event(ev["type"].(string), ev)
		if i == 1 {
			s.event("ping", map[string]string{"type": "ping"})
		}
	}
}
