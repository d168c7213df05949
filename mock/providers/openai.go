package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newOpenAIHandler simulates an OpenAI compatible API. The same handler
// stands in for openai, groq, fireworks and together. Every route requires
// a bearer token, so a relay that failed to attach one shows up as a 401.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !admit(cfg, w, r, http.MethodPost, writeOpenAIError) {
			return
		}

		var req struct {
			Model         string `json:"model"`
			Stream        bool   `json:"stream"`
			StreamOptions struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}
		if req.Model == "" {
			req.Model = "gpt-4o-mini"
		}

		c := completion{
			id:    fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			model: req.Model,
			words: mockWords(cfg.StreamWords),
			usage: map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      10 + cfg.StreamWords,
			},
		}

		if req.Stream {
			if !req.StreamOptions.IncludeUsage {
				c.usage = nil
			}
			c.stream(w, cfg.BreakAfter)
			return
		}
		writeJSON(w, http.StatusOK, c.message())
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		models := make([]map[string]any, 0, 3)
		for _, id := range []string{"gpt-4o-mini", "llama-3.3-70b-versatile", "accounts/fireworks/models/llama-v3p1-8b-instruct"} {
			models = append(models, map[string]any{"id": id, "object": "model", "created": 1710000000, "owned_by": "mock"})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
	})

	mux.HandleFunc("/", notFound(writeOpenAIError))

	return requireBearer(mux)
}

func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeOpenAIError(w, http.StatusUnauthorized, "mock: missing bearer token", "invalid_api_key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// completion is one mock chat completion, rendered whole or as chunks.
type completion struct {
	id    string
	model string
	words []string
	usage map[string]int
}

func (c completion) message() map[string]any {
	return map[string]any{
		"id":      c.id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   c.model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": strings.Join(c.words, " ")},
			"finish_reason": "stop",
		}},
		"usage": c.usage,
	}
}

func (c completion) chunk(choices []map[string]any) map[string]any {
	return map[string]any{
		"id":      c.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   c.model,
		"choices": choices,
	}
}

// stream writes one chunk per word, a finish chunk, an optional usage chunk
// and [DONE]. breakAfter > 0 writes an event whose id holds a NUL, which is
// not valid SSE, after that many word chunks and stops.
func (c completion) stream(w http.ResponseWriter, breakAfter int) {
	s := startStream(w, "text/event-stream")

	for i, word := range c.words {
		if breakAfter > 0 && i == breakAfter {
			s.raw([]byte("id: mock\x00broken\n\n"))
			return
		}
		s.event("", c.chunk([]map[string]any{{
			"index":         0,
			"delta":         map[string]string{"content": word + " "},
			"finish_reason": nil,
		}}))
	}

	s.event("", c.chunk([]map[string]any{{
		"index":         0,
		"delta":         map[string]string{},
		"finish_reason": "stop",
	}}))
	if c.usage != nil {
		final := c.chunk([]map[string]any{})
		final["usage"] = c.usage
		s.event("", final)
	}
	s.event("", "[DONE]")
}
