package main

import (
	"net/http"
	"strings"
	"time"
)

// newResolverHandler simulates the key fetcher behind KEY_FETCHER_URL.
//
//	GET /keys/{appKey} → {"key": "sk-mock-{appKey}", "expires": now+MOCK_KEY_TTL}
//
// App keys starting with "revoked-" answer 404, and keys starting with
// "expired-" carry an expiry in the past.
func newResolverHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/keys/", func(w http.ResponseWriter, r *http.Request) {
		if !admit(cfg, w, r, http.MethodGet, writeOpenAIError) {
			return
		}

		appKey := strings.TrimPrefix(r.URL.Path, "/keys/")
		switch {
		case appKey == "" || strings.Contains(appKey, "/"):
			writeOpenAIError(w, http.StatusBadRequest, "mock: app key missing", "invalid_request")
			return
		case strings.HasPrefix(appKey, "revoked-"):
			writeOpenAIError(w, http.StatusNotFound, "mock: unknown app key", "not_found")
			return
		}

		expires := time.Now().Add(cfg.KeyTTL)
		if strings.HasPrefix(appKey, "expired-") {
			expires = time.Now().Add(-time.Minute)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"key":     "sk-mock-" + appKey,
			"expires": expires.Unix(),
		})
	})

	mux.HandleFunc("/", notFound(writeOpenAIError))

	return mux
}
