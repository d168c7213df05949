// Command providers runs lightweight HTTP mock servers that simulate the
// upstreams behind llm-relay. It is used for E2E/load testing without real
// credentials.
//
// Each mock listens on its own port:
//
//	OpenAI / OpenAI-compat  :19001   (OPENAI_BASE_URL=http://localhost:19001/v1, also groq/fireworks/together)
//	Anthropic               :19002   (ANTHROPIC_BASE_URL=http://localhost:19002/v1)
//	Bedrock runtime         :19005   (BEDROCK_ENDPOINT_URL=http://localhost:19005/openai/v1)
//	Key resolver            :19006   (KEY_FETCHER_URL=http://localhost:19006/keys/)
//
// Environment overrides (PORT_<MOCK>):
//
//	PORT_OPENAI, PORT_ANTHROPIC, PORT_BEDROCK, PORT_RESOLVER
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS words in streaming response (default 10)
//	MOCK_BREAK_AFTER  emit a malformed frame after N stream chunks (default 0, off)
//	MOCK_KEY_TTL      seconds until a resolved key expires (default 300)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
	BreakAfter  int
	KeyTTL      time.Duration
}

func loadConfig() Config {
	c := Config{
		LatencyMS:   envInt("MOCK_LATENCY_MS", 0, 0),
		StreamWords: envInt("MOCK_STREAM_WORDS", 10, 1),
		BreakAfter:  envInt("MOCK_BREAK_AFTER", 0, 0),
		KeyTTL:      time.Duration(envInt("MOCK_KEY_TTL", 300, 1)) * time.Second,
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	return c
}

// envInt reads a non-negative integer, falling back to def when the value
// is missing, malformed or below floor.
func envInt(key string, def, floor int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < floor {
		return def
	}
	return n
}

type mock struct {
	name    string
	portEnv string
	port    int
	handler func(Config) http.Handler
}

var mocks = []mock{
	{"openai", "PORT_OPENAI", 19001, newOpenAIHandler},
	{"anthropic", "PORT_ANTHROPIC", 19002, newAnthropicHandler},
	{"bedrock", "PORT_BEDROCK", 19005, newBedrockHandler},
	{"resolver", "PORT_RESOLVER", 19006, newResolverHandler},
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Int("break_after", cfg.BreakAfter),
		slog.Duration("key_ttl", cfg.KeyTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("mock providers failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock providers stopped")
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, m := range mocks {
		port := os.Getenv(m.portEnv)
		if port == "" {
			port = strconv.Itoa(m.port)
		}
		ln, err := net.Listen("tcp", ":"+port)
		if err != nil {
			return fmt.Errorf("mock %s: %w", m.name, err)
		}
		srv := &http.Server{
			Handler:      m.handler(cfg),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		log.Info("mock provider listening", slog.String("provider", m.name), slog.String("addr", ln.Addr().String()))

		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mock %s: %w", m.name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Listeners are bound; scripts wait for this line.
	fmt.Println("READY")

	return g.Wait()
}
