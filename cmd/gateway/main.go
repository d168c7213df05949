// Command gateway runs llm-relay, a pass-through proxy for OpenAI compatible
// LLM APIs.
//
// It reads configuration from environment variables (or config.yaml) and
// relays every /v1/* request to the selected provider without rewriting the
// body.
//
// Quick-start (clients bring their own keys):
//
//	DEFAULT_PROVIDER=groq ./gateway
//
// With app key mapping:
//
//	KEY_FETCHER_URL=http://keys.internal/v1/keys/ ./gateway
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-relay/internal/app"
	"github.com/nulpointcorp/llm-relay/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run loads configuration, wires the application and blocks until ctx is
// cancelled or the server fails.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}

// buildLogger returns the JSON logger shared by every subsystem. The level
// string is validated by config; source locations are added in debug.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
