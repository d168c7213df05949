// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra      external connections (Redis when needed)
//  2. initProviders  provider registry
//  3. initServices   metrics registry, request logger, key cache
//  4. initGateway    relay + key mapper + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-relay/internal/providers/anthropic"
	bedrockprov "github.com/nulpointcorp/llm-relay/internal/providers/bedrock"
	"github.com/nulpointcorp/llm-relay/internal/providers/openaicompat"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// nil unless key mapping runs in redis mode.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *cache.MemoryCache
	keyCache  cache.KeyCache

	prom *metrics.Registry

	provs *providers.Registry
	mgmt  *proxy.ManagementRoutes
	gw    *proxy.Gateway

	closeMu sync.Mutex
	closers []closer
}

// closer releases one resource acquired during init.
type closer struct {
	name string
	fn   func() error
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("default_provider", a.cfg.DefaultProvider),
		slog.Bool("key_mapping", a.cfg.KeyMapping.Enabled()),
		slog.Int("providers", a.provs.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.ListenAndServe(gctx, addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down relay")
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases resources in reverse acquisition order. Safe to call more
// than once and from multiple goroutines.
func (a *App) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.log.Error("close failed", slog.String("resource", c.name), slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// Default upstream endpoints. Each can be overridden with <P>_BASE_URL.
const (
	openAIBaseURL    = "https://api.openai.com/v1"
	groqBaseURL      = "https://api.groq.com/openai/v1"
	fireworksBaseURL = "https://api.fireworks.ai/inference/v1"
	togetherBaseURL  = "https://api.together.xyz/v1"
)

// buildProviders registers every supported provider. Configured keys are
// only fallbacks, so a provider is available even without one.
func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	compat := func(name, defaultURL string, pc config.ProviderConfig, opts ...openaicompat.Option) providers.Provider {
		base := defaultURL
		if pc.BaseURL != "" {
			base = pc.BaseURL
		}
		if pc.APIKey != "" {
			opts = append(opts, openaicompat.WithAPIKey(pc.APIKey))
		}
		return openaicompat.New(name, base, opts...)
	}

	var anthropicOpts []anthropicprov.Option
	if cfg.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	if cfg.Anthropic.APIKey != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithAPIKey(cfg.Anthropic.APIKey))
	}

	var bedrockOpts []bedrockprov.Option
	if cfg.Bedrock.AccessKey != "" && cfg.Bedrock.SecretKey != "" {
		bedrockOpts = append(bedrockOpts, bedrockprov.WithCredentials(cfg.Bedrock.AccessKey, cfg.Bedrock.SecretKey))
		if cfg.Bedrock.SessionToken != "" {
			bedrockOpts = append(bedrockOpts, bedrockprov.WithSessionToken(cfg.Bedrock.SessionToken))
		}
	}
	if cfg.Bedrock.EndpointURL != "" {
		bedrockOpts = append(bedrockOpts, bedrockprov.WithEndpointURL(cfg.Bedrock.EndpointURL))
	}

	return providers.NewRegistry(
		compat(providers.OpenAI, openAIBaseURL, cfg.OpenAI,
			openaicompat.WithPassthroughHeaders("OpenAI-Organization", "OpenAI-Project")),
		anthropicprov.New(anthropicOpts...),
		compat(providers.Groq, groqBaseURL, cfg.Groq),
		compat(providers.Fireworks, fireworksBaseURL, cfg.Fireworks),
		compat(providers.Together, togetherBaseURL, cfg.Together),
		bedrockprov.New(cfg.Bedrock.Region, bedrockOpts...),
	)
}
