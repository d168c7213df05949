package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/keymap"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
)

// initInfra establishes optional external connections.
// Redis is only required when key mapping uses the shared cache.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.KeyMapping.Enabled() && a.cfg.KeyMapping.CacheMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.onClose("redis", func() error {
			err := a.rdb.Close()
			a.rdb = nil
			return err
		})
		a.log.Info("redis connected")
	}

	return nil
}

func (a *App) initProviders(_ context.Context) error {
	reg, err := buildProviders(a.cfg)
	if err != nil {
		return err
	}
	if _, err := reg.Get(a.cfg.DefaultProvider); err != nil {
		return fmt.Errorf("default provider: %w", err)
	}
	a.provs = reg
	a.log.Info("providers loaded", slog.Any("providers", reg.Names()))

	return nil
}

// initServices creates the metrics registry, the request logger and the key
// cache backend.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger
	a.onClose("request logger", reqLogger.Close)

	if !a.cfg.KeyMapping.Enabled() {
		a.log.Info("key mapping: disabled")
		return nil
	}

	switch a.cfg.KeyMapping.CacheMode {
	case "redis":
		a.keyCache = cache.NewRedisCache(a.rdb)
		a.log.Info("key cache backend: redis")

	case "memory":
		// Not shared across replicas.
		a.memCache = cache.NewMemoryCache(ctx)
		a.keyCache = a.memCache
		a.onClose("key cache", func() error {
			a.memCache.Close()
			return nil
		})
		a.log.Info("key cache backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown key cache mode: %s", a.cfg.KeyMapping.CacheMode)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, proxy.GatewayOptions{
		Logger:           a.log,
		ProviderTimeout:  a.cfg.ProviderTimeout,
		DefaultProvider:  a.cfg.DefaultProvider,
		ValidateRequests: a.cfg.ValidateRequests,
		Metrics:          a.prom,
	})

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	if a.keyCache != nil {
		mapper := keymap.New(a.keyCache, keymap.Options{
			ResolverURL: a.cfg.KeyMapping.ResolverURL,
			MaxTTL:      a.cfg.KeyMapping.CacheTTL,
			Timeout:     a.cfg.KeyMapping.Timeout,
			Logger:      a.log,
			Metrics:     a.prom,
			BaseContext: a.baseCtx,
		})
		gw.SetKeyMapper(mapper, a.cfg.KeyMapping.CacheMode)
		a.log.Info("key mapping enabled",
			slog.String("resolver", redactURL(a.cfg.KeyMapping.ResolverURL)),
			slog.Duration("max_ttl", a.cfg.KeyMapping.CacheTTL),
		)
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
