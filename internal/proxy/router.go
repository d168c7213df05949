package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional handlers registered next to the proxy
// routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full handler chain:
//
//	/v1/{path:*}                    provider from X-Provider or the default
//	/providers/{provider}/{path:*}  provider from the route
//	/health                         liveness and configuration summary
//	/metrics                        when mgmt.Metrics is set
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	proxied := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		if g.keys != nil {
			h = g.keys.Middleware(h)
		}
		return h
	}

	r.ANY("/v1/{path:*}", g.instrument("v1", proxied(g.handleV1)))
	r.ANY("/providers/{provider}/{path:*}", g.instrument("providers", proxied(g.handleProviderRoute)))
	r.GET("/health", g.instrument("health", g.handleHealth))

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Serve runs the relay on ln until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		Name:        "llm-relay",
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: streams can outlive any fixed write deadline.
		IdleTimeout:        2 * time.Minute,
		MaxRequestBodySize: 32 << 20,
		CloseOnShutdown:    true,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr (e.g. ":8080") and calls Serve.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string, mgmt *ManagementRoutes) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln, mgmt)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":           "ok",
		"providers":        g.providers.Names(),
		"default_provider": g.defaultProvider,
		"key_mapping":      g.keyMode,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
