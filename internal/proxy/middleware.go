package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into a transport_error response. The panic
// value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				reqID, _ := ctx.UserValue("request_id").(string)
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("request_id", reqID),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, apierr.New(apierr.KindTransport, "internal server error"))
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID. A UUID v4 is
// generated when the client does not send one. The ID is stored under the
// user value "request_id".
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the handler duration in X-Response-Time. For streamed
// responses this is the time to first byte of the body, not its end.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds OWASP recommended headers to every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler answers preflights and sets CORS headers.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *
//   - specific origins      → the request Origin when it is listed
func corsHandler(origins []string) middleware {
	allowAll := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if origin := string(ctx.Request.Header.Peek("Origin")); origin != "" {
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Provider, X-Api-Key, Anthropic-Version, Anthropic-Beta")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// instrument records handler-level HTTP metrics under route.
func (g *Gateway) instrument(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), len(ctx.PostBody()))
	}
}

// applyMiddleware wraps h so that the first middleware is outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
