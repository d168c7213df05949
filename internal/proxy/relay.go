package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/eventstream"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// maxCaptureBytes bounds how much of a non-streamed JSON body is kept for
// usage extraction. Larger bodies are relayed but not inspected.
const maxCaptureBytes = 1 << 20

var doneMarker = []byte("[DONE]")

// exchange is the bookkeeping of one relayed request. It is finished
// exactly once: by fail before a response exists, or by relayBody.Close.
type exchange struct {
	g *Gateway

	requestID string
	provider  string
	requested string
	model     string
	method    string
	path      string
	start     time.Time

	status   int
	errType  string
	streamed bool

	stats streamStats

	once sync.Once
}

func (g *Gateway) newExchange(ctx *fasthttp.RequestCtx, providerName, path string) *exchange {
	reqID, _ := ctx.UserValue("request_id").(string)
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	return &exchange{
		g:         g,
		requestID: reqID,
		requested: providerName,
		model:     requestModel(ctx.PostBody()),
		method:    string(ctx.Method()),
		path:      path,
		start:     time.Now(),
	}
}

func (ex *exchange) providerLabel() string {
	switch {
	case ex.provider != "":
		return ex.provider
	case ex.requested != "":
		return "unknown"
	default:
		return "none"
	}
}

// finish records metrics and the request log entry.
func (ex *exchange) finish() {
	ex.once.Do(func() {
		g := ex.g
		dur := time.Since(ex.start)
		provider := ex.providerLabel()
		s := &ex.stats

		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.RecordRequest(provider, ex.status, dur)
			g.metrics.AddTokens(provider, s.inputTokens, s.outputTokens)
			if ex.errType != "" && !ex.streamed {
				g.metrics.RecordError(provider, ex.errType)
			}
			if ex.streamed {
				g.metrics.AddStreamFrames(provider, s.frames)
				if s.frames > 0 {
					g.metrics.ObserveTTFB(provider, s.ttfb)
				}
				if ex.errType != "" {
					g.metrics.RecordStreamError(provider, ex.errType)
				}
			}
		}

		if g.reqLogger != nil {
			id, err := uuid.Parse(ex.requestID)
			if err != nil {
				id = uuid.New()
			}
			g.reqLogger.Log(logger.RequestLog{
				ID:           id,
				Provider:     provider,
				Model:        ex.model,
				Method:       ex.method,
				Path:         ex.path,
				Status:       ex.status,
				InputTokens:  s.inputTokens,
				OutputTokens: s.outputTokens,
				Latency:      dur,
				TTFB:         s.ttfb,
				Streamed:     ex.streamed,
				Frames:       s.frames,
				Bytes:        s.bytes,
				StreamDone:   s.done,
				ErrorType:    ex.errType,
				CreatedAt:    ex.start,
			})
		}
	})
}

// streamStats accumulates what the relay learns from the body it forwards.
type streamStats struct {
	frames       int
	bytes        int64
	ttfb         time.Duration
	done         bool
	inputTokens  int
	outputTokens int
}

// observe inspects one forwarded frame.
func (s *streamStats) observe(f eventstream.Frame, since time.Time) {
	if s.frames == 0 {
		s.ttfb = time.Since(since)
	}
	s.frames++
	if len(f.Data) == 0 {
		return
	}
	if bytes.Equal(f.Data, doneMarker) {
		s.done = true
		return
	}
	if f.Type == "message_stop" {
		s.done = true
	}
	s.usage(f.Data)
}

// usage reads token counts from an OpenAI or Anthropic style payload.
// Later values replace earlier ones since providers report running totals.
func (s *streamStats) usage(doc []byte) {
	if len(doc) == 0 || doc[0] != '{' {
		return
	}
	r := gjson.GetManyBytes(doc,
		"usage.prompt_tokens",
		"usage.completion_tokens",
		"usage.input_tokens",
		"usage.output_tokens",
		"message.usage.input_tokens",
		"message.usage.output_tokens",
	)
	set := func(dst *int, vals ...gjson.Result) {
		for _, v := range vals {
			if v.Exists() && v.Int() > 0 {
				*dst = int(v.Int())
			}
		}
	}
	set(&s.inputTokens, r[0], r[2], r[4])
	set(&s.outputTokens, r[1], r[3], r[5])
}

// relayBody is the response body stream handed to fasthttp. It pulls from
// upstream only as fast as the client consumes.
//
// A non-EOF error from Read makes fasthttp drop the connection without the
// terminating chunk, so a client can tell a cut-off stream from a complete
// one.
type relayBody struct {
	ex     *exchange
	src    io.ReadCloser
	frames eventstream.Reader
	cancel context.CancelFunc

	pending []byte
	err     error

	capture   *bytes.Buffer
	truncated bool

	closeOnce sync.Once
}

func newRelayBody(ex *exchange, src io.ReadCloser, kind eventstream.Kind, cancel context.CancelFunc, captureJSON bool) *relayBody {
	b := &relayBody{
		ex:     ex,
		src:    src,
		frames: eventstream.NewReader(kind, src),
		cancel: cancel,
	}
	if b.frames == nil && captureJSON {
		b.capture = &bytes.Buffer{}
	}
	return b
}

func (b *relayBody) Read(p []byte) (int, error) {
	if b.frames == nil {
		return b.readRaw(p)
	}
	for len(b.pending) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		f, err := b.frames.Next()
		if err != nil {
			b.err = b.streamError(err)
			continue
		}
		b.ex.stats.observe(f, b.ex.start)
		b.pending = f.Raw
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	b.ex.stats.bytes += int64(n)
	return n, nil
}

func (b *relayBody) readRaw(p []byte) (int, error) {
	n, err := b.src.Read(p)
	if n > 0 {
		b.ex.stats.bytes += int64(n)
		b.keep(p[:n])
	}
	if err != nil && !errors.Is(err, io.EOF) {
		err = b.streamError(err)
	}
	return n, err
}

func (b *relayBody) keep(chunk []byte) {
	if b.capture == nil || b.truncated {
		return
	}
	if b.capture.Len()+len(chunk) > maxCaptureBytes {
		b.truncated = true
		b.capture = nil
		return
	}
	b.capture.Write(chunk)
}

// streamError records a fatal body error and returns what Read reports.
func (b *relayBody) streamError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	err = apierr.Wrap(apierr.KindIO, err, "read upstream body")
	kind := apierr.KindOf(err)
	b.ex.errType = kind.String()

	g := b.ex.g
	g.log.WarnContext(g.baseCtx, "stream_aborted",
		slog.String("request_id", b.ex.requestID),
		slog.String("provider", b.ex.providerLabel()),
		slog.String("type", kind.String()),
		slog.Int("frames", b.ex.stats.frames),
		slog.Int64("bytes", b.ex.stats.bytes),
		slog.String("error", err.Error()),
	)
	return err
}

// CloseWithError is called by fasthttp with the client write error, if any.
// Once the body is closed, later calls change nothing.
func (b *relayBody) CloseWithError(err error) error {
	b.close(err)
	return nil
}

// Close releases the upstream connection and finishes the exchange.
func (b *relayBody) Close() error {
	b.close(nil)
	return nil
}

func (b *relayBody) close(clientErr error) {
	b.closeOnce.Do(func() {
		if clientErr != nil && b.ex.errType == "" {
			b.ex.errType = "client_disconnected"
			b.ex.g.log.DebugContext(b.ex.g.baseCtx, "client_disconnected",
				slog.String("request_id", b.ex.requestID),
				slog.String("error", clientErr.Error()),
			)
		}
		b.cancel()
		_ = b.src.Close()
		if b.capture != nil && !b.truncated {
			b.ex.stats.usage(b.capture.Bytes())
		}
		b.ex.finish()
	})
}
