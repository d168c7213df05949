// Package logger implements a non-blocking, batched request logger.
//
// Entries go to a buffered channel and are written in batches by a
// background goroutine, so logging never blocks the relay. When the channel
// is full (10 000 entries) new entries are dropped and counted in
// DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed relay exchange.
type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	Method       string
	Path         string
	Status       int
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	TTFB         time.Duration
	Streamed     bool
	Frames       int
	Bytes        int64
	StreamDone   bool
	ErrorType    string
	CreatedAt    time.Time
}

// Logger writes RequestLog entries as "proxy_request" records.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts the background writer. A nil slogger writes JSON to stdout.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues entry without blocking; it is dropped when the buffer is full.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

func (l *Logger) DroppedLogs() int64 { return l.dropped.Load() }

// Close flushes queued entries and stops the writer. Safe to call twice.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)
	flush := func() {
		for _, e := range batch {
			level := slog.LevelInfo
			if e.ErrorType != "" {
				level = slog.LevelWarn
			}
			l.log.LogAttrs(l.baseCtx, level, "proxy_request", e.attrs()...)
		}
		batch = batch[:0]
	}
	add := func(e RequestLog) {
		batch = append(batch, e)
		if len(batch) == batchSize {
			flush()
		}
	}

	for {
		select {
		case e := <-l.ch:
			add(e)
		case <-ticker.C:
			flush()
		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					add(e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (e RequestLog) attrs() []slog.Attr {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	attrs := make([]slog.Attr, 0, 16)
	attrs = append(attrs,
		slog.String("id", e.ID.String()),
		slog.String("provider", e.Provider),
		slog.String("model", e.Model),
		slog.String("method", e.Method),
		slog.String("path", e.Path),
		slog.Int("status", e.Status),
		slog.Int("input_tokens", e.InputTokens),
		slog.Int("output_tokens", e.OutputTokens),
		slog.Int64("latency_ms", e.Latency.Milliseconds()),
		slog.Int64("bytes", e.Bytes),
		slog.Time("created_at", created.UTC()),
	)
	if e.Streamed {
		attrs = append(attrs,
			slog.Int64("ttfb_ms", e.TTFB.Milliseconds()),
			slog.Int("frames", e.Frames),
			slog.Bool("stream_done", e.StreamDone),
		)
	}
	if e.ErrorType != "" {
		attrs = append(attrs, slog.String("error_type", e.ErrorType))
	}
	return attrs
}
