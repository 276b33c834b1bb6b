// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
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

// RequestLog is one proxied request's summary, enqueued by the proxy handler
// after the response is written.
type RequestLog struct {
	ID           uuid.UUID
	Service      string
	Method       string
	Path         string
	Status       int
	LatencyMs    int64
	CircuitState string
	CreatedAt    time.Time
}

// CircuitTransitionLog records one breaker state change, enqueued by the
// circuit breaker alongside its synchronous slog line.
type CircuitTransitionLog struct {
	ID           uuid.UUID
	Service      string
	From         string
	To           string
	FailureCount int
	RetryCount   int
	CreatedAt    time.Time
}

// entry is anything the background goroutine knows how to emit.
type entry interface {
	emit(ctx context.Context, log *slog.Logger)
}

func (e RequestLog) emit(ctx context.Context, log *slog.Logger) {
	log.InfoContext(ctx, "request",
		slog.String("id", e.ID.String()),
		slog.String("service", e.Service),
		slog.String("method", e.Method),
		slog.String("path", e.Path),
		slog.Int("status", e.Status),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.String("circuit_state", e.CircuitState),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	)
}

func (e CircuitTransitionLog) emit(ctx context.Context, log *slog.Logger) {
	log.InfoContext(ctx, "circuit_transition",
		slog.String("id", e.ID.String()),
		slog.String("service", e.Service),
		slog.String("from", e.From),
		slog.String("to", e.To),
		slog.Int("failure_count", e.FailureCount),
		slog.Int("retry_count", e.RetryCount),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	)
}

type Logger struct {
	ch        chan entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a request log entry. Never blocks.
func (l *Logger) Log(e RequestLog) { l.enqueue(e) }

// LogTransition enqueues a circuit transition entry. Never blocks.
func (l *Logger) LogTransition(e CircuitTransitionLog) { l.enqueue(e) }

func (l *Logger) enqueue(e entry) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			e.emit(ctx, l.log)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
