package odometer

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/conduit/middleware"
)

// Durable is the subset of PostgresDurable's write path Registry needs,
// narrowed to a local interface (same reason as generation.Cache and
// batch.Warmer/Flusher: a test seam and a cut import edge, not a second
// implementation anyone is expected to write).
type Durable interface {
	InsertBatch(ctx context.Context, events []middleware.TokenEvent) error
}

// Registry is spec.md §4.9's process-singleton: it fans every TokenEvent
// to the in-memory layer synchronously and buffers it for the durable
// layer, flushed explicitly (by a batch's completion, see package batch's
// Flusher) or on process shutdown. It implements middleware.TelemetrySink
// and batch.Flusher.
type Registry struct {
	Memory *InMemory

	durable Durable

	mu      sync.Mutex
	buffer  []middleware.TokenEvent
	flushed int // count of buffer already durably written; dedups Flush
}

// NewRegistry returns a Registry. durable may be nil, in which case
// events are aggregated in memory only and Flush is a no-op — useful for
// tests and for callers that haven't wired a dbpool.Manager.
func NewRegistry(durable Durable) *Registry {
	return &Registry{Memory: NewInMemory(), durable: durable}
}

// Emit implements middleware.TelemetrySink. Every event is folded into
// the in-memory aggregates immediately; if a durable layer is configured
// it is also appended to the pending-flush buffer.
func (r *Registry) Emit(e middleware.TokenEvent) {
	r.Memory.record(e)
	if r.durable == nil {
		return
	}
	r.mu.Lock()
	r.buffer = append(r.buffer, e)
	r.mu.Unlock()
}

// Flush implements batch.Flusher: writes every event buffered since the
// last successful Flush to the durable layer. Idempotent by construction
// — a duplicate call with nothing newly buffered writes nothing — so a
// batch's end-of-run flush and a shutdown-signal flush racing (or both
// firing) never double-insert an event (spec.md §4.9's "performs a
// single idempotent flush on shutdown").
func (r *Registry) Flush(ctx context.Context) error {
	if r.durable == nil {
		return nil
	}

	r.mu.Lock()
	pending := r.buffer[r.flushed:]
	toFlush := make([]middleware.TokenEvent, len(pending))
	copy(toFlush, pending)
	cursor := len(r.buffer)
	r.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}
	if err := r.durable.InsertBatch(ctx, toFlush); err != nil {
		return err
	}

	r.mu.Lock()
	if cursor > r.flushed {
		r.flushed = cursor
	}
	r.mu.Unlock()
	return nil
}

// ListenForShutdown subscribes to SIGINT/SIGTERM and to ctx's own
// cancellation, performs one Flush when either fires, and closes the
// returned channel once that flush attempt completes. Grounded on
// _examples/haasonsaas-nexus/internal/infra/shutdown.go's
// ShutdownCoordinator.OnSignal (signal.Notify plus a context-bounded
// cleanup call), narrowed to this Registry's single responsibility
// instead of that teacher's general multi-phase handler registry.
func (r *Registry) ListenForShutdown(ctx context.Context, flushTimeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(done)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		signal.Stop(sigCh)

		flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = r.Flush(flushCtx) // best-effort: shutdown must not hang or panic on a telemetry write failure
	}()

	return done
}
