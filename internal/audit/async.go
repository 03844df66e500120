package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/penserai/acteon/infrastructure/logging"
)

// AsyncWriter wraps a Store with a bounded queue so the gateway can
// report outcomes without waiting on audit persistence. Queries pass
// through to the underlying store. When the queue is full the record is
// dropped and counted; Drops exposes the total for monitoring.
type AsyncWriter struct {
	inner  Store
	queue  chan *Record
	drops  atomic.Int64
	wg     sync.WaitGroup
	once   sync.Once
	logger *logging.Logger
}

// NewAsyncWriter starts the writer goroutine over inner with the given
// queue depth.
func NewAsyncWriter(inner Store, depth int, logger *logging.Logger) *AsyncWriter {
	if depth <= 0 {
		depth = 1024
	}
	w := &AsyncWriter{
		inner:  inner,
		queue:  make(chan *Record, depth),
		logger: logger,
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

func (w *AsyncWriter) drain() {
	defer w.wg.Done()
	for r := range w.queue {
		if err := w.inner.Record(context.Background(), r); err != nil && w.logger != nil {
			w.logger.WithError(err).Warn("async audit write failed")
		}
	}
}

// Record enqueues the record, dropping it if the queue is full.
func (w *AsyncWriter) Record(ctx context.Context, r *Record) error {
	select {
	case w.queue <- r:
	default:
		w.drops.Add(1)
		if w.logger != nil {
			w.logger.WithFields(map[string]interface{}{"tenant": r.Tenant}).Warn("audit queue full, record dropped")
		}
	}
	return nil
}

// Drops returns how many records have been dropped so far.
func (w *AsyncWriter) Drops() int64 { return w.drops.Load() }

// Close stops accepting records and flushes the queue.
func (w *AsyncWriter) Close() {
	w.once.Do(func() { close(w.queue) })
	w.wg.Wait()
}

func (w *AsyncWriter) Query(ctx context.Context, q Query) (Page, error) {
	return w.inner.Query(ctx, q)
}

func (w *AsyncWriter) QueryAnalytics(ctx context.Context, q AnalyticsQuery) (AnalyticsResponse, error) {
	return w.inner.QueryAnalytics(ctx, q)
}

func (w *AsyncWriter) VerifyChain(ctx context.Context, tenant string) (ChainReport, error) {
	return w.inner.VerifyChain(ctx, tenant)
}
