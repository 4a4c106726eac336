package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"threathawk/core"
	"threathawk/metrics"
)

// Queue is the bounded multi-producer buffer between collectors and the
// scoring workers. Backpressure is explicit and observable: a producer blocks
// briefly, then the oldest queued event is dropped and counted. The queue
// never grows without bound and never drops silently.
type Queue struct {
	ch             chan *core.NormalizedEvent
	enqueueTimeout time.Duration
	limiter        *rate.Limiter
	dropped        atomic.Int64
	logger         *zap.SugaredLogger

	// mu guards the shutdown handshake: producers hold the read side for the
	// duration of an enqueue, Close takes the write side before closing ch.
	// done is closed first so blocked producers wake and release their locks.
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

// QueueConfig holds the ingest queue settings.
type QueueConfig struct {
	Size           int
	EnqueueTimeout time.Duration
	RateLimit      int // events/sec, 0 disables rate limiting
	RateBurst      int
	Logger         *zap.SugaredLogger
}

// NewQueue creates a bounded ingest queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RateLimit
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Queue{
		ch:             make(chan *core.NormalizedEvent, cfg.Size),
		enqueueTimeout: cfg.EnqueueTimeout,
		limiter:        limiter,
		logger:         cfg.Logger,
		done:           make(chan struct{}),
	}
}

// Enqueue offers one event to the queue. The call is bounded in time: at most
// the rate-limiter wait plus the configured enqueue timeout. When the queue is
// saturated the oldest event is evicted to make room, and the loss is counted.
// After Close, Enqueue returns ErrEngineStopped; it never panics on a racing
// shutdown.
func (q *Queue) Enqueue(ctx context.Context, ev *core.NormalizedEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	select {
	case <-q.done:
		return core.ErrEngineStopped
	default:
	}

	if q.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, q.enqueueTimeout)
		err := q.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			// Rate budget exhausted within the window; fall through to the
			// normal bounded enqueue so the event still gets its chance.
			q.logger.Debugw("Ingest rate limit wait expired", "error", err)
		}
	}

	select {
	case q.ch <- ev:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
	}

	// Brief producer block before applying the drop-oldest policy.
	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()
	select {
	case q.ch <- ev:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return core.ErrEngineStopped
	case <-timer.C:
	}

	// Drop-oldest: evict one queued event, then retry once.
	select {
	case old := <-q.ch:
		q.recordDrop(old)
	default:
	}
	select {
	case q.ch <- ev:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		q.recordDrop(ev)
		return core.ErrQueueFull
	}
}

// C exposes the consumer side of the queue.
func (q *Queue) C() <-chan *core.NormalizedEvent {
	return q.ch
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns the total number of events lost to backpressure.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close shuts the queue down: blocked producers are woken and rejected, then
// the consumer channel is closed once every in-flight Enqueue has returned.
// A producer racing Close gets ErrEngineStopped, never a send on a closed
// channel.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		close(q.ch)
	})
}

func (q *Queue) recordDrop(ev *core.NormalizedEvent) {
	q.dropped.Add(1)
	metrics.EventsDropped.Inc()
	q.logger.Warnw("Dropped event due to queue saturation",
		"entity", ev.Entity, "sequence", ev.Sequence)
}
