package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"threathawk/core"
)

func queuedEvent(entity string, seq uint64) *core.NormalizedEvent {
	ev := core.NewNormalizedEvent(core.SourceProcess, entity, time.Now().UTC())
	ev.Sequence = seq
	return ev
}

func TestQueueEnqueueDequeue(t *testing.T) {
	q := NewQueue(QueueConfig{Size: 8, Logger: zap.NewNop().Sugar()})
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, queuedEvent("host-1", i)))
	}
	assert.Equal(t, 3, q.Len())

	var seqs []uint64
	for i := 0; i < 3; i++ {
		ev := <-q.C()
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs, "queue must preserve FIFO order")
	assert.Equal(t, int64(0), q.Dropped())
}

func TestQueueDropsOldestWhenSaturated(t *testing.T) {
	q := NewQueue(QueueConfig{
		Size:           2,
		EnqueueTimeout: 10 * time.Millisecond,
		Logger:         zap.NewNop().Sugar(),
	})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queuedEvent("host-1", 1)))
	require.NoError(t, q.Enqueue(ctx, queuedEvent("host-1", 2)))

	// No consumer: the third enqueue evicts the oldest event.
	require.NoError(t, q.Enqueue(ctx, queuedEvent("host-1", 3)))
	assert.Equal(t, int64(1), q.Dropped())

	ev := <-q.C()
	assert.Equal(t, uint64(2), ev.Sequence, "oldest event must be the one evicted")
	ev = <-q.C()
	assert.Equal(t, uint64(3), ev.Sequence)
}

func TestQueueEnqueueRespectsContext(t *testing.T) {
	q := NewQueue(QueueConfig{
		Size:           1,
		EnqueueTimeout: 5 * time.Second, // longer than the context deadline
		Logger:         zap.NewNop().Sugar(),
	})

	require.NoError(t, q.Enqueue(context.Background(), queuedEvent("host-1", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, queuedEvent("host-1", 2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueRateLimitDoesNotLoseEvents(t *testing.T) {
	q := NewQueue(QueueConfig{
		Size:           64,
		EnqueueTimeout: 10 * time.Millisecond,
		RateLimit:      5,
		RateBurst:      1,
		Logger:         zap.NewNop().Sugar(),
	})
	ctx := context.Background()

	// Burst past the rate budget; the queue has room so nothing is dropped.
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, q.Enqueue(ctx, queuedEvent("host-1", i)))
	}
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, int64(0), q.Dropped())
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewQueue(QueueConfig{Size: 8, Logger: zap.NewNop().Sugar()})
	require.NoError(t, q.Enqueue(context.Background(), queuedEvent("host-1", 1)))
	q.Close()

	ev, ok := <-q.C()
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.Sequence)

	_, ok = <-q.C()
	assert.False(t, ok, "channel must be closed after drain")
}

func TestQueueEnqueueAfterCloseReturnsError(t *testing.T) {
	q := NewQueue(QueueConfig{Size: 8, Logger: zap.NewNop().Sugar()})
	q.Close()

	err := q.Enqueue(context.Background(), queuedEvent("host-1", 1))
	assert.ErrorIs(t, err, core.ErrEngineStopped)
}

func TestQueueCloseRacingProducersNeverPanics(t *testing.T) {
	// Producers hammering the queue while Close lands must come away with
	// ErrEngineStopped, not a send on a closed channel.
	for iter := 0; iter < 50; iter++ {
		q := NewQueue(QueueConfig{
			Size:           4,
			EnqueueTimeout: time.Millisecond,
			Logger:         zap.NewNop().Sugar(),
		})
		ctx := context.Background()

		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func(seed uint64) {
				defer wg.Done()
				for i := uint64(0); ; i++ {
					err := q.Enqueue(ctx, queuedEvent("host-1", seed*1000+i))
					if errors.Is(err, core.ErrEngineStopped) {
						return
					}
				}
			}(uint64(p))
		}

		go func() {
			for range q.C() {
			}
		}()

		time.Sleep(time.Millisecond)
		q.Close()
		wg.Wait()
	}
}
