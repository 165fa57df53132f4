package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestQueue(concurrency int, baseDelay time.Duration) *Queue {
	return New(Config{
		Concurrency: concurrency,
		BaseDelay:   baseDelay,
		Logger:      zerolog.Nop(),
	})
}

func TestQueue_BasicExecution(t *testing.T) {
	q := newTestQueue(3, 10*time.Millisecond)
	defer q.Close()

	var executed atomic.Bool
	q.Enqueue("test", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	time.Sleep(100 * time.Millisecond)
	assert.True(t, executed.Load())
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	q := newTestQueue(2, 10*time.Millisecond)
	defer q.Close()

	var current, peak int32
	var mu sync.Mutex

	for i := 0; i < 6; i++ {
		q.Enqueue("concurrent", func(ctx context.Context) error {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return nil
		})
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(2))
	assert.Equal(t, int32(0), current)
}

func TestQueue_RetryBackoffMonotonic(t *testing.T) {
	q := newTestQueue(1, 10*time.Millisecond)
	defer q.Close()

	var mu sync.Mutex
	var attempts []time.Time

	q.EnqueueWithRetries("always-fails", func(ctx context.Context) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return errors.New("boom")
	}, 2)

	// budget 2 retries: attempts at 0, ~10ms, ~50ms (10*4)
	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, len(attempts), "initial attempt plus two retries")

	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	assert.Greater(t, gap2, gap1, "delays must strictly increase")
}

func TestQueue_EventualSuccess(t *testing.T) {
	q := newTestQueue(1, 5*time.Millisecond)
	defer q.Close()

	var runs atomic.Int32
	q.EnqueueWithRetries("flaky", func(ctx context.Context) error {
		if runs.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}, 3)

	time.Sleep(300 * time.Millisecond)
	// Fails on attempts 0 and 1, succeeds on attempt 2: exactly 3 executions.
	assert.Equal(t, int32(3), runs.Load())
}

func TestQueue_ExhaustedBudgetDrops(t *testing.T) {
	q := newTestQueue(1, 5*time.Millisecond)
	defer q.Close()

	var runs atomic.Int32
	q.EnqueueWithRetries("doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("permanent")
	}, 1)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load(), "initial attempt plus one retry, then dropped")

	// No further attempts after the budget is gone.
	before := runs.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, runs.Load())
}

func TestQueue_CloseCancelsScheduledRetries(t *testing.T) {
	q := newTestQueue(1, 50*time.Millisecond)

	var runs atomic.Int32
	q.Enqueue("fails-once", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})

	// Let the first attempt fail and a retry timer get scheduled.
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, q.Close())

	runsAtClose := runs.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, runsAtClose, runs.Load(), "no retry may fire after Close")
}

func TestQueue_CloseLetsRunningJobFinish(t *testing.T) {
	q := newTestQueue(1, 10*time.Millisecond)

	var done atomic.Bool
	q.Enqueue("slow", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		return nil
	})

	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, q.Close())
	assert.True(t, done.Load(), "Close must wait for in-flight jobs")
}

func TestQueue_EnqueueAfterCloseIsDropped(t *testing.T) {
	q := newTestQueue(1, 10*time.Millisecond)
	assert.NoError(t, q.Close())

	var runs atomic.Int32
	q.Enqueue("late", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestQueue_Stats(t *testing.T) {
	q := newTestQueue(1, 10*time.Millisecond)
	defer q.Close()

	block := make(chan struct{})
	q.Enqueue("blocker", func(ctx context.Context) error {
		<-block
		return nil
	})
	q.Enqueue("waiter", func(ctx context.Context) error {
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	stats := q.Stats()
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Queued)

	close(block)
}
