package jobqueue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/asientohq/asiento/internal/observability"
	"github.com/rs/zerolog"
)

const (
	// DefaultConcurrency is the number of jobs executing at once
	DefaultConcurrency = 3
	// DefaultMaxRetries is the retry budget applied when Enqueue is used
	DefaultMaxRetries = 3
	// DefaultBaseDelay seeds the exponential backoff (base * 4^attempt)
	DefaultBaseDelay = 1 * time.Second
)

// Job is a unit of deferred work. A nil error marks terminal success.
type Job func(ctx context.Context) error

// Config holds queue configuration
type Config struct {
	Concurrency int
	MaxRetries  int
	BaseDelay   time.Duration
	Logger      zerolog.Logger
}

// jobRecord tracks a job across attempts
type jobRecord struct {
	name       string
	job        Job
	maxRetries int
	attempt    int
}

// Stats is a point-in-time snapshot of queue state
type Stats struct {
	Queued           int `json:"queued"`
	Running          int `json:"running"`
	RetriesScheduled int `json:"retries_scheduled"`
}

// Queue executes fire-and-forget background work with bounded concurrency
// and exponential backoff retries. Jobs are in-memory only; a process
// restart drops anything not yet completed.
type Queue struct {
	concurrency int
	maxRetries  int
	baseDelay   time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	pending []*jobRecord
	running int
	timers  map[*time.Timer]struct{}
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new job queue
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		concurrency: cfg.Concurrency,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		logger:      cfg.Logger,
		timers:      make(map[*time.Timer]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue schedules a job with the default retry budget. It returns
// immediately and never surfaces an error to the caller; failures are
// retried and eventually logged and dropped. The name is used for
// traceability only, not deduplication: the same name submitted twice
// runs twice, possibly concurrently.
func (q *Queue) Enqueue(name string, job Job) {
	q.EnqueueWithRetries(name, job, q.maxRetries)
}

// EnqueueWithRetries schedules a job with an explicit retry budget.
func (q *Queue) EnqueueWithRetries(name string, job Job, maxRetries int) {
	if job == nil {
		return
	}
	if maxRetries < 0 {
		maxRetries = q.maxRetries
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn().Str("job", name).Msg("Queue closed, job dropped")
		return
	}
	q.pending = append(q.pending, &jobRecord{
		name:       name,
		job:        job,
		maxRetries: maxRetries,
	})
	depth := len(q.pending)
	q.mu.Unlock()

	observability.SetJobQueueDepth(depth)
	q.logger.Debug().Str("job", name).Int("queued", depth).Msg("Job enqueued")

	q.dispatch()
}

// dispatch moves pending jobs into free worker slots
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.running < q.concurrency && len(q.pending) > 0 {
		record := q.pending[0]
		q.pending = q.pending[1:]
		q.running++

		q.wg.Add(1)
		go q.execute(record)
	}

	observability.SetJobQueueDepth(len(q.pending))
}

// execute runs one attempt of a job to completion or failure
func (q *Queue) execute(record *jobRecord) {
	defer q.wg.Done()

	start := time.Now()
	err := record.job(q.ctx)
	duration := time.Since(start)

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	observability.RecordJobRun(duration, err == nil)

	if err == nil {
		q.logger.Debug().
			Str("job", record.name).
			Int("attempt", record.attempt).
			Dur("duration", duration).
			Msg("Job completed")
		q.dispatch()
		return
	}

	if record.attempt < record.maxRetries {
		delay := q.retryDelay(record.attempt)
		record.attempt++

		q.logger.Warn().
			Str("job", record.name).
			Int("attempt", record.attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Job failed, retry scheduled")
		observability.RecordJobRetry()

		q.scheduleRetry(record, delay)
	} else {
		q.logger.Error().
			Str("job", record.name).
			Int("attempts", record.attempt+1).
			Err(err).
			Msg("Job failed permanently, dropped")
		observability.RecordJobDropped()
	}

	q.dispatch()
}

// retryDelay computes base * 4^attempt
func (q *Queue) retryDelay(attempt int) time.Duration {
	return time.Duration(float64(q.baseDelay) * math.Pow(4, float64(attempt)))
}

// scheduleRetry re-enqueues a record after a delay, unless the queue shuts
// down first, in which case the pending timer is cancelled.
func (q *Queue) scheduleRetry(record *jobRecord, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.pending = append(q.pending, record)
		q.mu.Unlock()

		q.dispatch()
	})
	q.timers[timer] = struct{}{}
}

// Stats returns a snapshot of queue state
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Queued:           len(q.pending),
		Running:          q.running,
		RetriesScheduled: len(q.timers),
	}
}

// Close drains the queue: pending retry timers are cancelled, queued jobs
// are discarded, and jobs already executing are allowed to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info().Int("dropped", dropped).Msg("Queue closed with pending jobs")
	}

	q.wg.Wait()
	q.cancel()
	return nil
}
