// Package jobqueue executes fire-and-forget background work with bounded
// concurrency and exponential backoff retries.
//
// Invariants:
// - At most Concurrency jobs execute at once; a pulled job runs to
//   completion or failure before its worker slot is freed.
// - A failed attempt reschedules after base * 4^attempt until the retry
//   budget is exhausted, then the job is logged and dropped.
// - Close cancels pending retry timers and lets in-flight jobs finish.
//
// Usage:
//
//	q := jobqueue.New(jobqueue.Config{Logger: logger})
//	defer q.Close()
//	q.Enqueue("memory-embedding:42", func(ctx context.Context) error {
//		return generate(ctx)
//	})
package jobqueue
