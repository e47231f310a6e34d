// Package queue buffers generated events, drops double-fired duplicates and
// persists them to the event log in FIFO batches with bounded retries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/events"
)

// ErrShuttingDown is returned by Enqueue once Shutdown has been called.
var ErrShuttingDown = errors.New("cannot enqueue events during shutdown")

const flushKey = "flush"

// Store is the persistence target of a flush.
type Store interface {
	BulkInsert(ctx context.Context, evs []events.DomainEvent) ([]int64, error)
}

// Options configures batching, retry and deduplication.
type Options struct {
	MaxQueueSize    int
	MaxWait         time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	DedupWindow     time.Duration
	DedupCacheSize  int
	ShutdownTimeout time.Duration
}

// Stats are queue counters for operators.
type Stats struct {
	Queued              int     `json:"queued"`
	TotalEnqueued       int64   `json:"totalEnqueued"`
	TotalProcessed      int64   `json:"totalProcessed"`
	FailedFlushes       int64   `json:"failedFlushes"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	PermanentlyFailed   int64   `json:"permanentlyFailed"`
	Batches             int64   `json:"batches"`
	AverageBatchSize    float64 `json:"averageBatchSize"`
	DuplicatesFiltered  int64   `json:"duplicatesFiltered"`
	LastFlush           int64   `json:"lastFlush,omitempty"`
	LastError           string  `json:"lastError,omitempty"`
}

// DedupStats describes the fingerprint cache.
type DedupStats struct {
	CacheSize          int     `json:"cacheSize"`
	CacheCapacity      int     `json:"cacheCapacity"`
	DuplicatesFiltered int64   `json:"duplicatesFiltered"`
	TotalAttempts      int64   `json:"totalAttempts"`
	FilterRate         float64 `json:"filterRate"`
}

// Queue is safe for concurrent use. At most one flush is in flight.
type Queue struct {
	opts  Options
	store Store
	clk   clock.Clock
	log   zerolog.Logger

	flights singleflight.Group

	mu           sync.Mutex
	buf          []events.DomainEvent
	dedup        *dedupCache
	waitTimer    clock.Timer
	retryTimer   clock.Timer
	waitGen      uint64
	retryGen     uint64
	retry        *backoff.ExponentialBackOff
	failures     int
	deadLetter   []events.DomainEvent
	shuttingDown bool

	attempts   int64
	enqueued   int64
	processed  int64
	failed     int64
	permFailed int64
	batches    int64
	duplicates int64
	lastFlush  int64
	lastErr    string
}

// New creates a Queue writing to store.
func New(opts Options, store Store, clk clock.Clock, log zerolog.Logger) *Queue {
	retry := backoff.NewExponentialBackOff()
	if opts.RetryBaseDelay > 0 {
		retry.InitialInterval = opts.RetryBaseDelay
	}
	retry.MaxInterval = 30 * time.Second

	return &Queue{
		opts:  opts,
		store: store,
		clk:   clk,
		log:   log.With().Str("component", "queue").Logger(),
		dedup: newDedupCache(opts.DedupCacheSize),
		retry: retry,
	}
}

// Enqueue validates ev and buffers it unless an identical event was seen
// within the dedup window. Reaching MaxQueueSize flushes synchronously; a
// failed flush keeps the events buffered and is not reported here.
func (q *Queue) Enqueue(ctx context.Context, ev events.DomainEvent) error {
	if err := events.Validate(ev); err != nil {
		return err
	}

	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return ErrShuttingDown
	}

	q.attempts++
	fp := Fingerprint(ev)
	if q.dedup.isDuplicate(fp, ev.Timestamp, q.opts.DedupWindow) {
		q.duplicates++
		q.mu.Unlock()
		q.log.Debug().Str("event_type", string(ev.Type)).Int("tab_id", ev.TabID).Msg("duplicate event dropped")
		return nil
	}
	q.dedup.record(fp, ev.Timestamp)

	q.buf = append(q.buf, ev)
	q.enqueued++
	q.armWaitLocked()
	full := q.opts.MaxQueueSize > 0 && len(q.buf) >= q.opts.MaxQueueSize
	q.mu.Unlock()

	if full {
		if _, err := q.Flush(ctx); err != nil {
			q.log.Warn().Err(err).Msg("size-triggered flush failed, events retained")
		}
	}
	return nil
}

// Flush drains the buffer into one bulk insert and returns how many events
// were stored. Concurrent callers share the in-flight flush. On failure the
// batch is put back at the front of the buffer and a retry is scheduled.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	v, err, _ := q.flights.Do(flushKey, func() (any, error) {
		return q.flushOnce(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (q *Queue) flushOnce(ctx context.Context) (int, error) {
	q.mu.Lock()
	q.stopWaitLocked()
	batch := q.buf
	q.buf = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	_, err := q.store.BulkInsert(ctx, batch)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		q.buf = append(batch, q.buf...)
		q.failures++
		q.failed++
		q.lastErr = err.Error()

		if q.failures > q.opts.MaxRetries {
			q.deadLetterLocked(len(batch), err)
		} else {
			q.scheduleRetryLocked()
		}
		return 0, fmt.Errorf("flush %d events: %w", len(batch), err)
	}

	q.processed += int64(len(batch))
	q.batches++
	q.failures = 0
	q.retry.Reset()
	q.stopRetryLocked()
	q.lastFlush = clock.NowMillis(q.clk)
	q.lastErr = ""
	q.armWaitLocked()

	q.log.Debug().Int("count", len(batch)).Msg("flushed events")
	return len(batch), nil
}

// deadLetterLocked moves the first n buffered events out of the retry path.
func (q *Queue) deadLetterLocked(n int, cause error) {
	q.deadLetter = append(q.deadLetter, q.buf[:n]...)
	q.buf = append([]events.DomainEvent(nil), q.buf[n:]...)
	q.permFailed += int64(n)
	q.failures = 0
	q.retry.Reset()
	q.stopRetryLocked()

	q.log.Error().Err(cause).
		Int("count", n).
		Int("max_retries", q.opts.MaxRetries).
		Msg("events permanently failed after retries")

	q.armWaitLocked()
}

// scheduleRetryLocked arms the next backoff attempt. The retry replaces any
// pending max-wait timer so only the backoff schedule paces a failing batch.
func (q *Queue) scheduleRetryLocked() {
	q.stopRetryLocked()
	q.stopWaitLocked()
	if q.shuttingDown {
		return
	}
	delay := q.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = q.retry.MaxInterval
	}
	gen := q.retryGen
	q.retryTimer = q.clk.AfterFunc(delay, func() { q.retryFired(gen) })
	q.log.Warn().Int("attempt", q.failures).Dur("retry_in", delay).Msg("flush failed, retry scheduled")
}

// armWaitLocked guarantees a flush at most MaxWait after the oldest
// buffered event. A pending retry takes precedence.
func (q *Queue) armWaitLocked() {
	if len(q.buf) == 0 || q.waitTimer != nil || q.retryTimer != nil || q.shuttingDown {
		return
	}
	gen := q.waitGen
	q.waitTimer = q.clk.AfterFunc(q.opts.MaxWait, func() { q.waitFired(gen) })
}

// The generation counters invalidate callbacks of timers that were stopped
// after they had already started firing.
func (q *Queue) stopWaitLocked() {
	q.waitGen++
	if q.waitTimer != nil {
		q.waitTimer.Stop()
		q.waitTimer = nil
	}
}

func (q *Queue) stopRetryLocked() {
	q.retryGen++
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

func (q *Queue) waitFired(gen uint64) {
	q.mu.Lock()
	if gen != q.waitGen {
		q.mu.Unlock()
		return
	}
	q.waitTimer = nil
	q.mu.Unlock()
	q.timerFlush()
}

func (q *Queue) retryFired(gen uint64) {
	q.mu.Lock()
	if gen != q.retryGen {
		q.mu.Unlock()
		return
	}
	q.retryTimer = nil
	q.mu.Unlock()
	q.timerFlush()
}

func (q *Queue) timerFlush() {
	if _, err := q.Flush(context.Background()); err != nil {
		q.log.Warn().Err(err).Msg("timed flush failed")
	}
}

// Shutdown rejects further enqueues and flushes what remains, giving up
// when ShutdownTimeout or ctx expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shuttingDown = true
	q.stopWaitLocked()
	q.stopRetryLocked()
	q.mu.Unlock()

	if q.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.ShutdownTimeout)
		defer cancel()
	}

	for q.Len() > 0 {
		ch := q.flights.DoChan(flushKey, func() (any, error) {
			return q.flushOnce(ctx)
		})
		select {
		case r := <-ch:
			if r.Err != nil {
				q.log.Error().Err(r.Err).Int("remaining", q.Len()).Msg("final flush failed")
				return fmt.Errorf("final flush: %w", r.Err)
			}
		case <-ctx.Done():
			q.log.Error().Int("remaining", q.Len()).Msg("final flush timed out")
			return fmt.Errorf("final flush: %w", ctx.Err())
		}
	}
	return nil
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Queued:              len(q.buf),
		TotalEnqueued:       q.enqueued,
		TotalProcessed:      q.processed,
		FailedFlushes:       q.failed,
		ConsecutiveFailures: q.failures,
		PermanentlyFailed:   q.permFailed,
		Batches:             q.batches,
		DuplicatesFiltered:  q.duplicates,
		LastFlush:           q.lastFlush,
		LastError:           q.lastErr,
	}
	if q.batches > 0 {
		s.AverageBatchSize = float64(q.processed) / float64(q.batches)
	}
	return s
}

// DedupStats returns fingerprint cache occupancy and the filter rate.
func (q *Queue) DedupStats() DedupStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := DedupStats{
		CacheSize:          q.dedup.len(),
		CacheCapacity:      q.dedup.capacity,
		DuplicatesFiltered: q.duplicates,
		TotalAttempts:      q.attempts,
	}
	if q.attempts > 0 {
		s.FilterRate = float64(q.duplicates) / float64(q.attempts)
	}
	return s
}

// FailedEvents returns a copy of the permanently failed events.
func (q *Queue) FailedEvents() []events.DomainEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]events.DomainEvent(nil), q.deadLetter...)
}

// RequeueFailed moves permanently failed events back to the front of the
// buffer for another round of attempts.
func (q *Queue) RequeueFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return 0, ErrShuttingDown
	}
	n := len(q.deadLetter)
	if n == 0 {
		return 0, nil
	}
	q.buf = append(q.deadLetter, q.buf...)
	q.deadLetter = nil
	q.permFailed -= int64(n)
	q.armWaitLocked()
	return n, nil
}
