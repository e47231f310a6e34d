package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/dwell/internal/clock"
	"github.com/runnerr0/dwell/internal/events"
)

type fakeStore struct {
	mu      sync.Mutex
	calls   [][]events.DomainEvent
	fail    int // number of upcoming calls that fail
	err     error
	blockCh chan struct{}
}

func (f *fakeStore) BulkInsert(ctx context.Context, evs []events.DomainEvent) ([]int64, error) {
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("storage unavailable")
	}
	f.calls = append(f.calls, append([]events.DomainEvent(nil), evs...))
	ids := make([]int64, len(evs))
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return ids, nil
}

func (f *fakeStore) inserted() []events.DomainEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.DomainEvent
	for _, c := range f.calls {
		out = append(out, c...)
	}
	return out
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func defaultOpts() Options {
	return Options{
		MaxQueueSize:    50,
		MaxWait:         5 * time.Second,
		MaxRetries:      3,
		RetryBaseDelay:  time.Second,
		DedupWindow:     time.Second,
		DedupCacheSize:  1000,
		ShutdownTimeout: 5 * time.Second,
	}
}

func newTestQueue(opts Options) (*Queue, *fakeStore, *clock.Fake) {
	store := &fakeStore{}
	clk := clock.NewFake(t0)
	return New(opts, store, clk, zerolog.Nop()), store, clk
}

func ev(tab int, ts int64) events.DomainEvent {
	return events.DomainEvent{
		Timestamp: ts,
		Type:      events.OpenTimeStart,
		TabID:     tab,
		URL:       "https://example.com/a",
		VisitID:   "visit-1",
	}
}

func TestEnqueue_DedupWithinWindow(t *testing.T) {
	q, _, _ := newTestQueue(defaultOpts())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(1, 1500)))

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, int64(1), q.Stats().DuplicatesFiltered)

	ds := q.DedupStats()
	assert.Equal(t, int64(2), ds.TotalAttempts)
	assert.Equal(t, 1, ds.CacheSize)
	assert.Equal(t, 1000, ds.CacheCapacity)
	assert.InDelta(t, 0.5, ds.FilterRate, 1e-9)
}

func TestEnqueue_WindowExpiry(t *testing.T) {
	q, _, _ := newTestQueue(defaultOpts())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(1, 2001)))

	assert.Equal(t, 2, q.Len())
	assert.Zero(t, q.Stats().DuplicatesFiltered)
}

func TestEnqueue_DifferentIdentityIsNotDuplicate(t *testing.T) {
	q, _, _ := newTestQueue(defaultOpts())
	ctx := context.Background()

	a := ev(1, 1000)
	b := ev(1, 1000)
	b.Type = events.OpenTimeEnd
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))
	assert.Equal(t, 2, q.Len())
}

func TestEnqueue_LRUEvictsOldestFingerprint(t *testing.T) {
	opts := defaultOpts()
	opts.DedupCacheSize = 2
	q, _, _ := newTestQueue(opts)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(2, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(3, 1000)))
	assert.Equal(t, 2, q.DedupStats().CacheSize)

	// Tab 1's fingerprint was evicted, so it is accepted again.
	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	assert.Equal(t, 4, q.Len())
	assert.Zero(t, q.Stats().DuplicatesFiltered)
}

func TestEnqueue_InvalidShape(t *testing.T) {
	q, _, _ := newTestQueue(defaultOpts())
	bad := ev(1, 1000)
	bad.VisitID = ""
	err := q.Enqueue(context.Background(), bad)
	assert.ErrorIs(t, err, events.ErrInvalidEvent)
	assert.Zero(t, q.Len())
}

func TestFlush_PreservesFIFOOrder(t *testing.T) {
	q, store, _ := newTestQueue(defaultOpts())
	ctx := context.Background()

	for _, tab := range []int{1, 2, 3} {
		require.NoError(t, q.Enqueue(ctx, ev(tab, 1000)))
	}
	n, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Equal(t, 1, store.callCount())
	got := store.inserted()
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].TabID, got[1].TabID, got[2].TabID})
}

func TestFlush_EmptyIsNoop(t *testing.T) {
	q, store, _ := newTestQueue(defaultOpts())
	n, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, store.callCount())
}

func TestEnqueue_SizeTriggerFlushesSynchronously(t *testing.T) {
	opts := defaultOpts()
	opts.MaxQueueSize = 3
	q, store, _ := newTestQueue(opts)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(2, 1000)))
	assert.Zero(t, store.callCount())

	require.NoError(t, q.Enqueue(ctx, ev(3, 1000)))
	assert.Equal(t, 1, store.callCount(), "third enqueue flushes before returning")
	assert.Zero(t, q.Len())
	assert.Equal(t, int64(3), q.Stats().TotalProcessed)
}

func TestMaxWaitTimerFlushes(t *testing.T) {
	q, store, clk := newTestQueue(defaultOpts())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	clk.Advance(2 * time.Second)
	require.NoError(t, q.Enqueue(ctx, ev(2, 1000)))

	clk.Advance(2900 * time.Millisecond)
	assert.Zero(t, store.callCount())

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, store.callCount(), "flush lands max wait after the oldest event")
	assert.Len(t, store.inserted(), 2)
	assert.Zero(t, clk.Pending())
}

func TestFlushFailureRestoresBatchAtFront(t *testing.T) {
	q, store, _ := newTestQueue(defaultOpts())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(2, 1000)))

	store.fail = 1
	n, err := q.Flush(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, q.Len())

	st := q.Stats()
	assert.Equal(t, int64(1), st.FailedFlushes)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.NotEmpty(t, st.LastError)

	require.NoError(t, q.Enqueue(ctx, ev(3, 1000)))
	_, err = q.Flush(ctx)
	require.NoError(t, err)

	got := store.inserted()
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].TabID, got[1].TabID, got[2].TabID})
	assert.Zero(t, q.Stats().ConsecutiveFailures)
}

func TestRetryTimerWithBackoff(t *testing.T) {
	q, store, clk := newTestQueue(defaultOpts())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	store.fail = 1
	_, err := q.Flush(ctx)
	require.Error(t, err)
	require.Equal(t, 1, clk.Pending(), "a retry is scheduled")

	// First backoff is within the randomized window around the base delay.
	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, store.callCount())
	assert.Zero(t, q.Len())
}

// reentrantStore always fails and enqueues one more event during its first
// attempt, the way a producer keeps submitting while a write is in flight.
type reentrantStore struct {
	mu       sync.Mutex
	q        *Queue
	attempts int
}

func (r *reentrantStore) BulkInsert(ctx context.Context, evs []events.DomainEvent) ([]int64, error) {
	r.mu.Lock()
	r.attempts++
	first := r.attempts == 1
	r.mu.Unlock()

	if first {
		if err := r.q.Enqueue(ctx, ev(2, 2000)); err != nil {
			return nil, err
		}
	}
	return nil, errors.New("disk I/O error")
}

func (r *reentrantStore) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func TestEnqueueDuringFailedFlushKeepsSingleTimer(t *testing.T) {
	opts := defaultOpts()
	opts.MaxWait = time.Second
	opts.RetryBaseDelay = 10 * time.Second
	opts.MaxRetries = 5

	clk := clock.NewFake(t0)
	store := &reentrantStore{}
	q := New(opts, store, clk, zerolog.Nop())
	store.q = q
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	_, err := q.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, store.attemptCount())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, clk.Pending(), "only the retry timer is armed")

	// The max-wait cadence must not drive retries.
	clk.Advance(time.Second)
	assert.Equal(t, 1, store.attemptCount())
	clk.Advance(3 * time.Second)
	assert.Equal(t, 1, store.attemptCount())
	assert.Equal(t, 1, clk.Pending())

	// First backoff lands within the randomized window around 10s.
	clk.Advance(12 * time.Second)
	assert.Equal(t, 2, store.attemptCount())
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, 2, q.Len())
	assert.Zero(t, q.Stats().PermanentlyFailed)
}

func TestPermanentFailureAfterMaxRetries(t *testing.T) {
	opts := defaultOpts()
	opts.MaxRetries = 2
	q, store, clk := newTestQueue(opts)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(2, 1000)))
	store.fail = 100

	_, err := q.Flush(ctx)
	require.Error(t, err)
	clk.Advance(time.Minute)

	st := q.Stats()
	assert.Equal(t, int64(3), st.FailedFlushes, "initial attempt plus two retries")
	assert.Equal(t, int64(2), st.PermanentlyFailed)
	assert.Zero(t, st.Queued)
	assert.Len(t, q.FailedEvents(), 2)
	assert.Zero(t, clk.Pending(), "no retries after giving up")

	store.fail = 0
	n, err := q.RequeueFailed()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, q.FailedEvents())

	clk.Advance(opts.MaxWait)
	assert.Len(t, store.inserted(), 2)
	assert.Zero(t, q.Stats().PermanentlyFailed)
}

func TestConcurrentFlushSharesInFlight(t *testing.T) {
	q, store, _ := newTestQueue(defaultOpts())
	ctx := context.Background()
	store.blockCh = make(chan struct{})

	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Enqueue(ctx, ev(i, 1000)))
	}

	results := make(chan int, 2)
	go func() {
		n, _ := q.Flush(ctx)
		results <- n
	}()
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)

	go func() {
		n, _ := q.Flush(ctx)
		results <- n
	}()
	time.Sleep(10 * time.Millisecond)
	close(store.blockCh)

	a, b := <-results, <-results
	assert.Contains(t, []int{0, 4}, a)
	assert.Contains(t, []int{0, 4}, b)
	assert.Equal(t, 1, store.callCount(), "only one bulk insert for one buffer")
	assert.Len(t, store.inserted(), 4)
}

func TestShutdownRejectsAndFlushes(t *testing.T) {
	q, store, clk := newTestQueue(defaultOpts())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(2, 1000)))

	require.NoError(t, q.Shutdown(ctx))

	err := q.Enqueue(ctx, ev(3, 1000))
	require.ErrorIs(t, err, ErrShuttingDown)
	assert.EqualError(t, err, "cannot enqueue events during shutdown")

	assert.Len(t, store.inserted(), 2)
	assert.Zero(t, clk.Pending())

	_, err = q.RequeueFailed()
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownIsBounded(t *testing.T) {
	opts := defaultOpts()
	opts.ShutdownTimeout = 20 * time.Millisecond
	q, store, _ := newTestQueue(opts)
	store.blockCh = make(chan struct{})
	defer close(store.blockCh)

	require.NoError(t, q.Enqueue(context.Background(), ev(1, 1000)))

	start := time.Now()
	err := q.Shutdown(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFingerprintIgnoresTimestamp(t *testing.T) {
	a, b := ev(1, 1000), ev(1, 99999)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.ActivityID = "x"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestAverageBatchSize(t *testing.T) {
	q, _, _ := newTestQueue(defaultOpts())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ev(1, 1000)))
	_, err := q.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, ev(2, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(3, 1000)))
	require.NoError(t, q.Enqueue(ctx, ev(4, 1000)))
	_, err = q.Flush(ctx)
	require.NoError(t, err)

	st := q.Stats()
	assert.Equal(t, int64(2), st.Batches)
	assert.InDelta(t, 2.0, st.AverageBatchSize, 1e-9)
	assert.Equal(t, int64(4), st.TotalEnqueued)
}
