package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// fakeLocker implements Locker with a settable per-family lockout.
type fakeLocker struct {
	mu       sync.Mutex
	lockouts map[proxy.ModelFamily]time.Duration
}

func (l *fakeLocker) LockoutRemaining(_ proxy.Service, family proxy.ModelFamily) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockouts[family]
}

func (l *fakeLocker) set(family proxy.ModelFamily, d time.Duration) {
	l.mu.Lock()
	l.lockouts[family] = d
	l.mu.Unlock()
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{lockouts: make(map[proxy.ModelFamily]time.Duration)}
}

func startQueue(t *testing.T, locker Locker, opts Options) *Queue {
	t.Helper()
	q := New(locker, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	q := startQueue(t, newFakeLocker(), Options{MaxConcurrent: 1})
	ctx := context.Background()

	first := q.Enqueue(ctx, proxy.ServiceAnthropic, proxy.FamilyClaude)
	second := q.Enqueue(ctx, proxy.ServiceAnthropic, proxy.FamilyClaude)

	if err := first.Await(ctx); err != nil {
		t.Fatal(err)
	}
	// Capacity 1: second must not be granted until first finishes.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := second.Await(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second granted while first in flight: %v", err)
	}

	first.Finish()
	if err := second.Await(ctx); err != nil {
		t.Fatal(err)
	}
	second.Finish()
}

func TestLockoutGatesDispatch(t *testing.T) {
	t.Parallel()

	locker := newFakeLocker()
	locker.set(proxy.FamilyClaude, time.Hour)
	q := startQueue(t, locker, Options{})
	ctx := context.Background()

	it := q.Enqueue(ctx, proxy.ServiceAnthropic, proxy.FamilyClaude)
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := it.Await(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dispatched through a lockout: %v", err)
	}

	locker.set(proxy.FamilyClaude, 0)
	q.Kick()
	if err := it.Await(ctx); err != nil {
		t.Fatal(err)
	}
	it.Finish()
}

func TestReenqueueHeadPlacement(t *testing.T) {
	t.Parallel()

	// Injected clock: an atomic offset keeps the running scheduler race-free.
	var offset atomic.Int64
	base := time.Now()
	q := New(newFakeLocker(), Options{MaxConcurrent: 1})
	q.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(runCtx) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancelRun()
		<-done
	})
	ctx := context.Background()

	retried := q.Enqueue(ctx, proxy.ServiceAnthropic, proxy.FamilyClaude)
	if err := retried.Await(ctx); err != nil {
		t.Fatal(err)
	}
	waiting := q.Enqueue(ctx, proxy.ServiceAnthropic, proxy.FamilyClaude)

	if err := q.Reenqueue(retried, 429); err != nil {
		t.Fatal(err)
	}
	// Step the clock past the 1s backoff so the retry becomes eligible.
	offset.Store(int64(2 * time.Second))
	q.Kick()

	// The retried item sits ahead of the waiting one.
	if err := retried.Await(ctx); err != nil {
		t.Fatal(err)
	}
	if retried.RetryCount() != 1 {
		t.Errorf("retryCount = %d", retried.RetryCount())
	}
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := waiting.Await(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("FIFO item jumped ahead of the head retry")
	}
	retried.Finish()
	if err := waiting.Await(ctx); err != nil {
		t.Fatal(err)
	}
	waiting.Finish()
}

func TestRetryBudget(t *testing.T) {
	t.Parallel()

	q := New(newFakeLocker(), Options{})
	it := &Item{Service: proxy.ServiceAnthropic, Family: proxy.FamilyClaude, q: q, ctx: context.Background()}
	for i := 0; i < MaxRetries-1; i++ {
		if err := q.Reenqueue(it, 429); err != nil {
			t.Fatalf("retry %d refused: %v", i+1, err)
		}
	}
	if err := q.Reenqueue(it, 429); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("budget not enforced: %v", err)
	}
}

func TestRetryBudgetMoonshot429(t *testing.T) {
	t.Parallel()

	// Three consecutive 429s from Moonshot: the first two re-enqueue, the
	// third fails back to the client.
	q := New(newFakeLocker(), Options{})
	it := &Item{Service: proxy.ServiceMoonshot, Family: proxy.FamilyMoonshot, q: q, ctx: context.Background()}
	for i := 0; i < 2; i++ {
		if err := q.Reenqueue(it, 429); err != nil {
			t.Fatalf("retry %d refused: %v", i+1, err)
		}
	}
	if err := q.Reenqueue(it, 429); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("third consecutive 429 did not exhaust the budget: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		service proxy.Service
		retry   int
		status  int
		want    time.Duration
	}{
		{proxy.ServiceAnthropic, 1, 429, time.Second},
		{proxy.ServiceAnthropic, 3, 429, 3 * time.Second},
		{proxy.ServiceAnthropic, 9, 429, 5 * time.Second},
		{proxy.ServiceQwen, 1, 500, time.Second},
		{proxy.ServiceQwen, 3, 503, 4 * time.Second},
		{proxy.ServiceQwen, 8, 500, 30 * time.Second},
		{proxy.ServiceQwen, 2, 429, 2 * time.Second}, // non-5xx uses the linear ramp
		{proxy.ServiceMoonshot, 2, 429, 2 * time.Second},
		{proxy.ServiceMoonshot, 6, 429, 6 * time.Second},
		{proxy.ServiceMoonshot, 9, 429, 6 * time.Second}, // moonshot ramps a second further
	}
	for _, tc := range cases {
		if got := Backoff(tc.service, tc.retry, tc.status); got != tc.want {
			t.Errorf("Backoff(%s, %d, %d) = %v, want %v",
				tc.service, tc.retry, tc.status, got, tc.want)
		}
	}
}

func TestClientDisconnectDropsItem(t *testing.T) {
	t.Parallel()

	locker := newFakeLocker()
	locker.set(proxy.FamilyClaude, time.Hour) // hold everything queued
	q := startQueue(t, locker, Options{})

	reqCtx, cancelReq := context.WithCancel(context.Background())
	it := q.Enqueue(reqCtx, proxy.ServiceAnthropic, proxy.FamilyClaude)
	cancelReq()

	locker.set(proxy.FamilyClaude, 0)
	q.Kick()

	if err := it.Await(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if q.Depth(proxy.FamilyClaude) != 0 {
		t.Error("dropped item left in queue")
	}
}

func TestEstimatedWaitAndDepth(t *testing.T) {
	t.Parallel()

	q := startQueue(t, newFakeLocker(), Options{})
	ctx := context.Background()

	if q.Depth(proxy.FamilyClaude) != 0 {
		t.Error("empty queue reports depth")
	}
	it := q.Enqueue(ctx, proxy.ServiceAnthropic, proxy.FamilyClaude)
	if err := it.Await(ctx); err != nil {
		t.Fatal(err)
	}
	it.Finish()
	if q.EstimatedWait(proxy.FamilyClaude) < 0 {
		t.Error("negative wait estimate")
	}
}
