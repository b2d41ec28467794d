// Package queue implements per-family FIFO request queues with a single
// cooperative scheduler. A request is granted dispatch only when its family
// has no rate-limit lockout and in-flight capacity is available; retryable
// failures re-enter at the head with a per-service backoff.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

const (
	// MaxRetries bounds re-enqueues: the third consecutive retryable failure
	// is returned to the client instead of retried.
	MaxRetries = 3

	// ewmaAlpha weights the newest wait sample in the estimate.
	ewmaAlpha = 0.2

	// maxWakeDelay caps scheduler sleeps so a missed signal self-heals.
	maxWakeDelay = time.Second
)

// Backoff returns how long a retried request waits before it is eligible
// again. Qwen 5xx failures back off exponentially, capped at 30s; everything
// else ramps linearly from 1s, capped at 5s (Moonshot at 6s).
func Backoff(service proxy.Service, retryCount, status int) time.Duration {
	if service == proxy.ServiceQwen && status >= 500 {
		d := time.Second << max(retryCount-1, 0)
		return min(d, 30*time.Second)
	}
	limit := 5 * time.Second
	if service == proxy.ServiceMoonshot {
		limit = 6 * time.Second
	}
	return min(time.Duration(max(retryCount, 1))*time.Second, limit)
}

// ErrRetryBudgetExhausted reports that a request has used up its service's
// retry budget and must be failed to the client.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// Locker answers whether a family is currently locked out. Implemented by
// the credential pool.
type Locker interface {
	LockoutRemaining(service proxy.Service, family proxy.ModelFamily) time.Duration
}

// Item is one queued request. The pipeline enqueues it, awaits the grant,
// runs stage B, and calls Finish when the response is complete.
type Item struct {
	Service proxy.Service
	Family  proxy.ModelFamily

	ctx        context.Context
	q          *Queue
	enqueuedAt time.Time
	notBefore  time.Time
	retryCount int
	ready      chan struct{}
	abortErr   error
	finishOnce sync.Once
}

// RetryCount returns how many times the item has been re-enqueued.
func (it *Item) RetryCount() int { return it.retryCount }

// Await blocks until the scheduler grants dispatch, the client disconnects,
// or ctx is cancelled.
func (it *Item) Await(ctx context.Context) error {
	select {
	case <-it.ready:
		return it.abortErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish releases the item's in-flight capacity. Safe to call more than once.
func (it *Item) Finish() {
	it.finishOnce.Do(func() {
		it.q.release(it.Family)
	})
}

// Options tunes queue behavior.
type Options struct {
	// MaxConcurrent caps in-flight requests per family; 0 means unlimited.
	MaxConcurrent int
}

// familyQueue is the per-family FIFO plus its bookkeeping.
type familyQueue struct {
	items    []*Item
	inflight int
	ewmaWait time.Duration
}

// Queue owns every family FIFO and the scheduler state.
type Queue struct {
	mu       sync.Mutex
	families map[proxy.ModelFamily]*familyQueue
	locker   Locker
	opts     Options
	wake     chan struct{}
	now      func() time.Time
}

// New creates a Queue gated on the given locker. Wire the pool's
// OnStateChange to Kick so lockout clears wake the scheduler.
func New(locker Locker, opts Options) *Queue {
	return &Queue{
		families: make(map[proxy.ModelFamily]*familyQueue),
		locker:   locker,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue appends a new request to its family FIFO and returns the Item the
// caller awaits on. ctx is the client request context; a disconnect before
// dispatch drops the item.
func (q *Queue) Enqueue(ctx context.Context, service proxy.Service, family proxy.ModelFamily) *Item {
	it := &Item{
		Service:    service,
		Family:     family,
		ctx:        ctx,
		q:          q,
		enqueuedAt: q.now(),
		ready:      make(chan struct{}),
	}
	q.mu.Lock()
	fq := q.familyLocked(family)
	fq.items = append(fq.items, it)
	q.mu.Unlock()
	q.Kick()
	return it
}

// Reenqueue places a granted item back at the head of its family FIFO with
// the service backoff applied. status is the upstream HTTP status that
// triggered the retry (0 for transport errors). Fails with
// ErrRetryBudgetExhausted once the retry budget is spent.
func (q *Queue) Reenqueue(it *Item, status int) error {
	it.Finish()
	it.retryCount++
	if it.retryCount >= MaxRetries {
		return fmt.Errorf("%w: %s after %d attempts", ErrRetryBudgetExhausted, it.Service, it.retryCount)
	}
	it.notBefore = q.now().Add(Backoff(it.Service, it.retryCount, status))
	it.ready = make(chan struct{})
	it.finishOnce = sync.Once{}

	q.mu.Lock()
	fq := q.familyLocked(it.Family)
	fq.items = append([]*Item{it}, fq.items...)
	q.mu.Unlock()
	q.Kick()

	slog.Debug("request re-enqueued",
		"family", it.Family, "retry", it.retryCount, "status", status)
	return nil
}

// Kick wakes the scheduler. Non-blocking; coalesces with a pending wake.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of requests waiting in a family's FIFO.
func (q *Queue) Depth(family proxy.ModelFamily) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fq, ok := q.families[family]; ok {
		return len(fq.items)
	}
	return 0
}

// EstimatedWait returns the EWMA of recent queue waits for a family.
func (q *Queue) EstimatedWait(family proxy.ModelFamily) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fq, ok := q.families[family]; ok {
		return fq.ewmaWait
	}
	return 0
}

// Run is the scheduler loop. It wakes on enqueue, on Kick (credential state
// changes), and on a timer for backoff/lockout expiries. Blocks until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(maxWakeDelay)
	defer timer.Stop()
	for {
		delay := q.dispatchReady()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-ctx.Done():
			q.failAll(ctx.Err())
			return nil
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// dispatchReady grants every head item whose family is dispatchable and
// returns how long the scheduler may sleep before the next deadline.
func (q *Queue) dispatchReady() time.Duration {
	now := q.now()
	sleep := maxWakeDelay

	q.mu.Lock()
	defer q.mu.Unlock()
	for family, fq := range q.families {
		for len(fq.items) > 0 {
			head := fq.items[0]

			// Client gone before dispatch: drop silently.
			if head.ctx.Err() != nil {
				fq.items = fq.items[1:]
				head.abortErr = head.ctx.Err()
				close(head.ready)
				continue
			}
			if wait := head.notBefore.Sub(now); wait > 0 {
				sleep = min(sleep, wait)
				break
			}
			if lockout := q.locker.LockoutRemaining(head.Service, family); lockout > 0 {
				sleep = min(sleep, lockout)
				break
			}
			if q.opts.MaxConcurrent > 0 && fq.inflight >= q.opts.MaxConcurrent {
				break // woken by Finish via Kick
			}

			fq.items = fq.items[1:]
			fq.inflight++
			sample := now.Sub(head.enqueuedAt)
			if fq.ewmaWait == 0 {
				fq.ewmaWait = sample
			} else {
				fq.ewmaWait = time.Duration(ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(fq.ewmaWait))
			}
			close(head.ready)
		}
	}
	return sleep
}

// failAll aborts every queued item with err. Called on shutdown.
func (q *Queue) failAll(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, fq := range q.families {
		for _, it := range fq.items {
			it.abortErr = err
			close(it.ready)
		}
		fq.items = nil
	}
}

func (q *Queue) release(family proxy.ModelFamily) {
	q.mu.Lock()
	if fq, ok := q.families[family]; ok && fq.inflight > 0 {
		fq.inflight--
	}
	q.mu.Unlock()
	q.Kick()
}

// familyLocked returns (creating if needed) the FIFO for family.
// Caller holds q.mu.
func (q *Queue) familyLocked(family proxy.ModelFamily) *familyQueue {
	fq, ok := q.families[family]
	if !ok {
		fq = &familyQueue{}
		q.families[family] = fq
	}
	return fq
}
