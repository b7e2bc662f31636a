package crawler

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"sjsage522/mallcrawler/pkg/errors"
	"sjsage522/mallcrawler/services/cache"
)

// Clock abstracts time so the scheduler can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithBlockCache stores the block-after-429 key in c so it survives across runs.
func WithBlockCache(c cache.CacheService) SchedulerOption {
	return func(s *Scheduler) { s.cache = c }
}

// WithSchedulerMetrics records retries.
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler gates every outbound request of one target.
type Scheduler struct {
	targetID string
	p        Politeness
	clock    Clock
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	cache    cache.CacheService
	metrics  *Metrics

	mu   sync.Mutex
	next time.Time
}

// NewScheduler creates a scheduler for one target.
func NewScheduler(targetID string, p Politeness, opts ...SchedulerOption) *Scheduler {
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2
	}
	if p.RateLimitFactor < 1 {
		p.RateLimitFactor = 1
	}

	s := &Scheduler{
		targetID: targetID,
		p:        p,
		clock:    realClock{},
		sem:      semaphore.NewWeighted(int64(p.Concurrency)),
	}
	if p.RequestsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.RequestsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Permit is a held concurrency slot.
type Permit struct {
	once    sync.Once
	release func()
}

// Release returns the slot. Calling it more than once is a no-op.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// Acquire blocks until a concurrency slot is free, any 429 block has expired and
// the inter-request delay has elapsed. It returns a cancelled error if ctx ends first.
func (s *Scheduler) Acquire(ctx context.Context) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled(s.targetID, err)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.NewCancelled(s.targetID, err)
	}
	permit := &Permit{release: func() { s.sem.Release(1) }}

	if err := s.waitForBlock(ctx); err != nil {
		permit.Release()
		return nil, errors.NewCancelled(s.targetID, err)
	}

	now := s.clock.Now()
	wait := s.reserveSlot(now)
	if s.limiter != nil {
		r := s.limiter.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > wait {
			wait = d
		}
	}
	if err := s.clock.Sleep(ctx, wait); err != nil {
		permit.Release()
		return nil, errors.NewCancelled(s.targetID, err)
	}
	return permit, nil
}

// reserveSlot claims the next start time and returns how long to wait for it.
// The lock is not held while sleeping.
func (s *Scheduler) reserveSlot(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.next
	if start.Before(now) {
		start = now
	}
	s.next = start.Add(s.p.Delay.Duration + s.jitter())
	return start.Sub(now)
}

func (s *Scheduler) jitter() time.Duration {
	if s.p.Jitter.Duration <= 0 {
		return 0
	}
	return rand.N(s.p.Jitter.Duration)
}

// Classify reports whether err is worth retrying.
func (s *Scheduler) Classify(err error) errors.Class {
	return errors.Classify(err)
}

// Backoff returns the wait before attempt+1 after a retryable failure on attempt (1-based).
// A 429 waits RateLimitFactor times longer and never less than the server's Retry-After.
func (s *Scheduler) Backoff(attempt int, res FetchResult) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(s.p.BackoffBase.Duration) * math.Pow(s.p.BackoffMultiplier, float64(attempt-1)))
	ceiling := s.p.BackoffMax.Duration
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if res.Status != http.StatusTooManyRequests {
		return d
	}

	d = time.Duration(float64(d) * s.p.RateLimitFactor)
	if res.RetryAfter > d {
		d = res.RetryAfter
	}
	if ceiling > 0 {
		if limit := time.Duration(float64(ceiling) * s.p.RateLimitFactor); d > limit {
			d = limit
		}
	}
	return d
}

// Do runs fn under the politeness policy, retrying retryable outcomes up to MaxAttempts.
// It returns the last result and the number of attempts made. A retryable failure that
// runs out of attempts comes back as fatal with Exhausted set.
func (s *Scheduler) Do(ctx context.Context, fn func(context.Context) FetchResult) (FetchResult, int) {
	for attempt := 1; ; attempt++ {
		permit, err := s.Acquire(ctx)
		if err != nil {
			return cancelledResult(err), attempt - 1
		}
		res := fn(ctx)
		permit.Release()

		if res.Outcome != OutcomeRetryable {
			return res, attempt
		}
		if err := ctx.Err(); err != nil {
			return cancelledResult(errors.NewCancelled(s.targetID, err)), attempt
		}
		if attempt >= s.p.MaxAttempts {
			if res.Status == http.StatusTooManyRequests {
				s.block(s.p.BlockTime.Duration)
			}
			res.Outcome = OutcomeFatal
			res.Exhausted = true
			return res, attempt
		}

		s.metrics.IncRetry(s.targetID, res.Reason)
		if err := s.clock.Sleep(ctx, s.Backoff(attempt, res)); err != nil {
			return cancelledResult(errors.NewCancelled(s.targetID, err)), attempt
		}
	}
}

func cancelledResult(err error) FetchResult {
	return FetchResult{Outcome: OutcomeFatal, Reason: "cancelled", Err: err}
}

func (s *Scheduler) blockKey() string {
	return s.targetID + "_rate_limited"
}

// block stores the unblock time so later Acquire calls, in this run or the next, wait it out.
func (s *Scheduler) block(d time.Duration) {
	if s.cache == nil || d <= 0 {
		return
	}
	until := s.clock.Now().Add(d)
	_ = s.cache.Set(s.blockKey(), []byte(strconv.FormatInt(until.UnixNano(), 10)), d)
}

func (s *Scheduler) waitForBlock(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	v, err := s.cache.Get(s.blockKey())
	if err != nil {
		return nil
	}
	nanos, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return nil
	}
	wait := time.Unix(0, nanos).Sub(s.clock.Now())
	if wait <= 0 {
		return nil
	}
	return s.clock.Sleep(ctx, wait)
}
