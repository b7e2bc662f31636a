package crawler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/mallcrawler/config"
	"sjsage522/mallcrawler/pkg/errors"
)

func testPoliteness() Politeness {
	return Politeness{
		Delay:             config.D(time.Second),
		Concurrency:       1,
		MaxAttempts:       3,
		BackoffBase:       config.D(2 * time.Second),
		BackoffMultiplier: 2,
		BackoffMax:        config.D(30 * time.Second),
		RateLimitFactor:   3,
		BlockTime:         config.D(time.Minute),
	}
}

func TestAcquireEnforcesDelay(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler("shop", testPoliteness(), WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := s.Acquire(ctx)
		require.NoError(t, err)
		p.Release()
	}
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.Sleeps())
}

func TestAcquireRespectsConcurrencyCap(t *testing.T) {
	p := testPoliteness()
	p.Delay = config.D(0)
	p.Concurrency = 2
	s := NewScheduler("shop", p)

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := s.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			permit.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, int32(2))
}

func TestAcquireCancelledDuringDelay(t *testing.T) {
	p := testPoliteness()
	p.Delay = config.D(time.Hour)
	s := NewScheduler("shop", p)

	first, err := s.Acquire(context.Background())
	require.NoError(t, err)
	first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.Acquire(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBackoff(t *testing.T) {
	s := NewScheduler("shop", testPoliteness())

	assert.Equal(t, 2*time.Second, s.Backoff(1, FetchResult{Status: 503}))
	assert.Equal(t, 4*time.Second, s.Backoff(2, FetchResult{Status: 503}))
	assert.Equal(t, 30*time.Second, s.Backoff(10, FetchResult{Status: 503}))

	// 429 waits longer and honours Retry-After
	assert.Equal(t, 6*time.Second, s.Backoff(1, FetchResult{Status: http.StatusTooManyRequests}))
	assert.Equal(t, 20*time.Second, s.Backoff(1, FetchResult{Status: http.StatusTooManyRequests, RetryAfter: 20 * time.Second}))
	assert.Equal(t, 90*time.Second, s.Backoff(1, FetchResult{Status: http.StatusTooManyRequests, RetryAfter: time.Hour}))
}

func TestDoRetriesUntilExhausted(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler("shop", testPoliteness(), WithClock(clock))

	calls := 0
	res, attempts := s.Do(context.Background(), func(context.Context) FetchResult {
		calls++
		r := failed(errors.NewHTTPStatus("shop", http.StatusServiceUnavailable))
		r.Status = http.StatusServiceUnavailable
		return r
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.True(t, res.Exhausted)
	assert.Equal(t, "http_503", res.Reason)
	// backoff 2s then 4s; the inter-request delay is already covered by the backoff
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.Sleeps())
}

func TestDoStopsOnFatal(t *testing.T) {
	s := NewScheduler("shop", testPoliteness(), WithClock(newFakeClock()))

	calls := 0
	res, attempts := s.Do(context.Background(), func(context.Context) FetchResult {
		calls++
		return failed(errors.NewHTTPStatus("shop", http.StatusNotFound))
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.False(t, res.Exhausted)
}

func TestDoRecoversAfterRetry(t *testing.T) {
	s := NewScheduler("shop", testPoliteness(), WithClock(newFakeClock()))

	calls := 0
	res, attempts := s.Do(context.Background(), func(context.Context) FetchResult {
		calls++
		if calls == 1 {
			return failed(errors.NewTruncatedBody("shop", nil))
		}
		return FetchResult{Outcome: OutcomeSuccess, Status: 200}
	})
	assert.True(t, res.OK())
	assert.Equal(t, 2, attempts)
}

func TestRateLimitBlocksLaterRequests(t *testing.T) {
	clock := newFakeClock()
	blocks := NewMockCacheService()
	p := testPoliteness()
	p.MaxAttempts = 1
	s := NewScheduler("shop", p, WithClock(clock), WithBlockCache(blocks))

	res, _ := s.Do(context.Background(), func(context.Context) FetchResult {
		r := failed(errors.NewHTTPStatus("shop", http.StatusTooManyRequests))
		r.Status = http.StatusTooManyRequests
		return r
	})
	require.True(t, res.Exhausted)

	_, err := blocks.Get("shop_rate_limited")
	require.NoError(t, err)

	permit, err := s.Acquire(context.Background())
	require.NoError(t, err)
	permit.Release()
	assert.Contains(t, clock.Sleeps(), time.Minute)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	p := testPoliteness()
	p.BackoffBase = config.D(time.Hour)
	s := NewScheduler("shop", p)

	ctx, cancel := context.WithCancel(context.Background())
	res, attempts := s.Do(ctx, func(context.Context) FetchResult {
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		return failed(errors.NewTruncatedBody("shop", nil))
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "cancelled", res.Reason)
}

func TestRequestsPerMinute(t *testing.T) {
	clock := newFakeClock()
	p := testPoliteness()
	p.Delay = config.D(0)
	p.RequestsPerMinute = 6
	s := NewScheduler("shop", p, WithClock(clock))

	for i := 0; i < 3; i++ {
		permit, err := s.Acquire(context.Background())
		require.NoError(t, err)
		permit.Release()
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.Sleeps())
}
