package crawler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"sjsage522/mallcrawler/config"
	"sjsage522/mallcrawler/pkg/errors"
	"sjsage522/mallcrawler/services/cache"
)

// MockCacheService implements a simple in-memory cache for testing
type MockCacheService struct {
	mu    sync.Mutex
	cache map[string][]byte
}

func NewMockCacheService() *MockCacheService {
	return &MockCacheService{
		cache: make(map[string][]byte),
	}
}

func (m *MockCacheService) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.cache[key]; ok {
		return val, nil
	}
	return nil, cache.ErrMiss
}

func (m *MockCacheService) Set(key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = value
	return nil
}

func (m *MockCacheService) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return nil
}

// fakeClock advances instantly on Sleep and records every wait.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
	}
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// stubFetcher serves canned pages by URL and records every request.
type stubFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	status map[string]int
	calls  []string
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{pages: map[string]string{}, status: map[string]int{}}
}

func (f *stubFetcher) Fetch(ctx context.Context, req FetchRequest) FetchResult {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	body, hasBody := f.pages[req.URL]
	status, hasStatus := f.status[req.URL]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return failed(errors.NewTransport(req.TargetID, "request failed", err))
	}
	if !hasStatus && !hasBody {
		status, hasStatus = http.StatusNotFound, true
	}
	if hasStatus {
		res := failed(errors.NewHTTPStatus(req.TargetID, status))
		res.Status = status
		return res
	}
	return FetchResult{Outcome: OutcomeSuccess, Body: []byte(body), Status: http.StatusOK, FinalURL: req.URL}
}

func (f *stubFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *stubFetcher) CallCount(url string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == url {
			n++
		}
	}
	return n
}

// testTarget returns a validated listing-mode target for shop.example.com.
func testTarget(mutate ...func(*Target)) *Target {
	t := &Target{
		ID:       "shop",
		BaseURL:  "https://shop.example.com",
		Listings: []Listing{{URL: "https://shop.example.com/list?page={page}"}},
		Pagination: Pagination{
			ItemSelector: "li.item",
			MaxPages:     10,
		},
		Fields: Fields{
			Link:  Chain{{Kind: KindAttr, Locator: "a", Attrs: []string{"href"}}},
			Title: Chain{{Kind: KindText, Locator: ".name"}},
			Price: Chain{{Kind: KindText, Locator: ".price"}},
			Image: Chain{{Kind: KindAttr, Locator: "img", Attrs: []string{"data-src", "src"}}},
		},
		IDExtractor: IDExtractor{Kind: "query", Param: "no"},
		Politeness: Politeness{
			Delay:       config.D(time.Millisecond),
			BackoffBase: config.D(time.Millisecond),
			BackoffMax:  config.D(10 * time.Millisecond),
		},
	}
	for _, m := range mutate {
		m(t)
	}
	if err := t.Validate(); err != nil {
		panic(err)
	}
	return t
}
