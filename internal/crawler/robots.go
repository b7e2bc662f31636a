package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"sjsage522/mallcrawler/logger"
)

// RobotsOption configures a RobotsAgent.
type RobotsOption func(*RobotsAgent)

// WithRobotsScheduler sends robots.txt requests through the target's politeness gate.
func WithRobotsScheduler(s *Scheduler) RobotsOption {
	return func(a *RobotsAgent) { a.sched = s }
}

// RobotsAgent evaluates robots.txt rules, fetching each host's file once per run.
type RobotsAgent struct {
	client    *http.Client
	userAgent string
	sched     *Scheduler
	group     singleflight.Group

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobotsAgent creates an agent. An empty userAgent matches the "*" group.
func NewRobotsAgent(client *http.Client, userAgent string, opts ...RobotsOption) *RobotsAgent {
	if client == nil {
		client = http.DefaultClient
	}
	a := &RobotsAgent{
		client:    client,
		userAgent: userAgent,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allowed reports whether rawURL may be fetched. Robots errors fail open, and a host
// whose robots.txt could not be read is not asked again during the run.
func (a *RobotsAgent) Allowed(ctx context.Context, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}
	rules, err := a.rules(ctx, target)
	if err != nil {
		return true
	}
	agent := a.userAgent
	if agent == "" {
		agent = "*"
	}
	return rules.TestAgent(target.RequestURI(), agent)
}

func (a *RobotsAgent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.Lock()
	cached, ok := a.cache[host]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	v, err, _ := a.group.Do(host, func() (interface{}, error) {
		data, err := a.download(ctx, target.Scheme+"://"+target.Host+"/robots.txt")
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("robots.txt for %s unavailable, allowing all: %v", host, err)
			data, _ = robotstxt.FromStatusAndBytes(http.StatusOK, nil)
		}
		a.mu.Lock()
		a.cache[host] = data
		a.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

func (a *RobotsAgent) download(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	if a.sched != nil {
		permit, err := a.sched.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer permit.Release()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots.txt: status %d", resp.StatusCode)
	}
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}
