package internal

import (
	"sjsage522/mallcrawler/config"
	"sjsage522/mallcrawler/internal/crawler"
	"sjsage522/mallcrawler/services/cache"
	"sjsage522/mallcrawler/services/publisher"
	"sjsage522/mallcrawler/services/storage"
)

// Dependencies holds all service dependencies
type Dependencies struct {
	Cache     cache.CacheService
	Metrics   *crawler.Metrics
	Publisher publisher.Publisher
	Store     storage.Store
}

// NewRunner builds the run orchestrator for targets with the shared fetcher, cache and metrics.
func (d *Dependencies) NewRunner(cfg *config.Config, targets []*crawler.Target) (*crawler.Runner, error) {
	fetcher, err := crawler.NewHTTPFetcher(crawler.FetcherOptions{
		Timeout:      cfg.RequestTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		ProxyURL:     cfg.ProxyURL,
		Metrics:      d.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return crawler.NewRunner(targets, fetcher,
		crawler.WithCache(d.Cache),
		crawler.WithMetrics(d.Metrics),
		crawler.WithMaxParallelTargets(cfg.MaxParallelTargets),
	), nil
}

// Close releases the publisher and store connections.
func (d *Dependencies) Close() {
	if d.Publisher != nil {
		d.Publisher.Close()
	}
	if d.Store != nil {
		d.Store.Close()
	}
}
