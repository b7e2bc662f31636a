package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sjsage522/mallcrawler/internal/crawler"
	"sjsage522/mallcrawler/logger"
	"sjsage522/mallcrawler/services/publisher"
	"sjsage522/mallcrawler/services/storage"
)

// Runner produces the items of one crawl run.
type Runner interface {
	Run(ctx context.Context) (*crawler.RunResult, error)
}

// Options controls scheduling and output of the worker.
type Options struct {
	// Interval between runs. Zero runs once.
	Interval time.Duration
	// RunTimeout bounds a single run. Zero means no limit.
	RunTimeout time.Duration
	// OutputDir receives items-<run>.json and diagnostics-<run>.json. Empty disables file output.
	OutputDir string
	// Verbose logs a sample item per target.
	Verbose bool
	// OnRun is called with every finished run, e.g. to update the monitor server.
	OnRun func(*crawler.RunResult)
}

// Worker handles the crawling and publishing process
type Worker struct {
	ctx       context.Context
	runner    Runner
	publisher publisher.Publisher
	store     storage.Store
	opts      Options
	log       *logger.Logger
}

// NewWorker creates a new worker. publisher and store may be nil.
func NewWorker(
	ctx context.Context,
	runner Runner,
	pub publisher.Publisher,
	store storage.Store,
	opts Options,
) *Worker {
	return &Worker{
		ctx:       ctx,
		runner:    runner,
		publisher: pub,
		store:     store,
		opts:      opts,
		log:       logger.ForWorker(),
	}
}

// Start runs the crawl once, or repeatedly on the configured interval until the context ends.
func (w *Worker) Start() error {
	for {
		start := time.Now()
		if err := w.RunOnce(); err != nil {
			if w.opts.Interval <= 0 {
				return err
			}
			w.log.Error().Err(err).Msg("Run failed")
		}
		w.log.Info().Dur("elapsed", time.Since(start)).Msg("Crawl cycle finished")

		if w.opts.Interval <= 0 {
			return nil
		}
		select {
		case <-w.ctx.Done():
			return nil
		case <-time.After(w.opts.Interval):
		}
	}
}

// RunOnce performs a single run and fans its result out to every configured sink.
// Sink failures do not stop the other sinks; they are returned together.
func (w *Worker) RunOnce() error {
	ctx := w.ctx
	if w.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.RunTimeout)
		defer cancel()
	}

	res, err := w.runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	w.logSummary(res)

	var errs []error
	if err := w.writeFiles(res); err != nil {
		errs = append(errs, err)
	}
	if err := w.publish(res); err != nil {
		errs = append(errs, err)
	}
	if w.store != nil {
		// the store still gets the run when the crawl itself hit its deadline
		if err := w.store.SaveRun(context.WithoutCancel(ctx), res); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if w.opts.OnRun != nil {
		w.opts.OnRun(res)
	}
	return stderrors.Join(errs...)
}

// publish sends each item to the stream of its target and then trims the streams.
func (w *Worker) publish(res *crawler.RunResult) error {
	if w.publisher == nil {
		return nil
	}
	ctx := context.WithoutCancel(w.ctx)

	failed := 0
	var firstErr error
	for _, item := range res.Items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", item.ID, err)
		}
		if err := w.publisher.Publish(ctx, item.SourceTargetID, data); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// Trim all streams after publishing
	if err := w.publisher.TrimStreams(ctx); err != nil {
		w.log.Error().Err(err).Msg("Stream trimming failed")
	}
	if firstErr != nil {
		return fmt.Errorf("publish: %d of %d items failed: %w", failed, len(res.Items), firstErr)
	}
	w.log.Info().Int("items", len(res.Items)).Msg("Items published")
	return nil
}

func (w *Worker) writeFiles(res *crawler.RunResult) error {
	if w.opts.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(w.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	items := res.Items
	if items == nil {
		items = []crawler.Item{}
	}
	if err := writeJSON(filepath.Join(w.opts.OutputDir, "items-"+res.RunID+".json"), items); err != nil {
		return err
	}
	return writeJSON(filepath.Join(w.opts.OutputDir, "diagnostics-"+res.RunID+".json"), res.Diagnostics)
}

// writeJSON writes through a temporary file so readers never see a partial document.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func (w *Worker) logSummary(res *crawler.RunResult) {
	d := res.Diagnostics
	candidates, items, skips := d.Totals()
	w.log.Info().
		Str("run_id", res.RunID).
		Bool("cancelled", d.Cancelled).
		Int("candidates", candidates).
		Int("items", items).
		Int("skips", skips).
		Msg("Run summary")

	for _, t := range d.Targets {
		ev := w.log.Info()
		if t.Aborted {
			ev = w.log.Error().Str("abort_reason", t.AbortReason)
		}
		ev.Str("target", t.TargetID).
			Int("listing_pages", t.ListingPages).
			Int("candidates", t.CandidatesDiscovered).
			Int("items", t.ItemsAfterDedup).
			Interface("skips", t.Skips).
			Interface("fetch_failures", t.FetchFailures).
			Interface("field_misses", t.FieldMisses).
			Msg("Target summary")
	}

	if w.opts.Verbose {
		w.logSamples(res.Items)
	}
}

// logSamples logs the first item of each target with the image shortened.
func (w *Worker) logSamples(items []crawler.Item) {
	seen := map[string]bool{}
	for _, item := range items {
		if seen[item.SourceTargetID] {
			continue
		}
		seen[item.SourceTargetID] = true

		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var loggable map[string]interface{}
		if err := json.Unmarshal(data, &loggable); err != nil {
			continue
		}
		if loggable["image_url"] != nil {
			loggable["image_url"] = "OK"
		}
		delete(loggable, "images")
		w.log.Debug().Interface("item", loggable).Msg("Sample item")
	}
}
