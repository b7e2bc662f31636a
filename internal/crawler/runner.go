package crawler

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"sjsage522/mallcrawler/logger"
	"sjsage522/mallcrawler/pkg/errors"
	"sjsage522/mallcrawler/services/cache"
)

const defaultRawCacheSize = 4096

// RunResult is the best-effort output of one run.
type RunResult struct {
	RunID       string
	Items       []Item
	Diagnostics *RunDiagnostics
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMetrics records engine metrics on m.
func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithCache stores block-after-429 keys in c.
func WithCache(c cache.CacheService) RunnerOption {
	return func(r *Runner) { r.blockCache = c }
}

// WithRunnerClock replaces the wall clock used by the schedulers.
func WithRunnerClock(c Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithMaxParallelTargets bounds how many target pipelines run at once.
func WithMaxParallelTargets(n int) RunnerOption {
	return func(r *Runner) { r.maxParallel = n }
}

// WithRawCacheSize bounds the per-target cache of extracted detail pages.
func WithRawCacheSize(n int) RunnerOption {
	return func(r *Runner) { r.rawCacheSize = n }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) RunnerOption {
	return func(r *Runner) { r.runID = id }
}

// Runner wires the walker, scheduler, evaluator, normalizer and deduplicator into
// one pipeline per target.
type Runner struct {
	targets      []*Target
	fetcher      Fetcher
	eval         *Evaluator
	metrics      *Metrics
	blockCache   cache.CacheService
	clock        Clock
	maxParallel  int
	rawCacheSize int
	runID        string
	robotsClient *http.Client
}

// NewRunner creates a Runner over validated targets.
func NewRunner(targets []*Target, fetcher Fetcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		targets:      targets,
		fetcher:      fetcher,
		eval:         NewEvaluator(),
		clock:        realClock{},
		maxParallel:  4,
		rawCacheSize: defaultRawCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if hc, ok := fetcher.(interface{ Client() *http.Client }); ok {
		r.robotsClient = hc.Client()
	}
	return r
}

// Run crawls every target and returns the deduplicated items with diagnostics.
// Per-target failures are recorded, never returned. A stop or deadline on ctx ends the
// run early with whatever was gathered.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	if len(r.targets) == 0 {
		return nil, errors.NewConfiguration("no targets to run", nil)
	}

	runID := r.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	diag := NewDiagnostics(runID)
	log := logger.ForRun(runID)
	log.Info().Int("targets", len(r.targets)).Msg("Run started")

	var (
		mu    sync.Mutex
		items []Item
		g     errgroup.Group
	)
	g.SetLimit(max(r.maxParallel, 1))
	for _, t := range r.targets {
		g.Go(func() error {
			got := r.runTarget(ctx, runID, t, diag.Target(t.ID))
			mu.Lock()
			items = append(items, got...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		diag.MarkCancelled()
		log.Warn().Err(ctx.Err()).Msg("Run stopped early")
	}

	result := &RunResult{
		RunID:       runID,
		Items:       Dedup(items),
		Diagnostics: diag.Snapshot(),
	}
	candidates, kept, skips := result.Diagnostics.Totals()
	log.Info().
		Int("candidates", candidates).
		Int("items", kept).
		Int("skips", skips).
		Msg("Run finished")
	return result, nil
}

// targetRun holds the per-target pipeline state.
type targetRun struct {
	*Runner
	target     *Target
	rec        *TargetRecorder
	log        *logger.Logger
	sched      *Scheduler
	norm       *Normalizer
	validators map[string]Validator
	robots     *RobotsAgent
	raw        *lru.Cache[string, RawItem]
}

func (r *Runner) runTarget(ctx context.Context, runID string, t *Target, rec *TargetRecorder) []Item {
	tr := &targetRun{
		Runner:     r,
		target:     t,
		rec:        rec,
		log:        logger.ForTarget(t.ID).WithField("run_id", runID),
		sched:      NewScheduler(t.ID, t.Politeness, WithClock(r.clock), WithBlockCache(r.blockCache), WithSchedulerMetrics(r.metrics)),
		norm:       NewNormalizer(t),
		validators: validators(t),
	}
	if t.Request.RespectRobots {
		tr.robots = NewRobotsAgent(r.robotsClient, t.Request.UserAgent, WithRobotsScheduler(tr.sched))
	}
	tr.raw, _ = lru.New[string, RawItem](max(r.rawCacheSize, 1))

	start := time.Now()
	walker := NewWalker(tr.fetchListing, r.eval, rec)
	items := tr.process(ctx, walker)

	if walker.PagesFetched() == 0 && ctx.Err() == nil {
		reason := "listing_unreachable"
		if walker.LastFailure() != "" {
			reason += ": " + walker.LastFailure()
		}
		rec.Abort(reason)
		tr.log.Error().Str("reason", reason).Msg("Target aborted")
		return nil
	}

	deduped := Dedup(items)
	rec.Items(len(items), len(deduped))
	r.metrics.AddItems(t.ID, len(deduped))
	tr.log.Info().
		Int("items", len(deduped)).
		Int("duplicates", len(items)-len(deduped)).
		Dur("elapsed", time.Since(start)).
		Msg("Target finished")
	return deduped
}

// process consumes the walk. Detail pages are fetched by up to Concurrency workers;
// output keeps discovery order either way.
func (tr *targetRun) process(ctx context.Context, walker *Walker) []Item {
	workers := 1
	if tr.target.Mode == ModeDetail {
		workers = tr.target.Politeness.Concurrency
	}

	var (
		mu      sync.Mutex
		results = map[int]Item{}
		g       errgroup.Group
		seq     int
	)
	g.SetLimit(max(workers, 1))
	for cand := range walker.Walk(ctx, tr.target) {
		n := seq
		seq++
		g.Go(func() error {
			if item, ok := tr.handle(ctx, cand); ok {
				mu.Lock()
				results[n] = item
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	items := make([]Item, 0, len(results))
	for i := range seq {
		if item, ok := results[i]; ok {
			items = append(items, item)
		}
	}
	return items
}

// handle turns one candidate into an item or records why it was skipped.
func (tr *targetRun) handle(ctx context.Context, cand Candidate) (Item, bool) {
	raw, err := tr.extract(ctx, cand)
	if err == nil {
		var item Item
		item, err = tr.norm.Normalize(raw)
		if err == nil {
			tr.rec.CategorySource(item.categorySource)
			return item, true
		}
	}

	reason := errors.Reason(err)
	if reason == "cancelled" {
		return Item{}, false
	}
	tr.rec.Skip(reason)
	tr.metrics.IncSkip(tr.target.ID, reason)
	tr.log.Debug().Str("url", cand.URL).Str("reason", reason).Msg("Candidate skipped")
	return Item{}, false
}

func (tr *targetRun) extract(ctx context.Context, cand Candidate) (RawItem, error) {
	t := tr.target
	raw := RawItem{Candidate: cand, Fields: map[string]string{}, Strategy: map[string]int{}}
	rejected := map[string]bool{}

	var cardErr error
	card := cand.card
	if card == nil {
		card, cardErr = ParseCard(cand.Snippet)
	}

	if t.Mode == ModeDetail {
		if cached, ok := tr.raw.Get(cand.URL); ok {
			cached.Candidate = cand
			return cached, nil
		}

		res, attempts := tr.fetch(ctx, cand.URL)
		tr.rec.Fetch(res, attempts)
		if !res.OK() {
			return raw, fetchError(t.ID, res)
		}
		doc, err := ParseDocument(res.Body)
		if err != nil {
			return raw, err
		}
		pageURL := res.FinalURL
		if pageURL == "" {
			pageURL = cand.URL
		}
		tr.fill(doc, pageURL, &raw, rejected)
	}
	if cardErr == nil {
		tr.fill(card, cand.ListingURL, &raw, rejected)
	}

	for field, chain := range t.Fields.chains() {
		if field == FieldLink || len(chain) == 0 {
			continue
		}
		if idx, ok := raw.Strategy[field]; ok {
			tr.rec.StrategyHit(field, idx)
		} else {
			tr.rec.FieldMiss(field)
		}
	}

	for _, field := range []string{FieldTitle, FieldPrice} {
		if raw.Fields[field] == "" && rejected[field] {
			return raw, errors.NewValidationReject(t.ID, field, "")
		}
	}

	if t.Mode == ModeDetail {
		cached := raw
		cached.Candidate.card = nil
		tr.raw.Add(cand.URL, cached)
	}
	return raw, nil
}

// fill evaluates every field chain that has no value yet against doc.
func (tr *targetRun) fill(doc *Document, pageURL string, raw *RawItem, rejected map[string]bool) {
	chains := tr.target.Fields.chains()
	for _, field := range itemFields {
		chain := chains[field]
		if len(chain) == 0 || raw.Fields[field] != "" {
			continue
		}
		v := tr.validators[field]

		if field == FieldImage {
			images, idx, err := tr.eval.EvaluateAll(doc, chain, v)
			if err != nil {
				rejected[field] = rejected[field] || stderrors.Is(err, errors.ErrRejected)
				continue
			}
			for i := range images {
				images[i] = ResolveURL(pageURL, images[i])
			}
			raw.Images = images
			raw.Fields[field] = images[0]
			raw.Strategy[field] = idx
			continue
		}

		val, idx, err := tr.eval.Evaluate(doc, chain, v)
		if err != nil {
			rejected[field] = rejected[field] || stderrors.Is(err, errors.ErrRejected)
			continue
		}
		raw.Fields[field] = val
		raw.Strategy[field] = idx
	}
}

func (tr *targetRun) fetchListing(ctx context.Context, url string) (FetchResult, int) {
	res, attempts := tr.fetch(ctx, url)
	if res.OK() {
		tr.metrics.IncPage(tr.target.ID)
	}
	return res, attempts
}

// fetch runs one GET through robots and the scheduler.
func (tr *targetRun) fetch(ctx context.Context, url string) (FetchResult, int) {
	t := tr.target
	if tr.robots != nil && !tr.robots.Allowed(ctx, url) {
		err := errors.NewRobots(t.ID, url)
		return FetchResult{Outcome: OutcomeFatal, Reason: err.Reason, Err: err}, 0
	}
	req := FetchRequest{
		URL:       url,
		TargetID:  t.ID,
		UserAgent: t.Request.UserAgent,
		Headers:   t.Request.Headers,
		Encoding:  t.Request.Encoding,
	}
	return tr.sched.Do(ctx, func(ctx context.Context) FetchResult {
		return tr.fetcher.Fetch(ctx, req)
	})
}

// fetchError turns a failed scheduled fetch into a skip error.
func fetchError(targetID string, res FetchResult) error {
	if res.Reason == "cancelled" {
		return errors.NewCancelled(targetID, res.Err)
	}
	e := errors.New(errors.ErrorTypeNetwork, targetID, "fetch failed", res.Err)
	e.Status = res.Status
	e.Reason = res.Reason
	if res.Exhausted {
		e.Reason = "retries_exhausted"
	}
	if e.Reason == "" {
		e.Reason = "fetch_failed"
	}
	return e
}
