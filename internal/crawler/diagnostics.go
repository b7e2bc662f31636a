package crawler

import (
	"maps"
	"sort"
	"sync"
	"time"
)

// TargetDiagnostics is the per-target part of a run's diagnostics document.
type TargetDiagnostics struct {
	TargetID             string                 `json:"target_id"`
	ListingPages         int                    `json:"listing_pages"`
	CandidatesDiscovered int                    `json:"candidates_discovered"`
	FetchSuccesses       int                    `json:"fetch_successes"`
	FetchFailures        map[string]int         `json:"fetch_failures"`
	Retries              int                    `json:"retries"`
	FieldStrategyHits    map[string]map[int]int `json:"field_strategy_hits"`
	FieldMisses          map[string]int         `json:"field_misses"`
	Skips                map[string]int         `json:"skips"`
	CategorySources      map[string]int         `json:"category_sources"`
	ItemsExtracted       int                    `json:"items_extracted"`
	ItemsAfterDedup      int                    `json:"items_after_dedup"`
	WalkTerminations     map[string]int         `json:"walk_terminations"`
	Aborted              bool                   `json:"aborted"`
	AbortReason          string                 `json:"abort_reason,omitempty"`
	Events               []string               `json:"events,omitempty"`
}

// RunDiagnostics is emitted once at the end of a run.
type RunDiagnostics struct {
	RunID      string               `json:"run_id"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Cancelled  bool                 `json:"cancelled"`
	Targets    []*TargetDiagnostics `json:"targets"`
}

// Totals sums a few headline counters over all targets.
func (d *RunDiagnostics) Totals() (candidates, items, skips int) {
	for _, t := range d.Targets {
		candidates += t.CandidatesDiscovered
		items += t.ItemsAfterDedup
		for _, n := range t.Skips {
			skips += n
		}
	}
	return candidates, items, skips
}

// Diagnostics is the process-wide sink for one run. It accepts concurrent writes.
type Diagnostics struct {
	mu        sync.Mutex
	runID     string
	startedAt time.Time
	cancelled bool
	targets   map[string]*TargetDiagnostics
}

// NewDiagnostics creates an empty sink.
func NewDiagnostics(runID string) *Diagnostics {
	return &Diagnostics{
		runID:     runID,
		startedAt: time.Now(),
		targets:   make(map[string]*TargetDiagnostics),
	}
}

// Target returns the recorder for one target, creating it on first use.
func (d *Diagnostics) Target(id string) *TargetRecorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.targets[id]; !ok {
		d.targets[id] = &TargetDiagnostics{
			TargetID:          id,
			FetchFailures:     map[string]int{},
			FieldStrategyHits: map[string]map[int]int{},
			FieldMisses:       map[string]int{},
			Skips:             map[string]int{},
			CategorySources:   map[string]int{},
			WalkTerminations:  map[string]int{},
		}
	}
	return &TargetRecorder{d: d, id: id}
}

// MarkCancelled flags the run as stopped early.
func (d *Diagnostics) MarkCancelled() {
	d.mu.Lock()
	d.cancelled = true
	d.mu.Unlock()
}

// Snapshot returns a deep copy of everything recorded so far, targets sorted by ID.
func (d *Diagnostics) Snapshot() *RunDiagnostics {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := &RunDiagnostics{
		RunID:      d.runID,
		StartedAt:  d.startedAt,
		FinishedAt: time.Now(),
		Cancelled:  d.cancelled,
		Targets:    make([]*TargetDiagnostics, 0, len(d.targets)),
	}
	for _, t := range d.targets {
		c := *t
		c.FetchFailures = maps.Clone(t.FetchFailures)
		c.FieldMisses = maps.Clone(t.FieldMisses)
		c.Skips = maps.Clone(t.Skips)
		c.CategorySources = maps.Clone(t.CategorySources)
		c.WalkTerminations = maps.Clone(t.WalkTerminations)
		c.Events = append([]string(nil), t.Events...)
		c.FieldStrategyHits = make(map[string]map[int]int, len(t.FieldStrategyHits))
		for field, hits := range t.FieldStrategyHits {
			c.FieldStrategyHits[field] = maps.Clone(hits)
		}
		out.Targets = append(out.Targets, &c)
	}
	sort.Slice(out.Targets, func(i, j int) bool { return out.Targets[i].TargetID < out.Targets[j].TargetID })
	return out
}

// TargetRecorder writes one target's counters into the shared sink.
// A nil recorder discards everything.
type TargetRecorder struct {
	d  *Diagnostics
	id string
}

func (r *TargetRecorder) update(fn func(t *TargetDiagnostics)) {
	if r == nil {
		return
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	fn(r.d.targets[r.id])
}

// ListingPage records a fetched listing page.
func (r *TargetRecorder) ListingPage() {
	r.update(func(t *TargetDiagnostics) { t.ListingPages++ })
}

// Candidates adds n discovered candidates.
func (r *TargetRecorder) Candidates(n int) {
	r.update(func(t *TargetDiagnostics) { t.CandidatesDiscovered += n })
}

// Fetch records the final result of a scheduled fetch and how many attempts it took.
func (r *TargetRecorder) Fetch(res FetchResult, attempts int) {
	r.update(func(t *TargetDiagnostics) {
		if attempts > 1 {
			t.Retries += attempts - 1
		}
		if res.OK() {
			t.FetchSuccesses++
			return
		}
		reason := res.Reason
		if reason == "" {
			reason = "unknown"
		}
		if res.Exhausted {
			reason = "retries_exhausted:" + reason
		}
		t.FetchFailures[reason]++
	})
}

// StrategyHit records which chain index produced a field value.
func (r *TargetRecorder) StrategyHit(field string, index int) {
	r.update(func(t *TargetDiagnostics) {
		if t.FieldStrategyHits[field] == nil {
			t.FieldStrategyHits[field] = map[int]int{}
		}
		t.FieldStrategyHits[field][index]++
	})
}

// FieldMiss records a field no strategy could fill.
func (r *TargetRecorder) FieldMiss(field string) {
	r.update(func(t *TargetDiagnostics) { t.FieldMisses[field]++ })
}

// Skip records a candidate that produced no item.
func (r *TargetRecorder) Skip(reason string) {
	r.update(func(t *TargetDiagnostics) { t.Skips[reason]++ })
}

// CategorySource records how an item's category was assigned.
func (r *TargetRecorder) CategorySource(source string) {
	r.update(func(t *TargetDiagnostics) { t.CategorySources[source]++ })
}

// WalkTerminated records why a listing walk stopped.
func (r *TargetRecorder) WalkTerminated(reason string) {
	r.update(func(t *TargetDiagnostics) { t.WalkTerminations[reason]++ })
}

// Event appends a free-form note, e.g. a listing page that failed.
func (r *TargetRecorder) Event(msg string) {
	r.update(func(t *TargetDiagnostics) { t.Events = append(t.Events, msg) })
}

// Items records item counts before and after dedup.
func (r *TargetRecorder) Items(extracted, deduped int) {
	r.update(func(t *TargetDiagnostics) {
		t.ItemsExtracted = extracted
		t.ItemsAfterDedup = deduped
	})
}

// Abort marks the target's pipeline as failed.
func (r *TargetRecorder) Abort(reason string) {
	r.update(func(t *TargetDiagnostics) {
		t.Aborted = true
		t.AbortReason = reason
	})
}

// Snapshot returns a copy of this target's diagnostics.
func (r *TargetRecorder) Snapshot() TargetDiagnostics {
	for _, t := range r.d.Snapshot().Targets {
		if t.TargetID == r.id {
			return *t
		}
	}
	return TargetDiagnostics{TargetID: r.id}
}
