package crawler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnosticsConcurrentWrites(t *testing.T) {
	diag := NewDiagnostics("run-1")

	var wg sync.WaitGroup
	for _, id := range []string{"b", "a"} {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := diag.Target(id)
				rec.ListingPage()
				rec.Candidates(2)
				rec.StrategyHit(FieldTitle, i%2)
				rec.Skip("no_price")
			}()
		}
	}
	wg.Wait()

	snap := diag.Snapshot()
	require.Len(t, snap.Targets, 2)
	assert.Equal(t, "a", snap.Targets[0].TargetID)
	for _, td := range snap.Targets {
		assert.Equal(t, 50, td.ListingPages)
		assert.Equal(t, 100, td.CandidatesDiscovered)
		assert.Equal(t, 25, td.FieldStrategyHits[FieldTitle][0])
		assert.Equal(t, 25, td.FieldStrategyHits[FieldTitle][1])
		assert.Equal(t, 50, td.Skips["no_price"])
	}

	candidates, _, skips := snap.Totals()
	assert.Equal(t, 200, candidates)
	assert.Equal(t, 100, skips)
}

func TestDiagnosticsFetchAccounting(t *testing.T) {
	diag := NewDiagnostics("run-1")
	rec := diag.Target("shop")

	rec.Fetch(FetchResult{Outcome: OutcomeSuccess}, 2)
	rec.Fetch(FetchResult{Outcome: OutcomeFatal, Reason: "http_503", Exhausted: true}, 3)
	rec.Fetch(FetchResult{Outcome: OutcomeFatal, Reason: "http_404"}, 1)

	td := rec.Snapshot()
	assert.Equal(t, 1, td.FetchSuccesses)
	assert.Equal(t, 3, td.Retries)
	assert.Equal(t, map[string]int{"retries_exhausted:http_503": 1, "http_404": 1}, td.FetchFailures)
}

func TestDiagnosticsSnapshotIsCopy(t *testing.T) {
	diag := NewDiagnostics("run-1")
	rec := diag.Target("shop")
	rec.Skip("no_title")

	snap := diag.Snapshot()
	snap.Targets[0].Skips["no_title"] = 99

	assert.Equal(t, 1, rec.Snapshot().Skips["no_title"])
	assert.False(t, snap.Cancelled)

	diag.MarkCancelled()
	rec.Abort("listing_unreachable")
	snap = diag.Snapshot()
	assert.True(t, snap.Cancelled)
	assert.True(t, snap.Targets[0].Aborted)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *TargetRecorder
	assert.NotPanics(t, func() {
		rec.ListingPage()
		rec.Skip("x")
		rec.Fetch(FetchResult{}, 1)
		rec.Abort("x")
	})
}
