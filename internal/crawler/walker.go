package crawler

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Walk termination reasons recorded in diagnostics.
const (
	StopNoCandidates = "no_candidates"
	StopNoNextPage   = "no_next_page"
	StopPageCap      = "page_cap"
	StopFetchFailed  = "fetch_failed"
	StopParseFailed  = "parse_failed"
	StopRepeatedPage = "repeated_page"
	StopCancelled    = "cancelled"
)

// PageFetcher fetches one listing page under the politeness policy and reports the attempts made.
type PageFetcher func(ctx context.Context, url string) (FetchResult, int)

// Walker enumerates the listing pages of a target and yields candidates.
// A Walker belongs to one target walk and is not safe for concurrent use.
type Walker struct {
	fetch PageFetcher
	eval  *Evaluator
	rec   *TargetRecorder
	now   func() time.Time

	pagesFetched int
	lastFailure  string
}

// NewWalker creates a walker. rec may be nil.
func NewWalker(fetch PageFetcher, eval *Evaluator, rec *TargetRecorder) *Walker {
	return &Walker{fetch: fetch, eval: eval, rec: rec, now: time.Now}
}

// PagesFetched returns how many listing pages were fetched successfully.
func (w *Walker) PagesFetched() int {
	return w.pagesFetched
}

// LastFailure returns the reason of the most recent listing page failure.
func (w *Walker) LastFailure() string {
	return w.lastFailure
}

// Walk returns a lazy, finite sequence of candidates over every listing of t.
// Each listing starts again at its first page. Duplicates across pages are not suppressed.
func (w *Walker) Walk(ctx context.Context, t *Target) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for _, listing := range t.Listings {
			if !w.walkListing(ctx, t, listing, yield) {
				return
			}
		}
	}
}

// walkListing returns false when the whole walk must stop.
func (w *Walker) walkListing(ctx context.Context, t *Target, listing Listing, yield func(Candidate) bool) bool {
	pg := t.Pagination
	pageURL := w.pageURL(t, listing, 1)
	visited := map[string]bool{}

	for pageNum := 1; ; pageNum++ {
		if ctx.Err() != nil {
			w.rec.WalkTerminated(StopCancelled)
			return false
		}
		if pageNum > pg.MaxPages {
			w.rec.WalkTerminated(StopPageCap)
			return true
		}
		visited[pageURL] = true

		res, attempts := w.fetch(ctx, pageURL)
		w.rec.Fetch(res, attempts)
		if !res.OK() {
			if ctx.Err() != nil || res.Reason == "cancelled" {
				w.rec.WalkTerminated(StopCancelled)
				return false
			}
			w.lastFailure = res.Reason
			w.rec.Event(fmt.Sprintf("listing page %s (page %d) failed after %d attempts: %s", pageURL, pageNum, attempts, res.Reason))
			w.rec.WalkTerminated(StopFetchFailed)
			return true
		}
		w.pagesFetched++
		w.rec.ListingPage()

		doc, err := ParseDocument(res.Body)
		if err != nil {
			w.rec.Event(fmt.Sprintf("listing page %s could not be parsed: %v", pageURL, err))
			w.rec.WalkTerminated(StopParseFailed)
			return true
		}
		base := res.FinalURL
		if base == "" {
			base = pageURL
		}

		cards := doc.Find(pg.ItemSelector)
		candidates := w.candidates(t, listing, cards, base, pageURL, pageNum)
		w.rec.Candidates(len(candidates))
		if len(candidates) == 0 {
			w.rec.WalkTerminated(StopNoCandidates)
			return true
		}
		for _, c := range candidates {
			if !yield(c) {
				return false
			}
		}

		next, ok := w.nextPage(t, listing, doc, base, pageNum, cards.Length())
		if !ok {
			w.rec.WalkTerminated(StopNoNextPage)
			return true
		}
		if visited[next] {
			w.rec.WalkTerminated(StopRepeatedPage)
			return true
		}
		pageURL = next
	}
}

func (w *Walker) candidates(t *Target, listing Listing, cards *goquery.Selection, base, pageURL string, pageNum int) []Candidate {
	var out []Candidate
	cards.Each(func(_ int, card *goquery.Selection) {
		scoped := cardDocument(card)
		link, idx, err := w.eval.Evaluate(scoped, t.Fields.Link, LinkValidator)
		if err != nil {
			w.rec.FieldMiss(FieldLink)
			return
		}
		w.rec.StrategyHit(FieldLink, idx)
		snippet, _ := goquery.OuterHtml(card)
		out = append(out, Candidate{
			URL:          ResolveURL(base, link),
			ListingURL:   pageURL,
			Page:         pageNum,
			DiscoveredAt: w.now(),
			Category:     listing.Category,
			Snippet:      snippet,
			card:         scoped,
		})
	})
	return out
}

// nextPage checks the has-next signals: an explicit next link, an items-per-page
// undershoot and the page count shown by the pagination widget.
func (w *Walker) nextPage(t *Target, listing Listing, doc *Document, base string, pageNum, cardCount int) (string, bool) {
	pg := t.Pagination

	if pg.Style == PaginationNextLink {
		href, _ := doc.Find(pg.NextSelector).First().Attr("href")
		if !LinkValidator(href) {
			return "", false
		}
		return ResolveURL(base, href), true
	}

	if pg.NextSelector != "" && doc.Find(pg.NextSelector).Length() == 0 {
		return "", false
	}
	if pg.ItemsPerPage > 0 && cardCount < pg.ItemsPerPage {
		return "", false
	}
	if pg.PageCountSelector != "" {
		if last := lastPageNumber(doc.Find(pg.PageCountSelector)); last > 0 && pageNum >= last {
			return "", false
		}
	}
	return w.pageURL(t, listing, pageNum+1), true
}

// pageURL builds the URL of the pageNum-th page (1-based) of a listing.
func (w *Walker) pageURL(t *Target, listing Listing, pageNum int) string {
	pg := t.Pagination
	switch pg.Style {
	case PaginationOffset:
		return withPlaceholder(listing.URL, "{offset}", pg.PageParam, (pageNum-1)*pg.ItemsPerPage)
	case PaginationNextLink:
		return strings.ReplaceAll(listing.URL, "{page}", strconv.Itoa(pg.StartPage))
	default:
		return withPlaceholder(listing.URL, "{page}", pg.PageParam, pg.StartPage+pageNum-1)
	}
}

// withPlaceholder substitutes value into the template, or sets it as a query parameter
// when the template has no placeholder.
func withPlaceholder(template, placeholder, param string, value int) string {
	if strings.Contains(template, placeholder) {
		return strings.ReplaceAll(template, placeholder, strconv.Itoa(value))
	}
	u, err := url.Parse(template)
	if err != nil {
		return template
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(value))
	u.RawQuery = q.Encode()
	return u.String()
}

func lastPageNumber(sel *goquery.Selection) int {
	last := 0
	sel.Each(func(_ int, s *goquery.Selection) {
		if n, err := strconv.Atoi(CleanText(s.Text())); err == nil && n > last {
			last = n
		}
	})
	return last
}
