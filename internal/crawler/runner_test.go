package crawler

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/mallcrawler/pkg/errors"
)

func itemsByID(items []Item) map[string]Item {
	out := make(map[string]Item, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out
}

func TestRunListingMode(t *testing.T) {
	stub := newStubFetcher()
	stub.pages["https://shop.example.com/list?page=1"] = listingPage(1, 3, "")
	stub.pages["https://shop.example.com/list?page=2"] = listingPage(3, 2, "")
	stub.pages["https://shop.example.com/list?page=3"] = listingPage(0, 0, "")

	metrics := NewMetrics()
	runner := NewRunner([]*Target{testTarget()}, stub,
		WithRunnerClock(newFakeClock()), WithMetrics(metrics), WithRunID("run-1"))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	require.Len(t, res.Items, 4)

	first := res.Items[0]
	assert.Equal(t, "shop:1", first.ID)
	assert.Equal(t, "상품 번호 1", first.Title)
	assert.Equal(t, int64(100), first.Price)
	assert.Equal(t, "https://shop.example.com/view?no=1", first.ItemURL)
	assert.Equal(t, "shop", first.SourceTargetID)

	require.Len(t, res.Diagnostics.Targets, 1)
	td := res.Diagnostics.Targets[0]
	assert.Equal(t, 3, td.ListingPages)
	assert.Equal(t, 5, td.CandidatesDiscovered)
	assert.Equal(t, 5, td.ItemsExtracted)
	assert.Equal(t, 4, td.ItemsAfterDedup)
	assert.Equal(t, 5, td.FieldStrategyHits[FieldTitle][0])
	assert.Equal(t, 5, td.FieldMisses[FieldImage])
	assert.False(t, res.Diagnostics.Cancelled)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.PagesTotal.WithLabelValues("shop")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.ItemsTotal.WithLabelValues("shop")))
}

func detailTarget() *Target {
	return testTarget(func(t *Target) {
		t.Mode = ModeDetail
		t.Fields.Title = Chain{
			{Kind: KindMeta, Name: "og:title"},
			{Kind: KindText, Locator: ".name"},
		}
	})
}

const detailPage = `<html><head><meta property="og:title" content="한라봉 선물세트 3kg"></head>
<body><span class="price">정가 35,000원 판매가 29,000원</span><img src="/img/1.jpg"><img src="/img/1-b.jpg"></body></html>`

func TestRunDetailMode(t *testing.T) {
	stub := newStubFetcher()
	stub.pages["https://shop.example.com/list?page=1"] = `<ul>
<li class="item"><a href="/view?no=1"><span class="name">카드 제목 한라봉</span></a></li>
<li class="item"><a href="/view?no=2"><span class="name">카드 제목 천혜향</span></a><span class="price">19,000원</span></li>
<li class="item"><a href="/view?no=1"><span class="name">카드 제목 한라봉</span></a></li>
</ul>`
	stub.pages["https://shop.example.com/list?page=2"] = "<ul></ul>"
	stub.pages["https://shop.example.com/view?no=1"] = detailPage
	stub.status["https://shop.example.com/view?no=2"] = 503

	runner := NewRunner([]*Target{detailTarget()}, stub, WithRunnerClock(newFakeClock()))
	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	it := res.Items[0]
	assert.Equal(t, "shop:1", it.ID)
	assert.Equal(t, "한라봉 선물세트 3kg", it.Title)
	assert.Equal(t, int64(29000), it.Price)
	require.NotNil(t, it.OriginalPrice)
	assert.Equal(t, int64(35000), *it.OriginalPrice)
	require.NotNil(t, it.ImageURL)
	assert.Equal(t, "https://shop.example.com/img/1.jpg", *it.ImageURL)
	assert.Len(t, it.Images, 2)

	// the repeated candidate reuses the extracted page
	assert.Equal(t, 1, stub.CallCount("https://shop.example.com/view?no=1"))
	// the failing detail page is retried and then skipped without stopping the run
	assert.Equal(t, 3, stub.CallCount("https://shop.example.com/view?no=2"))

	td := res.Diagnostics.Targets[0]
	assert.Equal(t, 1, td.Skips["retries_exhausted"])
	assert.Equal(t, 1, td.FetchFailures["retries_exhausted:http_503"])
	assert.Equal(t, 2, td.ItemsExtracted)
	assert.Equal(t, 1, td.ItemsAfterDedup)
	assert.Equal(t, 1, td.FieldStrategyHits[FieldTitle][0])
}

func TestRunIsolatesTargetFailures(t *testing.T) {
	down := testTarget(func(t *Target) {
		t.ID = "down"
		t.BaseURL = "https://down.example.com"
		t.Listings = []Listing{{URL: "https://down.example.com/list?page={page}"}}
	})
	stub := newStubFetcher()
	stub.pages["https://shop.example.com/list?page=1"] = listingPage(1, 2, "")
	stub.pages["https://shop.example.com/list?page=2"] = listingPage(0, 0, "")

	runner := NewRunner([]*Target{down, testTarget()}, stub, WithRunnerClock(newFakeClock()))
	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Items, 2)
	byID := itemsByID(res.Items)
	assert.Contains(t, byID, "shop:1")

	require.Len(t, res.Diagnostics.Targets, 2)
	downDiag := res.Diagnostics.Targets[0]
	assert.Equal(t, "down", downDiag.TargetID)
	assert.True(t, downDiag.Aborted)
	assert.Equal(t, "listing_unreachable: http_404", downDiag.AbortReason)
	assert.False(t, res.Diagnostics.Targets[1].Aborted)
}

func TestRunSkipsInvalidCandidates(t *testing.T) {
	stub := newStubFetcher()
	stub.pages["https://shop.example.com/list?page=1"] = `<ul>
<li class="item"><a href="/view?no=1"><span class="name">유기농 사과 3kg</span></a><span class="price">12,000원</span></li>
<li class="item"><a href="/view?no=2"><span class="name">더보기</span></a><span class="price">9,000원</span></li>
<li class="item"><a href="/view?no=3"><span class="name">유기농 배 5kg</span></a></li>
<li class="item"><a href="/view?no=4"><span class="name">한우 세트</span></a><span class="price">가격문의</span></li>
<li class="item"><span class="name">링크 없는 상품</span></li>
</ul>`
	stub.pages["https://shop.example.com/list?page=2"] = "<ul></ul>"

	runner := NewRunner([]*Target{testTarget()}, stub, WithRunnerClock(newFakeClock()))
	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	assert.Equal(t, "shop:1", res.Items[0].ID)

	td := res.Diagnostics.Targets[0]
	assert.Equal(t, 4, td.CandidatesDiscovered)
	assert.Equal(t, 1, td.FieldMisses[FieldLink])
	assert.Equal(t, map[string]int{"invalid_title": 1, "no_price": 1, "invalid_price": 1}, td.Skips)
}

func TestRunListingModeTableCards(t *testing.T) {
	stub := newStubFetcher()
	stub.pages["https://shop.example.com/list?page=1"] = `<table class="goods"><tbody>
<tr class="item"><td class="thumb"><a href="/view?no=1"><img src="/img/1.jpg"></a></td><td class="name">유기농 사과 3kg</td><td class="price">12,000원</td></tr>
<tr class="item"><td class="thumb"><a href="/view?no=2"><img src="/img/2.jpg"></a></td><td class="name">유기농 배 5kg</td><td class="price">18,000원</td></tr>
</tbody></table>`
	stub.pages["https://shop.example.com/list?page=2"] = `<table class="goods"><tbody></tbody></table>`

	target := testTarget(func(t *Target) {
		t.Pagination.ItemSelector = "tr.item"
		t.Fields.Title = Chain{{Kind: KindText, Locator: "td.name"}}
		t.Fields.Price = Chain{{Kind: KindText, Locator: "td.price"}}
	})
	res, err := NewRunner([]*Target{target}, stub, WithRunnerClock(newFakeClock())).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.Equal(t, "유기농 사과 3kg", res.Items[0].Title)
	assert.Equal(t, int64(12000), res.Items[0].Price)
	require.NotNil(t, res.Items[1].ImageURL)
	assert.Equal(t, "https://shop.example.com/img/2.jpg", *res.Items[1].ImageURL)
	assert.Empty(t, res.Diagnostics.Targets[0].Skips)
}

func TestRunListingModeAnchorCards(t *testing.T) {
	stub := newStubFetcher()
	stub.pages["https://shop.example.com/list?page=1"] = `<div class="list">
<a class="item" href="/view?no=7" title="제주 한라봉 3kg"><span class="price">29,000원</span></a>
<a class="item" href="/view?no=8" title="제주 천혜향 2kg"><span class="price">31,000원</span></a>
</div>`
	stub.pages["https://shop.example.com/list?page=2"] = `<div class="list"></div>`

	target := testTarget(func(t *Target) {
		t.Pagination.ItemSelector = "a.item"
		t.Fields.Link = Chain{{Kind: KindAttr, Attrs: []string{"href"}}}
		t.Fields.Title = Chain{{Kind: KindAttr, Attrs: []string{"title"}}}
	})
	res, err := NewRunner([]*Target{target}, stub, WithRunnerClock(newFakeClock())).Run(context.Background())
	require.NoError(t, err)

	items := itemsByID(res.Items)
	require.Len(t, items, 2)
	assert.Equal(t, "제주 한라봉 3kg", items["shop:7"].Title)
	assert.Equal(t, int64(31000), items["shop:8"].Price)
	assert.Empty(t, res.Diagnostics.Targets[0].Skips)
}

func TestRunCancelled(t *testing.T) {
	stub := newStubFetcher()
	stub.pages["https://shop.example.com/list?page=1"] = listingPage(1, 2, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner([]*Target{testTarget()}, stub, WithRunnerClock(newFakeClock()))
	res, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.True(t, res.Diagnostics.Cancelled)
	assert.False(t, res.Diagnostics.Targets[0].Aborted)
	assert.Empty(t, stub.Calls())
}

func TestRunWithoutTargets(t *testing.T) {
	_, err := NewRunner(nil, newStubFetcher()).Run(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}
