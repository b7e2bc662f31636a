package crawler

import (
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/mallcrawler/pkg/errors"
)

func mustParse(t *testing.T, html string) *Document {
	t.Helper()
	doc, err := ParseDocument([]byte(html))
	require.NoError(t, err)
	return doc
}

func TestEvaluateFallsBackToImageAttribute(t *testing.T) {
	doc := mustParse(t, `<html><head><title>쇼핑몰 - 추천 상품</title></head><body>
		<div class="card">
			<h3 class="name">  </h3>
			<img src="/img/a.jpg" alt="제주 감귤 5kg 특품">
		</div>
	</body></html>`)

	chain := Chain{
		{Kind: KindText, Locator: ".card .name"},
		{Kind: KindAttr, Locator: ".card img", Attrs: []string{"alt"}},
		{Kind: KindMeta, Name: "title"},
	}

	value, idx, err := NewEvaluator().Evaluate(doc, chain, TitleValidator(4, []string{"추천 상품"}))
	require.NoError(t, err)
	assert.Equal(t, "제주 감귤 5kg 특품", value)
	assert.Equal(t, 1, idx)
}

func TestEvaluateRejectsPlaceholderAndContinues(t *testing.T) {
	doc := mustParse(t, `<html><head><title>Organic apples 3kg</title></head><body>
		<div class="name">추천 상품</div>
	</body></html>`)

	chain := Chain{
		{Kind: KindText, Locator: ".name"},
		{Kind: KindMeta, Name: "title"},
	}

	value, idx, err := NewEvaluator().Evaluate(doc, chain, TitleValidator(4, []string{"추천 상품"}))
	require.NoError(t, err)
	assert.Equal(t, "Organic apples 3kg", value)
	assert.Equal(t, 1, idx)
}

func TestEvaluateNotFoundVersusRejected(t *testing.T) {
	doc := mustParse(t, `<div class="price">가격문의</div>`)
	eval := NewEvaluator()

	_, idx, err := eval.Evaluate(doc, Chain{{Kind: KindText, Locator: ".price"}}, PriceValidator)
	assert.ErrorIs(t, err, errors.ErrRejected)
	assert.Equal(t, -1, idx)

	_, _, err = eval.Evaluate(doc, Chain{{Kind: KindText, Locator: ".missing"}}, PriceValidator)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStrategyKinds(t *testing.T) {
	doc := mustParse(t, `<html><head>
		<meta property="og:description" content="  fresh   from the farm ">
	</head><body>
		<div class="item">
			<span class="price"><em>30%</em> 12,900원</span>
			<div class="thumb" style="background-image: url('//cdn.example.com/t.jpg')"></div>
			<span class="badge soldout">품절</span>
			<p class="desc">Nice <b>apples</b></p>
		</div>
	</body></html>`)
	eval := NewEvaluator()

	tests := []struct {
		name     string
		strategy Strategy
		want     string
	}{
		{"meta property", Strategy{Kind: KindMeta, Name: "og:description"}, "fresh from the farm"},
		{"regex over locator text", Strategy{Kind: KindRegex, Locator: ".price", Pattern: `([\d,]+)원`}, "12,900"},
		{"style url", Strategy{Kind: KindStyleURL, Locator: ".thumb"}, "//cdn.example.com/t.jpg"},
		{"exists with value", Strategy{Kind: KindExists, Locator: ".badge.soldout", Value: "sold out"}, "sold out"},
		{"text with removal", Strategy{Kind: KindText, Locator: ".price", Remove: []string{"em"}}, "12,900원"},
		{"text collapses markup", Strategy{Kind: KindText, Locator: ".desc"}, "Nice apples"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, idx, err := eval.Evaluate(doc, Chain{tt.strategy}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, value)
			assert.Equal(t, 0, idx)
		})
	}
}

func TestAttrOrderWithLazyImages(t *testing.T) {
	doc := mustParse(t, `<img src="/images/no_image.gif" data-src="/upload/p1.jpg">`)

	value, _, err := NewEvaluator().Evaluate(doc,
		Chain{{Kind: KindAttr, Locator: "img", Attrs: []string{"src", "data-src"}}},
		ImageValidator(defaultImagePlaceholders))
	require.NoError(t, err)
	assert.Equal(t, "/upload/p1.jpg", value)
}

func TestEvaluateAll(t *testing.T) {
	doc := mustParse(t, `<div class="gallery">
		<img src="/a.jpg"><img src="/logo.png"><img src="/b.jpg"><img src="/a.jpg">
	</div>`)

	values, idx, err := NewEvaluator().EvaluateAll(doc,
		Chain{
			{Kind: KindAttr, Locator: ".missing img", Attrs: []string{"src"}},
			{Kind: KindAttr, Locator: ".gallery img", Attrs: []string{"src"}},
		},
		ImageValidator(defaultImagePlaceholders))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.jpg", "/b.jpg"}, values)
	assert.Equal(t, 1, idx)
}

func TestScopeLimitsLocators(t *testing.T) {
	doc := mustParse(t, `<html><head><title>Store</title></head><body><ul>
		<li class="item"><span class="name">first</span></li>
		<li class="item"><span class="name">second</span></li>
	</ul></body></html>`)
	eval := NewEvaluator()

	var names []string
	doc.Find("li.item").Each(func(_ int, card *goquery.Selection) {
		name, _, err := eval.Evaluate(doc.Scope(card), Chain{{Kind: KindText, Locator: ".name"}}, nil)
		require.NoError(t, err)
		names = append(names, name)
	})
	assert.Equal(t, []string{"first", "second"}, names)

	// page metadata is still reachable from a scoped view
	card := doc.Scope(doc.Find("li.item").First())
	title, _, err := eval.Evaluate(card, Chain{{Kind: KindMeta, Name: "title"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Store", title)
}

func TestParseCardKeepsTableRows(t *testing.T) {
	card, err := ParseCard(`<tr class="item"><td class="name">유기농 사과 3kg</td><td class="price">12,000원</td></tr>`)
	require.NoError(t, err)
	eval := NewEvaluator()

	name, _, err := eval.Evaluate(card, Chain{{Kind: KindText, Locator: "td.name"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "유기농 사과 3kg", name)

	price, _, err := eval.Evaluate(card, Chain{{Kind: KindText, Locator: "td.price"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "12,000원", price)
}

func TestParseCardScopesToCardElement(t *testing.T) {
	card, err := ParseCard(`<a class="item" href="/view?no=7" title="제주 한라봉 3kg"><span class="price">29,000원</span></a>`)
	require.NoError(t, err)
	eval := NewEvaluator()

	title, _, err := eval.Evaluate(card, Chain{{Kind: KindAttr, Attrs: []string{"title"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "제주 한라봉 3kg", title)

	href, _, err := eval.Evaluate(card, Chain{{Kind: KindAttr, Attrs: []string{"href"}}}, LinkValidator)
	require.NoError(t, err)
	assert.Equal(t, "/view?no=7", href)

	_, _, err = eval.Evaluate(card, Chain{{Kind: KindMeta, Name: "title"}}, nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestParseCardListItem(t *testing.T) {
	card, err := ParseCard(`  <li class="item"><p class="name">천혜향</p></li>`)
	require.NoError(t, err)
	assert.Equal(t, "li", goquery.NodeName(card.Find("")))
	assert.Equal(t, 1, card.Find(".name").Length())
}
