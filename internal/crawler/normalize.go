package crawler

import (
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"sjsage522/mallcrawler/helpers"
	"sjsage522/mallcrawler/pkg/errors"
)

// Category sources, from most to least trusted.
const (
	CategoryFromURL     = "url_param"
	CategoryFromListing = "listing"
	CategoryFromKeyword = "keyword"
	CategoryFromDefault = "default"
	CategoryNone        = "none"
)

var (
	amountPattern  = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	numericSegment = regexp.MustCompile(`^\d+$`)

	productSegments = map[string]bool{"product": true, "products": true, "goods": true, "item": true, "items": true}

	// Units that follow a count or weight rather than a price.
	quantityUnits = []string{"+", "개", "입", "팩", "봉", "매", "병", "박스", "세트", "인분", "마리", "kg", "g", "ml", "l", "ea", "pcs", "box"}
)

// Normalizer maps RawItems of one target to Items.
type Normalizer struct {
	target *Target
	base   string
	idRe   *regexp.Regexp
}

// NewNormalizer creates a Normalizer for t.
func NewNormalizer(t *Target) *Normalizer {
	n := &Normalizer{target: t, base: t.BaseURL}
	if t.IDExtractor.Kind == "regex" {
		n.idRe, _ = regexp.Compile(t.IDExtractor.Pattern)
	}
	return n
}

// Normalize converts raw into an Item. A missing or unusable title or price is returned
// as an extraction miss or validation reject error and the item must be skipped.
func (n *Normalizer) Normalize(raw RawItem) (Item, error) {
	t := n.target

	itemURL := ResolveURL(n.base, raw.Candidate.URL)
	if itemURL == "" {
		return Item{}, errors.NewExtractionMiss(t.ID, FieldLink)
	}

	title := n.cleanField(raw.Fields[FieldTitle])
	if title == "" {
		return Item{}, errors.NewExtractionMiss(t.ID, FieldTitle)
	}

	priceText := raw.Fields[FieldPrice]
	if strings.TrimSpace(priceText) == "" {
		return Item{}, errors.NewExtractionMiss(t.ID, FieldPrice)
	}
	rules := t.Normalize
	amounts := parsePrices(priceText, rules.MinorUnitDigits, rules.CurrencyPrefixes, rules.CurrencySuffixes)
	amounts = append(amounts, parsePrices(raw.Fields[FieldOriginalPrice], rules.MinorUnitDigits, rules.CurrencyPrefixes, rules.CurrencySuffixes)...)
	if len(amounts) == 0 {
		return Item{}, errors.NewValidationReject(t.ID, FieldPrice, priceText)
	}
	low, high := slices.Min(amounts), slices.Max(amounts)
	if low <= 0 {
		return Item{}, errors.NewValidationReject(t.ID, FieldPrice, priceText)
	}

	item := Item{
		ID:             t.ID + ":" + n.itemKey(itemURL),
		Title:          title,
		Price:          low,
		ItemURL:        itemURL,
		Images:         []string{},
		Tags:           n.tags(title),
		SourceTargetID: t.ID,
		DiscoveredAt:   raw.Candidate.DiscoveredAt,
	}
	if high > low {
		item.OriginalPrice = &high
	}

	images := raw.Images
	if len(images) == 0 && raw.Fields[FieldImage] != "" {
		images = []string{raw.Fields[FieldImage]}
	}
	for _, img := range images {
		if abs := ResolveURL(n.base, img); abs != "" && !slices.Contains(item.Images, abs) {
			item.Images = append(item.Images, abs)
		}
	}
	if len(item.Images) > 0 {
		first := item.Images[0]
		item.ImageURL = &first
	}

	if desc := n.cleanField(raw.Fields[FieldDescription]); desc != "" {
		item.Description = &desc
	}

	label, source := n.Category(raw, itemURL, title)
	if label != "" {
		item.Category = &label
	}
	item.categorySource = source

	item.InStock = n.inStock(raw, title)
	return item, nil
}

// Category assigns a label. An explicit URL parameter wins over the listing label,
// which wins over title keywords and finally the configured default.
func (n *Normalizer) Category(raw RawItem, itemURL, title string) (string, string) {
	rules := n.target.Category
	if rules.Param != "" {
		for _, u := range []string{itemURL, raw.Candidate.ListingURL} {
			if v := queryParam(u, rules.Param); v != "" {
				if label, ok := rules.Labels[v]; ok {
					return label, CategoryFromURL
				}
				return v, CategoryFromURL
			}
		}
	}
	if raw.Candidate.Category != "" {
		return raw.Candidate.Category, CategoryFromListing
	}
	if label := matchKeywords(title, rules.Keywords); label != "" {
		return label, CategoryFromKeyword
	}
	if rules.Default != "" {
		return rules.Default, CategoryFromDefault
	}
	return "", CategoryNone
}

func (n *Normalizer) tags(title string) []string {
	tags := make([]string, 0, len(n.target.Tags.Static))
	add := func(tag string) {
		if tag != "" && !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	for _, tag := range n.target.Tags.Static {
		add(tag)
	}
	lower := strings.ToLower(title)
	for _, kw := range n.target.Tags.Keywords {
		for _, word := range kw.Keywords {
			if word != "" && strings.Contains(lower, strings.ToLower(word)) {
				add(kw.Label)
				break
			}
		}
	}
	return tags
}

// inStock is false when a sold-out marker appears. A configured availability chain that
// matched nothing means in stock. Without one, only the title is checked.
func (n *Normalizer) inStock(raw RawItem, title string) *bool {
	markers := n.target.Normalize.SoldOutMarkers
	value, hasValue := raw.Fields[FieldAvailability]
	var result bool
	switch {
	case hasValue && value != "":
		result = !containsAny(value, markers)
	case containsAny(title, markers):
		result = false
	case len(n.target.Fields.Availability) > 0:
		result = true
	default:
		return nil
	}
	return &result
}

func (n *Normalizer) cleanField(s string) string {
	return TrimBoilerplate(CleanText(s), n.target.Normalize.Boilerplate)
}

// itemKey derives the stable per-site key from the item URL. It never uses the title.
func (n *Normalizer) itemKey(itemURL string) string {
	u, err := url.Parse(itemURL)
	if err != nil {
		return itemURL
	}
	x := n.target.IDExtractor
	switch x.Kind {
	case "query":
		if v := u.Query().Get(x.Param); v != "" {
			return v
		}
	case "path_segment":
		if v, err := helpers.GetSplitPart(strings.Trim(u.Path, "/"), "/", x.Index); err == nil && v != "" {
			return v
		}
	case "regex":
		if n.idRe != nil {
			if m := n.idRe.FindStringSubmatch(itemURL); len(m) > 1 && m[1] != "" {
				return m[1]
			}
		}
	}
	return fallbackKey(u)
}

// fallbackKey reads the id after a product-like path segment (/product/<name>/<id>/...),
// then a path with exactly one numeric segment, then the path plus sorted query.
func fallbackKey(u *url.URL) string {
	path := strings.Trim(u.Path, "/")
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if !productSegments[strings.ToLower(seg)] {
			continue
		}
		for _, next := range segments[i+1 : min(i+3, len(segments))] {
			if numericSegment.MatchString(next) {
				return next
			}
		}
	}

	var numeric []string
	for _, seg := range segments {
		if numericSegment.MatchString(seg) {
			numeric = append(numeric, seg)
		}
	}
	if len(numeric) == 1 {
		return numeric[0]
	}
	if q := u.Query(); len(q) > 0 {
		return path + "?" + q.Encode()
	}
	return path
}

// ParsePrices returns the amounts in text as integer counts of minor units. When some
// amount carries a currency marker (12,000원, ₩12,000, $12) only marked amounts count, so
// quantities such as "(2개)" or "3kg" never become prices. Thousands separators are
// ignored and percentages are skipped.
func ParsePrices(text string, minorUnitDigits int) []int64 {
	return parsePrices(text, minorUnitDigits, defaultCurrencyPrefixes, defaultCurrencySuffixes)
}

func parsePrices(text string, digits int, prefixes, suffixes []string) []int64 {
	var marked, bare []int64
	for _, loc := range amountPattern.FindAllStringIndex(text, -1) {
		before := strings.ToLower(strings.TrimRight(text[:loc[0]], " "))
		after := strings.ToLower(strings.TrimLeft(text[loc[1]:], " "))
		if strings.HasPrefix(after, "%") {
			continue
		}
		v, ok := parseAmount(text[loc[0]:loc[1]], digits)
		if !ok {
			continue
		}
		switch {
		case hasAnySuffix(before, prefixes) || hasAnyPrefix(after, suffixes):
			marked = append(marked, v)
		case strings.HasSuffix(before, "+") || hasAnyPrefix(after, quantityUnits):
			// a count or weight
		default:
			bare = append(bare, v)
		}
	}
	if len(marked) > 0 {
		return marked
	}
	return bare
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, p := range suffixes {
		if p != "" && strings.HasSuffix(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func parseAmount(s string, digits int) (int64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	whole, frac, _ := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	if digits <= 0 {
		return w, true
	}
	if len(frac) > digits {
		frac = frac[:digits]
	}
	frac += strings.Repeat("0", digits-len(frac))
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return w*int64(math.Pow10(digits)) + f, true
}

// CleanText strips control characters and collapses runs of whitespace.
func CleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		if r == '\u200b' || r == '\ufeff' {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// TrimBoilerplate removes known banner prefixes and suffixes until none remain.
func TrimBoilerplate(s string, boilerplate []string) string {
	for changed := true; changed; {
		changed = false
		for _, b := range boilerplate {
			if b == "" {
				continue
			}
			if trimmed, ok := strings.CutPrefix(s, b); ok {
				s, changed = strings.TrimSpace(trimmed), true
			}
			if trimmed, ok := strings.CutSuffix(s, b); ok {
				s, changed = strings.TrimSpace(trimmed), true
			}
		}
	}
	return s
}

// ResolveURL makes ref absolute against base, handling //host and /path forms.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil || r.IsAbs() {
		return r.String()
	}
	return b.ResolveReference(r).String()
}

func queryParam(rawURL, name string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

func matchKeywords(title string, table []KeywordLabel) string {
	lower := strings.ToLower(title)
	for _, kw := range table {
		for _, word := range kw.Keywords {
			if word != "" && strings.Contains(lower, strings.ToLower(word)) {
				return kw.Label
			}
		}
	}
	return ""
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
