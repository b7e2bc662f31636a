package crawler

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sjsage522/mallcrawler/config"
	"sjsage522/mallcrawler/pkg/errors"
)

// Mode selects where item fields are read from.
type Mode string

const (
	// ModeListing reads every field from the listing card
	ModeListing Mode = "listing"
	// ModeDetail fetches the item page and uses card values only to fill gaps
	ModeDetail Mode = "detail"
)

// PaginationStyle selects how successive listing pages are addressed.
type PaginationStyle string

const (
	PaginationPage     PaginationStyle = "page"
	PaginationOffset   PaginationStyle = "offset"
	PaginationNextLink PaginationStyle = "next_link"
)

const (
	defaultMaxPages      = 20
	defaultPageParam     = "page"
	defaultMaxAttempts   = 3
	defaultTitleMinRunes = 4
)

var (
	defaultTitlePlaceholders = []string{"추천 상품", "추천상품", "더보기", "상세보기"}
	defaultImagePlaceholders = []string{"no_image", "noimg", "noimage", "placeholder", "logo", "banner", "icon", "blank.gif", "spacer.gif"}
	defaultSoldOutMarkers    = []string{"품절", "soldout", "sold out", "재고없음"}
	defaultCurrencyPrefixes  = []string{"₩", "$", "€", "¥", "£", "krw"}
	defaultCurrencySuffixes  = []string{"원", "won", "krw"}
)

// Target is one configured site the engine can crawl.
// It is immutable once LoadTargets or Validate has returned.
type Target struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	BaseURL     string          `yaml:"base_url"`
	Mode        Mode            `yaml:"mode"`
	Listings    []Listing       `yaml:"listings"`
	Pagination  Pagination      `yaml:"pagination"`
	Fields      Fields          `yaml:"fields"`
	IDExtractor IDExtractor     `yaml:"id_extractor"`
	Validation  ValidationRules `yaml:"validation"`
	Normalize   NormalizeRules  `yaml:"normalize"`
	Category    CategoryRules   `yaml:"category"`
	Tags        TagRules        `yaml:"tags"`
	Politeness  Politeness      `yaml:"politeness"`
	Request     RequestOptions  `yaml:"request"`
}

// Listing is a listing URL template. {page} or {offset} mark the page position.
type Listing struct {
	URL      string `yaml:"url"`
	Category string `yaml:"category"`
}

// Pagination holds termination hints for the walker.
type Pagination struct {
	Style             PaginationStyle `yaml:"style"`
	ItemSelector      string          `yaml:"item_selector"`
	NextSelector      string          `yaml:"next_selector"`
	ItemsPerPage      int             `yaml:"items_per_page"`
	PageCountSelector string          `yaml:"page_count_selector"`
	PageParam         string          `yaml:"page_param"`
	StartPage         int             `yaml:"start_page"`
	MaxPages          int             `yaml:"max_pages"`
}

// Fields holds one selector chain per extracted field.
type Fields struct {
	Link          Chain `yaml:"link"`
	Title         Chain `yaml:"title"`
	Price         Chain `yaml:"price"`
	OriginalPrice Chain `yaml:"original_price"`
	Image         Chain `yaml:"image"`
	Description   Chain `yaml:"description"`
	Availability  Chain `yaml:"availability"`
}

// IDExtractor derives the stable per-site key from an item URL.
type IDExtractor struct {
	Kind    string `yaml:"kind"` // query, path_segment, regex
	Param   string `yaml:"param"`
	Index   int    `yaml:"index"`
	Pattern string `yaml:"pattern"`
}

// ValidationRules configures the field validators.
type ValidationRules struct {
	TitleMinLength    int      `yaml:"title_min_length"`
	TitlePlaceholders []string `yaml:"title_placeholders"`
	ImagePlaceholders []string `yaml:"image_placeholders"`
}

// NormalizeRules configures text and price cleanup.
type NormalizeRules struct {
	Boilerplate     []string `yaml:"boilerplate"`
	MinorUnitDigits int      `yaml:"minor_unit_digits"`
	SoldOutMarkers  []string `yaml:"sold_out_markers"`
	// Currency markers written before or after an amount.
	CurrencyPrefixes []string `yaml:"currency_prefixes"`
	CurrencySuffixes []string `yaml:"currency_suffixes"`
}

// CategoryRules configures category assignment.
type CategoryRules struct {
	Param    string            `yaml:"param"`
	Labels   map[string]string `yaml:"labels"`
	Keywords []KeywordLabel    `yaml:"keywords"`
	Default  string            `yaml:"default"`
}

// KeywordLabel assigns Label when any keyword occurs in the title.
type KeywordLabel struct {
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// TagRules configures item tags.
type TagRules struct {
	Static   []string       `yaml:"static"`
	Keywords []KeywordLabel `yaml:"keywords"`
}

// Politeness holds the per-target request pacing and retry policy.
type Politeness struct {
	Delay             config.Duration `yaml:"delay"`
	Jitter            config.Duration `yaml:"jitter"`
	Concurrency       int             `yaml:"concurrency"`
	MaxAttempts       int             `yaml:"max_attempts"`
	BackoffBase       config.Duration `yaml:"backoff_base"`
	BackoffMultiplier float64         `yaml:"backoff_multiplier"`
	BackoffMax        config.Duration `yaml:"backoff_max"`
	RateLimitFactor   float64         `yaml:"rate_limit_factor"`
	RequestsPerMinute int             `yaml:"requests_per_minute"`
	BlockTime         config.Duration `yaml:"block_time"`
}

// RequestOptions configures outgoing requests for a target.
type RequestOptions struct {
	Headers       map[string]string `yaml:"headers"`
	UserAgent     string            `yaml:"user_agent"`
	Encoding      string            `yaml:"encoding"`
	RespectRobots bool              `yaml:"respect_robots"`
}

type targetFile struct {
	Targets []*Target `yaml:"targets"`
}

// LoadTargets reads a YAML file of target definitions, applies defaults and validates each one.
func LoadTargets(path string) ([]*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfiguration("failed to read targets file "+path, err)
	}
	return ParseTargets(data)
}

// ParseTargets is LoadTargets for an in-memory document.
func ParseTargets(data []byte) ([]*Target, error) {
	var file targetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewConfiguration("failed to parse targets", err)
	}
	if len(file.Targets) == 0 {
		return nil, errors.NewConfiguration("no targets defined", nil)
	}

	seen := make(map[string]bool, len(file.Targets))
	for i, t := range file.Targets {
		if t == nil {
			return nil, errors.NewConfiguration(fmt.Sprintf("target #%d is empty", i), nil)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, errors.NewConfiguration("duplicate target id "+t.ID, nil)
		}
		seen[t.ID] = true
	}
	return file.Targets, nil
}

// Validate applies defaults and checks that the target is usable.
func (t *Target) Validate() error {
	fail := func(msg string, err error) error {
		e := errors.NewConfiguration(msg, err)
		e.Target = t.ID
		return e
	}

	if strings.TrimSpace(t.ID) == "" {
		return fail("target id is required", nil)
	}
	base, err := url.Parse(t.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fail("base_url must be an absolute URL", err)
	}
	if len(t.Listings) == 0 {
		return fail("at least one listing is required", nil)
	}
	for i, l := range t.Listings {
		switch {
		case strings.TrimSpace(l.URL) == "":
			return fail("listing url is required", nil)
		case strings.HasPrefix(l.URL, "/") && !strings.HasPrefix(l.URL, "//"):
			// joined by hand so {page} placeholders are not escaped
			t.Listings[i].URL = base.Scheme + "://" + base.Host + l.URL
		case !strings.HasPrefix(l.URL, "http://") && !strings.HasPrefix(l.URL, "https://"):
			return fail("listing url must be absolute or root-relative: "+l.URL, nil)
		}
	}

	t.applyDefaults()

	switch t.Mode {
	case ModeListing, ModeDetail:
	default:
		return fail(fmt.Sprintf("unknown mode %q", t.Mode), nil)
	}
	switch t.Pagination.Style {
	case PaginationPage, PaginationOffset:
	case PaginationNextLink:
		if t.Pagination.NextSelector == "" {
			return fail("next_link pagination requires next_selector", nil)
		}
	default:
		return fail(fmt.Sprintf("unknown pagination style %q", t.Pagination.Style), nil)
	}
	if t.Pagination.Style == PaginationOffset && t.Pagination.ItemsPerPage <= 0 {
		return fail("offset pagination requires items_per_page", nil)
	}
	if t.Pagination.ItemSelector == "" {
		return fail("pagination.item_selector is required", nil)
	}
	if len(t.Fields.Title) == 0 {
		return fail("fields.title needs at least one strategy", nil)
	}
	if len(t.Fields.Price) == 0 {
		return fail("fields.price needs at least one strategy", nil)
	}

	for name, chain := range t.Fields.chains() {
		if err := chain.check(); err != nil {
			return fail("invalid strategy in fields."+name, err)
		}
	}
	if err := t.IDExtractor.check(); err != nil {
		return fail("invalid id_extractor", err)
	}

	p := t.Politeness
	if p.Delay.Duration < 0 || p.Jitter.Duration < 0 || p.BackoffBase.Duration < 0 {
		return fail("politeness durations cannot be negative", nil)
	}
	if p.BackoffMultiplier < 1 {
		return fail("politeness.backoff_multiplier must be >= 1", nil)
	}
	return nil
}

func (t *Target) applyDefaults() {
	if t.Name == "" {
		t.Name = t.ID
	}
	if t.Mode == "" {
		t.Mode = ModeListing
	}

	pg := &t.Pagination
	if pg.Style == "" {
		pg.Style = PaginationPage
	}
	if pg.PageParam == "" {
		pg.PageParam = defaultPageParam
		if pg.Style == PaginationOffset {
			pg.PageParam = "offset"
		}
	}
	if pg.StartPage <= 0 {
		pg.StartPage = 1
	}
	if pg.MaxPages <= 0 {
		pg.MaxPages = defaultMaxPages
	}

	if len(t.Fields.Link) == 0 {
		t.Fields.Link = Chain{{Kind: KindAttr, Locator: "a[href]", Attrs: []string{"href"}}}
	}

	v := &t.Validation
	if v.TitleMinLength <= 0 {
		v.TitleMinLength = defaultTitleMinRunes
	}
	if v.TitlePlaceholders == nil {
		v.TitlePlaceholders = defaultTitlePlaceholders
	}
	if v.ImagePlaceholders == nil {
		v.ImagePlaceholders = defaultImagePlaceholders
	}
	if t.Normalize.SoldOutMarkers == nil {
		t.Normalize.SoldOutMarkers = defaultSoldOutMarkers
	}
	if t.Normalize.CurrencyPrefixes == nil {
		t.Normalize.CurrencyPrefixes = defaultCurrencyPrefixes
	}
	if t.Normalize.CurrencySuffixes == nil {
		t.Normalize.CurrencySuffixes = defaultCurrencySuffixes
	}

	p := &t.Politeness
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Delay.Duration == 0 {
		p.Delay = config.D(time.Second)
	}
	if p.BackoffBase.Duration == 0 {
		p.BackoffBase = config.D(2 * time.Second)
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 2
	}
	if p.BackoffMax.Duration == 0 {
		p.BackoffMax = config.D(30 * time.Second)
	}
	if p.RateLimitFactor < 1 {
		p.RateLimitFactor = 3
	}
	if p.BlockTime.Duration == 0 {
		p.BlockTime = config.D(5 * time.Minute)
	}
}

func (f *Fields) chains() map[string]Chain {
	return map[string]Chain{
		FieldLink:          f.Link,
		FieldTitle:         f.Title,
		FieldPrice:         f.Price,
		FieldOriginalPrice: f.OriginalPrice,
		FieldImage:         f.Image,
		FieldDescription:   f.Description,
		FieldAvailability:  f.Availability,
	}
}

func (x *IDExtractor) check() error {
	switch x.Kind {
	case "":
		return nil
	case "query":
		if x.Param == "" {
			return fmt.Errorf("query extractor needs param")
		}
	case "path_segment":
	case "regex":
		re, err := regexp.Compile(x.Pattern)
		if err != nil {
			return err
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("pattern %q has no capture group", x.Pattern)
		}
	default:
		return fmt.Errorf("unknown kind %q", x.Kind)
	}
	return nil
}
