package crawler

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"sjsage522/mallcrawler/pkg/errors"
)

// StrategyKind names one way of reading a value out of a document.
type StrategyKind string

const (
	// KindText reads the text of the first matching elements.
	KindText StrategyKind = "text"
	// KindAttr reads the first non-empty attribute from Attrs, in order.
	KindAttr StrategyKind = "attr"
	// KindMeta reads the <title> tag or a meta[name|property] content.
	KindMeta StrategyKind = "meta"
	// KindRegex returns the first submatch of Pattern over the locator text.
	KindRegex StrategyKind = "regex"
	// KindStyleURL reads url(...) from an inline style.
	KindStyleURL StrategyKind = "style_url"
	// KindExists yields Value when the locator matches anything.
	KindExists StrategyKind = "exists"
)

// Strategy is one entry of a selector chain.
type Strategy struct {
	Kind    StrategyKind `yaml:"kind"`
	Locator string       `yaml:"locator"`
	Attrs   []string     `yaml:"attrs"`
	Name    string       `yaml:"name"`
	Pattern string       `yaml:"pattern"`
	Value   string       `yaml:"value"`
	// Remove lists selectors stripped from matched elements before reading text.
	Remove []string `yaml:"remove"`
}

// Chain is an ordered list of strategies for one field.
type Chain []Strategy

func (c Chain) check() error {
	for i, st := range c {
		switch st.Kind {
		case KindText, KindStyleURL:
		case KindAttr:
			if len(st.Attrs) == 0 {
				return fmt.Errorf("strategy %d: attr needs attrs", i)
			}
		case KindMeta:
			if st.Name == "" {
				return fmt.Errorf("strategy %d: meta needs name", i)
			}
		case KindRegex:
			if _, err := regexp.Compile(st.Pattern); err != nil {
				return fmt.Errorf("strategy %d: %w", i, err)
			}
		case KindExists:
			if st.Locator == "" {
				return fmt.Errorf("strategy %d: exists needs locator", i)
			}
		default:
			return fmt.Errorf("strategy %d: unknown kind %q", i, st.Kind)
		}
	}
	return nil
}

// Document is a parsed page, optionally scoped to one element such as a listing card.
// Locators are evaluated inside the scope, page metadata against the whole page.
type Document struct {
	page  *goquery.Document
	scope *goquery.Selection
}

// ParseDocument parses an HTML body.
func ParseDocument(body []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewParsing("", "HTML parsing failed", err)
	}
	return &Document{page: doc, scope: doc.Selection}, nil
}

var (
	leadingTag = regexp.MustCompile(`^\s*<([a-zA-Z][a-zA-Z0-9]*)`)

	// Parents a fragment needs so the parser keeps table rows and list items.
	cardContexts = map[string]atom.Atom{
		"tr": atom.Tbody, "td": atom.Tr, "th": atom.Tr,
		"tbody": atom.Table, "thead": atom.Table, "tfoot": atom.Table,
		"li": atom.Ul, "dt": atom.Dl, "dd": atom.Dl, "option": atom.Select,
	}
)

// ParseCard parses the outer HTML of one listing card. The fragment is parsed in the
// context its root tag needs, and the returned document is scoped to the card element.
func ParseCard(snippet string) (*Document, error) {
	parent := atom.Body
	if m := leadingTag.FindStringSubmatch(snippet); m != nil {
		if a, ok := cardContexts[strings.ToLower(m[1])]; ok {
			parent = a
		}
	}
	nodes, err := html.ParseFragment(strings.NewReader(snippet), &html.Node{
		Type:     html.ElementNode,
		Data:     parent.String(),
		DataAtom: parent,
	})
	if err != nil {
		return nil, errors.NewParsing("", "card parsing failed", err)
	}

	root := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	doc := goquery.NewDocumentFromNode(root)
	scope := doc.Children().First()
	if scope.Length() == 0 {
		scope = doc.Selection
	}
	return cardDocument(scope), nil
}

// cardDocument scopes locators to one listing card. Meta strategies read nothing on it
// because the page metadata belongs to the listing, not the item.
func cardDocument(sel *goquery.Selection) *Document {
	return &Document{scope: sel}
}

// Scope returns a view of d limited to sel.
func (d *Document) Scope(sel *goquery.Selection) *Document {
	return &Document{page: d.page, scope: sel}
}

// Find evaluates a locator inside the scope. An empty locator selects the scope itself.
func (d *Document) Find(locator string) *goquery.Selection {
	if strings.TrimSpace(locator) == "" {
		return d.scope
	}
	return d.scope.Find(locator)
}

// Validator accepts or rejects a candidate value for a field.
type Validator func(value string) bool

var styleURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")]+?)['"]?\s*\)`)

// Evaluator runs selector chains. It is safe for concurrent use.
type Evaluator struct {
	patterns sync.Map
}

// NewEvaluator creates an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate tries each strategy of chain in order and returns the first value v accepts,
// together with the zero-based index of the strategy that produced it. When nothing is
// accepted it returns errors.ErrRejected if some strategy produced a value, otherwise
// errors.ErrNotFound.
func (e *Evaluator) Evaluate(doc *Document, chain Chain, v Validator) (string, int, error) {
	rejected := false
	for i, st := range chain {
		for _, val := range e.extract(doc, st) {
			if v == nil || v(val) {
				return val, i, nil
			}
			rejected = true
		}
	}
	if rejected {
		return "", -1, errors.ErrRejected
	}
	return "", -1, errors.ErrNotFound
}

// EvaluateAll returns every accepted value of the first strategy that yields any, in document order.
func (e *Evaluator) EvaluateAll(doc *Document, chain Chain, v Validator) ([]string, int, error) {
	rejected := false
	for i, st := range chain {
		var out []string
		seen := make(map[string]bool)
		for _, val := range e.extract(doc, st) {
			if v != nil && !v(val) {
				rejected = true
				continue
			}
			if !seen[val] {
				seen[val] = true
				out = append(out, val)
			}
		}
		if len(out) > 0 {
			return out, i, nil
		}
	}
	if rejected {
		return nil, -1, errors.ErrRejected
	}
	return nil, -1, errors.ErrNotFound
}

// extract returns the non-empty raw values a strategy yields, in document order.
func (e *Evaluator) extract(doc *Document, st Strategy) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	switch st.Kind {
	case KindText:
		doc.Find(st.Locator).Each(func(_ int, s *goquery.Selection) {
			add(CleanText(cleanSelection(s, st.Remove).Text()))
		})
	case KindAttr:
		doc.Find(st.Locator).Each(func(_ int, s *goquery.Selection) {
			for _, name := range st.Attrs {
				if val, ok := s.Attr(name); ok {
					add(val)
				}
			}
		})
	case KindMeta:
		add(metaValue(doc.page, st.Name))
	case KindRegex:
		re := e.pattern(st.Pattern)
		if re == nil {
			return nil
		}
		doc.Find(st.Locator).Each(func(_ int, s *goquery.Selection) {
			text := CleanText(cleanSelection(s, st.Remove).Text())
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				if len(m) > 1 {
					add(m[1])
				} else {
					add(m[0])
				}
			}
		})
	case KindStyleURL:
		doc.Find(st.Locator).Each(func(_ int, s *goquery.Selection) {
			if style, ok := s.Attr("style"); ok {
				if m := styleURLPattern.FindStringSubmatch(style); m != nil {
					add(m[1])
				}
			}
		})
	case KindExists:
		if doc.Find(st.Locator).Length() > 0 {
			val := st.Value
			if val == "" {
				val = "true"
			}
			add(val)
		}
	}
	return out
}

func (e *Evaluator) pattern(p string) *regexp.Regexp {
	if cached, ok := e.patterns.Load(p); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil
	}
	e.patterns.Store(p, re)
	return re
}

// cleanSelection removes the given selectors from a clone of sel.
func cleanSelection(sel *goquery.Selection, remove []string) *goquery.Selection {
	if len(remove) == 0 || sel.Length() == 0 {
		return sel
	}
	clone := sel.Clone()
	for _, r := range remove {
		clone.Find(r).Remove()
	}
	return clone
}

func metaValue(page *goquery.Document, name string) string {
	if page == nil {
		return ""
	}
	if strings.EqualFold(name, "title") {
		return CleanText(page.Find("title").First().Text())
	}
	for _, attr := range []string{"name", "property", "itemprop"} {
		if v, ok := page.Find(fmt.Sprintf(`meta[%s=%q]`, attr, name)).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return CleanText(v)
		}
	}
	return ""
}
