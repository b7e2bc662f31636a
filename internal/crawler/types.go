package crawler

import (
	"time"
)

// Field names used in chains, diagnostics and RawItem maps
const (
	FieldLink          = "link"
	FieldTitle         = "title"
	FieldPrice         = "price"
	FieldOriginalPrice = "original_price"
	FieldImage         = "image"
	FieldDescription   = "description"
	FieldAvailability  = "availability"
)

// itemFields lists the fields read for an item, in evaluation order.
var itemFields = []string{FieldTitle, FieldPrice, FieldOriginalPrice, FieldImage, FieldDescription, FieldAvailability}

// Candidate is a discovered URL believed to reference one item.
type Candidate struct {
	URL          string
	ListingURL   string
	Page         int
	DiscoveredAt time.Time
	// Category is the label configured on the listing the candidate came from.
	Category string
	// Snippet is the outer HTML of the listing card.
	Snippet string

	// card is the live card element on its listing page, set while walking.
	card *Document
}

// RawItem holds the raw strings extracted for one candidate.
type RawItem struct {
	Candidate Candidate
	Fields    map[string]string
	// Strategy records which index of each field's chain produced the value.
	Strategy map[string]int
	Images   []string
}

// Item is the final normalized record.
type Item struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Price          int64     `json:"price"`
	OriginalPrice  *int64    `json:"original_price"`
	ImageURL       *string   `json:"image_url"`
	Images         []string  `json:"images"`
	ItemURL        string    `json:"item_url"`
	Category       *string   `json:"category"`
	Tags           []string  `json:"tags"`
	InStock        *bool     `json:"in_stock"`
	Description    *string   `json:"description"`
	SourceTargetID string    `json:"source_target_id"`
	DiscoveredAt   time.Time `json:"discovered_at"`

	categorySource string
}

// populated counts the optional fields that carry a value.
func (it Item) populated() int {
	n := 0
	if it.ImageURL != nil {
		n++
	}
	if it.OriginalPrice != nil {
		n++
	}
	if it.Description != nil {
		n++
	}
	if it.Category != nil {
		n++
	}
	if it.InStock != nil {
		n++
	}
	if len(it.Tags) > 0 {
		n++
	}
	return n
}

// Outcome classifies a FetchResult.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// FetchResult is the outcome of one HTTP attempt, or of a scheduled series of attempts.
type FetchResult struct {
	Outcome  Outcome
	Body     []byte
	Status   int
	FinalURL string
	Reason   string
	Err      error
	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration
	// Exhausted is set when a retryable failure ran out of attempts.
	Exhausted bool
}

// OK reports whether the fetch succeeded.
func (r FetchResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}
