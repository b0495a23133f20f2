package models

import (
	"slices"
	"time"
)

// Frequency is a subscriber's preferred delivery cadence
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is a known frequency
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Window returns how far back content is collected for this cadence
func (f Frequency) Window() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// ParseFrequency returns nil for an empty string
func ParseFrequency(s string) (*Frequency, bool) {
	if s == "" {
		return nil, true
	}
	f := Frequency(s)
	if !f.Valid() {
		return nil, false
	}
	return &f, true
}

// Subscriber is a read-only view of a newsletter subscriber
type Subscriber struct {
	ID               int64      `json:"id"`
	Email            string     `json:"email"`
	Name             string     `json:"name,omitempty"`
	Active           bool       `json:"active"`
	EmailVerified    bool       `json:"email_verified"`
	Frequency        Frequency  `json:"frequency"`
	Categories       []int64    `json:"categories,omitempty"`
	UnsubscribeToken string     `json:"-"`
	LastEmailSentAt  *time.Time `json:"last_email_sent_at,omitempty"`
	EmailCount       int        `json:"email_count"`
}

// InAnyCategory reports whether the subscriber follows at least one of ids
func (s *Subscriber) InAnyCategory(ids []int64) bool {
	for _, id := range s.Categories {
		if slices.Contains(ids, id) {
			return true
		}
	}
	return false
}

// Criteria is the targeting part of a schedule as seen by the subscriber directory
type Criteria struct {
	ActiveOnly   bool
	VerifiedOnly bool
	Frequency    *Frequency
	Categories   []int64
}

// CriteriaFor extracts targeting criteria from a schedule
func CriteriaFor(s *Schedule) Criteria {
	return Criteria{
		ActiveOnly:   s.ActiveOnly,
		VerifiedOnly: s.VerifiedOnly,
		Frequency:    s.FrequencyFilter,
		Categories:   s.CategoryFilter,
	}
}

// ArticleRef is an item of content included in a newsletter
type ArticleRef struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary,omitempty"`
	Categories  []int64   `json:"categories,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// ArticlesFor selects the articles relevant to a subscriber. Subscribers
// without category preferences receive everything.
func ArticlesFor(sub *Subscriber, articles []ArticleRef) []ArticleRef {
	if len(sub.Categories) == 0 {
		return articles
	}
	out := make([]ArticleRef, 0, len(articles))
	for _, a := range articles {
		if sub.InAnyCategory(a.Categories) {
			out = append(out, a)
		}
	}
	return out
}
