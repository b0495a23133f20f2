package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/foxzi/newsletter/internal/models"
)

// Resolver selects the subscribers a schedule targets
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver backed by the subscriber directory
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

type predicate func(*models.Subscriber) bool

// predicatesFor builds the filter chain for a schedule, always in the order
// active, verified, frequency, categories.
func predicatesFor(c models.Criteria) []predicate {
	var chain []predicate
	if c.ActiveOnly {
		chain = append(chain, func(s *models.Subscriber) bool { return s.Active })
	}
	if c.VerifiedOnly {
		chain = append(chain, func(s *models.Subscriber) bool { return s.EmailVerified })
	}
	if c.Frequency != nil {
		want := *c.Frequency
		chain = append(chain, func(s *models.Subscriber) bool { return s.Frequency == want })
	}
	if len(c.Categories) > 0 {
		ids := c.Categories
		chain = append(chain, func(s *models.Subscriber) bool { return s.InAnyCategory(ids) })
	}
	return chain
}

// Resolve returns the matching subscribers deduplicated by email, keeping
// the directory's order. The directory may pre-filter; the chain is applied
// again regardless.
func (r *Resolver) Resolve(ctx context.Context, s *models.Schedule) ([]models.Subscriber, error) {
	criteria := models.CriteriaFor(s)

	candidates, err := r.dir.ListEligible(ctx, criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}

	chain := predicatesFor(criteria)
	seen := make(map[string]struct{}, len(candidates))
	out := make([]models.Subscriber, 0, len(candidates))

next:
	for i := range candidates {
		sub := &candidates[i]
		for _, keep := range chain {
			if !keep(sub) {
				continue next
			}
		}
		key := strings.ToLower(strings.TrimSpace(sub.Email))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, *sub)
	}
	return out, nil
}
