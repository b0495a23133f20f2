package feed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/foxzi/newsletter/internal/models"
)

// Source is a feed URL whose items are tagged with a category
type Source struct {
	URL        string
	CategoryID int64
}

// Supply serves newsletter content from RSS/Atom feeds
type Supply struct {
	sources []Source
	limit   int
	timeout time.Duration
	logger  *slog.Logger
}

// NewSupply creates a feed-backed content supply. A non-positive limit
// returns every item in the window.
func NewSupply(sources []Source, limit int, logger *slog.Logger) *Supply {
	return &Supply{
		sources: sources,
		limit:   limit,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "feed"),
	}
}

// ArticlesForWindow fetches all feeds and returns items published since the
// given time, newest first. One broken feed does not fail the others.
func (s *Supply) ArticlesForWindow(ctx context.Context, since time.Time) ([]models.ArticleRef, error) {
	var articles []models.ArticleRef
	var errs []error

	// gofeed parsers keep per-parse state; concurrent schedules each get their own
	parser := gofeed.NewParser()
	for _, src := range s.sources {
		fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		parsed, err := parser.ParseURLWithContext(src.URL, fetchCtx)
		cancel()
		if err != nil {
			s.logger.Warn("failed to fetch feed", "url", src.URL, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.URL, err))
			continue
		}
		articles = append(articles, Articles(parsed, src.CategoryID, since)...)
	}

	if len(articles) == 0 && len(errs) > 0 && len(errs) == len(s.sources) {
		return nil, fmt.Errorf("all feeds failed: %w", errors.Join(errs...))
	}

	articles = dedupe(articles)
	slices.SortStableFunc(articles, func(a, b models.ArticleRef) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
	if s.limit > 0 && len(articles) > s.limit {
		articles = articles[:s.limit]
	}
	return articles, nil
}

// Articles converts parsed feed items published since the given time
func Articles(f *gofeed.Feed, categoryID int64, since time.Time) []models.ArticleRef {
	out := make([]models.ArticleRef, 0, len(f.Items))
	for _, item := range f.Items {
		published := publishedAt(item)
		if published.IsZero() || published.Before(since) {
			continue
		}

		a := models.ArticleRef{
			ID:          itemID(item),
			Title:       strings.TrimSpace(item.Title),
			URL:         item.Link,
			Summary:     strings.TrimSpace(item.Description),
			PublishedAt: published,
		}
		if categoryID != 0 {
			a.Categories = []int64{categoryID}
		}
		out = append(out, a)
	}
	return out
}

func publishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

// itemID derives a stable positive id from the item GUID, or its link
func itemID(item *gofeed.Item) int64 {
	key := item.GUID
	if key == "" {
		key = item.Link
	}
	if key == "" {
		key = item.Title
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64() >> 1)
}

// dedupe merges items appearing in several feeds, unioning their categories
func dedupe(articles []models.ArticleRef) []models.ArticleRef {
	seen := make(map[int64]int, len(articles))
	out := articles[:0]
	for _, a := range articles {
		if i, ok := seen[a.ID]; ok {
			for _, c := range a.Categories {
				if !slices.Contains(out[i].Categories, c) {
					out[i].Categories = append(out[i].Categories, c)
				}
			}
			continue
		}
		seen[a.ID] = len(out)
		out = append(out, a)
	}
	return out
}
