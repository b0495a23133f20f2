package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/newsletter/internal/models"
)

// ArticleRepository reads published articles for newsletter content
type ArticleRepository struct {
	db    *sql.DB
	limit int
}

// NewArticleRepository creates a repository returning at most limit articles
// per window. A non-positive limit returns everything.
func NewArticleRepository(db *sql.DB, limit int) *ArticleRepository {
	return &ArticleRepository{db: db, limit: limit}
}

// Create inserts an article with its categories
func (r *ArticleRepository) Create(ctx context.Context, a *models.ArticleRef) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"INSERT INTO articles (title, url, summary, published, published_at) VALUES (?, ?, ?, 1, ?)",
		a.Title, a.URL, a.Summary, a.PublishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create article: %w", err)
	}
	a.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to create article: %w", err)
	}

	for _, categoryID := range a.Categories {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO article_categories (article_id, category_id) VALUES (?, ?)",
			a.ID, categoryID); err != nil {
			return fmt.Errorf("failed to add article category: %w", err)
		}
	}

	return tx.Commit()
}

// ArticlesForWindow returns published articles newer than since, newest first
func (r *ArticleRepository) ArticlesForWindow(ctx context.Context, since time.Time) ([]models.ArticleRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.title, a.url, a.summary, a.published_at, COALESCE(GROUP_CONCAT(ac.category_id), '')
		FROM articles a
		LEFT JOIN article_categories ac ON ac.article_id = a.id
		WHERE a.published = 1 AND a.published_at >= ?
		GROUP BY a.id
		ORDER BY a.published_at DESC, a.id DESC
		LIMIT ?`, since.UTC(), limitOrAll(r.limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	articles := []models.ArticleRef{}
	for rows.Next() {
		var a models.ArticleRef
		var categories string
		if err := rows.Scan(&a.ID, &a.Title, &a.URL, &a.Summary, &a.PublishedAt, &categories); err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		if a.Categories, err = parseIDList(categories); err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}
