package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database lives only as long as its connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func (db *DB) Migrate() error {
	for _, m := range Migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Migrations are applied in order; each statement is idempotent
var Migrations = []string{
	migrationSchedules,
	migrationSubscribers,
	migrationSubscriberCategories,
	migrationArticles,
	migrationArticleCategories,
}

const migrationSchedules = `
CREATE TABLE IF NOT EXISTS schedules (
    id TEXT PRIMARY KEY,
    subject TEXT NOT NULL,
    template_key TEXT NOT NULL DEFAULT 'default',
    scheduled_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    sent_at TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'pending',
    category_filter JSON,
    frequency_filter TEXT,
    active_only INTEGER NOT NULL DEFAULT 1,
    verified_only INTEGER NOT NULL DEFAULT 1,
    recipient_count INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_schedules_status_scheduled ON schedules(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_schedules_created ON schedules(created_at);
`

const migrationSubscribers = `
CREATE TABLE IF NOT EXISTS subscribers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT UNIQUE NOT NULL COLLATE NOCASE,
    full_name TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    email_verified INTEGER NOT NULL DEFAULT 0,
    frequency TEXT NOT NULL DEFAULT 'weekly',
    unsubscribe_token TEXT NOT NULL DEFAULT '',
    last_email_sent_at TIMESTAMP,
    email_count INTEGER NOT NULL DEFAULT 0,
    subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_subscribers_active ON subscribers(active, email_verified);
`

const migrationSubscriberCategories = `
CREATE TABLE IF NOT EXISTS subscriber_categories (
    subscriber_id INTEGER NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
    category_id INTEGER NOT NULL,
    PRIMARY KEY (subscriber_id, category_id)
);
CREATE INDEX IF NOT EXISTS idx_subscriber_categories_category ON subscriber_categories(category_id);
`

const migrationArticles = `
CREATE TABLE IF NOT EXISTS articles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    published INTEGER NOT NULL DEFAULT 1,
    published_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at);
`

const migrationArticleCategories = `
CREATE TABLE IF NOT EXISTS article_categories (
    article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
    category_id INTEGER NOT NULL,
    PRIMARY KEY (article_id, category_id)
);
`
