package content

import (
	"context"
	"database/sql"
	"time"

	"github.com/labelport/labelport/internal/db"
)

// CacheEntry describes one cached download.
type CacheEntry struct {
	Key         string
	URL         string
	Path        string
	Size        int64
	ContentType string
	FetchedAt   time.Time
	LastUsedAt  time.Time
}

// CacheIndex records what is in the content cache directory.
type CacheIndex interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, e *CacheEntry) error
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	TotalSize(ctx context.Context) (int64, error)
	LeastRecentlyUsed(ctx context.Context, limit int) ([]*CacheEntry, error)
}

type SQLiteCacheIndex struct {
	db *sql.DB
}

func NewSQLiteCacheIndex(db *sql.DB) *SQLiteCacheIndex {
	return &SQLiteCacheIndex{db: db}
}

func (r *SQLiteCacheIndex) Get(ctx context.Context, key string) (*CacheEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT key, url, path, size, content_type, fetched_at, last_used_at
		FROM content_cache WHERE key = ?
	`, key)

	var e CacheEntry
	var contentType sql.NullString
	var fetchedAt, lastUsedAt string
	err := row.Scan(&e.Key, &e.URL, &e.Path, &e.Size, &contentType, &fetchedAt, &lastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ContentType = contentType.String
	e.FetchedAt, _ = time.Parse(db.TimeLayout, fetchedAt)
	e.LastUsedAt, _ = time.Parse(db.TimeLayout, lastUsedAt)
	return &e, nil
}

func (r *SQLiteCacheIndex) Put(ctx context.Context, e *CacheEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO content_cache (key, url, path, size, content_type, fetched_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			url = excluded.url,
			path = excluded.path,
			size = excluded.size,
			content_type = excluded.content_type,
			fetched_at = excluded.fetched_at,
			last_used_at = excluded.last_used_at
	`, e.Key, e.URL, e.Path, e.Size, nullString(e.ContentType),
		e.FetchedAt.UTC().Format(db.TimeLayout), e.LastUsedAt.UTC().Format(db.TimeLayout))
	return err
}

func (r *SQLiteCacheIndex) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE content_cache SET last_used_at = ? WHERE key = ?`,
		at.UTC().Format(db.TimeLayout), key)
	return err
}

func (r *SQLiteCacheIndex) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM content_cache WHERE key = ?", key)
	return err
}

func (r *SQLiteCacheIndex) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM content_cache").Scan(&total)
	return total, err
}

func (r *SQLiteCacheIndex) LeastRecentlyUsed(ctx context.Context, limit int) ([]*CacheEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, url, path, size, content_type, fetched_at, last_used_at
		FROM content_cache ORDER BY last_used_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*CacheEntry
	for rows.Next() {
		var e CacheEntry
		var contentType sql.NullString
		var fetchedAt, lastUsedAt string
		if err := rows.Scan(&e.Key, &e.URL, &e.Path, &e.Size, &contentType, &fetchedAt, &lastUsedAt); err != nil {
			return nil, err
		}
		e.ContentType = contentType.String
		e.FetchedAt, _ = time.Parse(db.TimeLayout, fetchedAt)
		e.LastUsedAt, _ = time.Parse(db.TimeLayout, lastUsedAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
