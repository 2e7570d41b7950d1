package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the books fts column with ts_headline
// snippets, skipping trashed books.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM books b
		WHERE NOT b.is_deleted AND b.fts @@ plainto_tsquery('english', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT b.id, b.title, b.author,
			ts_headline('english', b.title || ' by ' || b.author, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM books b
		WHERE NOT b.is_deleted AND b.fts @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(b.fts, plainto_tsquery('english', $1)) DESC, b.created_at DESC
		LIMIT %d OFFSET %d
	`, limit, offset), q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Author, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable books for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BookRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, author, is_deleted
		FROM books
	`)
	if err != nil {
		return nil, fmt.Errorf("load books: %w", err)
	}
	defer rows.Close()

	books := make([]BookRecord, 0)
	for rows.Next() {
		var b BookRecord
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.IsDeleted); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return books, nil
}
