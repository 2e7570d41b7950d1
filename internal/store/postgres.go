package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateAnonymousUser(ctx context.Context, id, displayName string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, is_anonymous)
		VALUES ($1, $2, TRUE)
		RETURNING id, display_name, is_anonymous, created_at
	`, id, displayName).Scan(&user.ID, &user.DisplayName, &user.IsAnonymous, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert anonymous user: %w", err)
	}
	return user, nil
}

// EnsureUser upserts a user identity delivered by a custom token. Existing
// display names are kept unless the token carries a non-empty one.
func (s *PostgresStore) EnsureUser(ctx context.Context, id, displayName string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, is_anonymous)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (id) DO UPDATE
			SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE users.display_name END
		RETURNING id, display_name, is_anonymous, created_at
	`, id, displayName).Scan(&user.ID, &user.DisplayName, &user.IsAnonymous, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, is_anonymous, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.IsAnonymous, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- Refresh sessions / token revocation ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.is_anonymous, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.IsAnonymous, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- Books ---

// ListBooks returns the full books collection, newest-created first. The
// feed and the reconciler both depend on this ordering.
func (s *PostgresStore) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author, total_pages, created_at, created_by, is_deleted, deleted_at
		FROM books
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	items := make([]Book, 0)
	for rows.Next() {
		var item Book
		if err := rows.Scan(&item.ID, &item.Title, &item.Author, &item.TotalPages, &item.CreatedAt, &item.CreatedBy, &item.IsDeleted, &item.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBook(ctx context.Context, bookID string) (Book, error) {
	var item Book
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, total_pages, created_at, created_by, is_deleted, deleted_at
		FROM books
		WHERE id=$1
	`, bookID).Scan(&item.ID, &item.Title, &item.Author, &item.TotalPages, &item.CreatedAt, &item.CreatedBy, &item.IsDeleted, &item.DeletedAt)
	if err != nil {
		return Book{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertBook(ctx context.Context, item Book) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author, total_pages, created_at, created_by, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
	`, item.ID, item.Title, item.Author, item.TotalPages, item.CreatedAt, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// SetBookDeleted flips the soft-delete flag. deletedAt is nil on restore.
func (s *PostgresStore) SetBookDeleted(ctx context.Context, bookID string, deleted bool, deletedAt *int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE books SET is_deleted=$2, deleted_at=$3 WHERE id=$1
	`, bookID, deleted, deletedAt)
	if err != nil {
		return fmt.Errorf("set book deleted: %w", err)
	}
	return requireRowAffected(result)
}

// DeleteBook permanently removes only the book row. Progress and messages
// are intentionally left behind; the store has no cascading delete.
func (s *PostgresStore) DeleteBook(ctx context.Context, bookID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id=$1`, bookID)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	return requireRowAffected(result)
}

// --- Progress ---

func (s *PostgresStore) ListProgress(ctx context.Context) ([]Progress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, user_id, current_page, updated_at
		FROM progress
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	items := make([]Progress, 0)
	for rows.Next() {
		var item Progress
		if err := rows.Scan(&item.ID, &item.BookID, &item.UserID, &item.CurrentPage, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return items, nil
}

// UpsertProgress writes the single record keyed by (book, user).
func (s *PostgresStore) UpsertProgress(ctx context.Context, item Progress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (id, book_id, user_id, current_page, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (book_id, user_id) DO UPDATE SET current_page=EXCLUDED.current_page, updated_at=EXCLUDED.updated_at
	`, item.ID, item.BookID, item.UserID, item.CurrentPage, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// --- Messages ---

func (s *PostgresStore) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, user_id, page, message, created_at
		FROM messages
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.BookID, &item.UserID, &item.Page, &item.Message, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, book_id, user_id, page, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.BookID, item.UserID, item.Page, item.Message, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
