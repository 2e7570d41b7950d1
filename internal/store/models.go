package store

import "time"

// Timestamps are epoch milliseconds throughout, matching the wire format the
// feed delivers to clients.

type User struct {
	ID          string
	DisplayName string
	IsAnonymous bool
	CreatedAt   time.Time
}

type Book struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	TotalPages int    `json:"totalPages"`
	CreatedAt  int64  `json:"createdAt"`
	CreatedBy  string `json:"createdBy"`
	IsDeleted  bool   `json:"isDeleted"`
	DeletedAt  *int64 `json:"deletedAt"`
}

// Progress is keyed by {bookId}_{userId}; at most one record per pair.
type Progress struct {
	ID          string `json:"id"`
	BookID      string `json:"bookId"`
	UserID      string `json:"userId"`
	CurrentPage int    `json:"currentPage"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Message is a discussion entry attached to one page of one book. UserID may
// be the "system" sentinel for topic-opening announcements.
type Message struct {
	ID        string `json:"id"`
	BookID    string `json:"bookId"`
	UserID    string `json:"userId"`
	Page      int    `json:"page"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}

// SystemUserID is the sentinel author for system-generated messages.
const SystemUserID = "system"

// ProgressID builds the composite progress key for a (book, user) pair.
func ProgressID(bookID, userID string) string {
	return bookID + "_" + userID
}
