// Package views derives client-facing view state from full collection
// snapshots. Every function here is a pure projection of its inputs: no
// store access, no clock, no hidden state, so replaying the same snapshots
// always yields the same result.
package views

import (
	"math"
	"sort"

	"duet/api/internal/store"
)

// Snapshot bundles the latest full contents of the three collections. Each
// field replaces its collection entirely; the reconciler never patches
// previous state.
type Snapshot struct {
	Books    []store.Book
	Progress []store.Progress
	Messages []store.Message
}

// BookView is one shelf entry with both participants' progress resolved.
type BookView struct {
	Book            store.Book     `json:"book"`
	MyProgress      store.Progress `json:"myProgress"`
	PartnerProgress store.Progress `json:"partnerProgress"`
	MyPercent       int            `json:"myPercent"`
	PartnerPercent  int            `json:"partnerPercent"`
}

// Library is the partitioned shelf. Every book appears in exactly one of
// Reading, Completed, or Trash. Ready is false until an identity is known;
// the lists are empty in that case.
type Library struct {
	Ready     bool       `json:"ready"`
	Reading   []BookView `json:"reading"`
	Completed []BookView `json:"completed"`
	Trash     []BookView `json:"trash"`
}

// Reconcile partitions the books snapshot for the given user. Partition
// order inherits the snapshot order (newest-created first as delivered by
// the store).
func Reconcile(snap Snapshot, userID string) Library {
	lib := Library{
		Reading:   []BookView{},
		Completed: []BookView{},
		Trash:     []BookView{},
	}
	if userID == "" {
		return lib
	}
	lib.Ready = true

	for _, book := range snap.Books {
		view := buildBookView(book, snap.Progress, userID)
		switch {
		case book.IsDeleted:
			lib.Trash = append(lib.Trash, view)
		case isCompleted(book, view.MyProgress, view.PartnerProgress):
			lib.Completed = append(lib.Completed, view)
		default:
			lib.Reading = append(lib.Reading, view)
		}
	}
	return lib
}

func buildBookView(book store.Book, progress []store.Progress, userID string) BookView {
	my := MyProgress(progress, book.ID, userID)
	partner := PartnerProgress(progress, book.ID, userID)
	return BookView{
		Book:            book,
		MyProgress:      my,
		PartnerProgress: partner,
		MyPercent:       Percentage(my.CurrentPage, book.TotalPages),
		PartnerPercent:  Percentage(partner.CurrentPage, book.TotalPages),
	}
}

// A book is completed only when both the caller and a distinct other user
// have reached the last page. A missing partner counts as page zero, so a
// book with no partner record is never completed.
func isCompleted(book store.Book, my, partner store.Progress) bool {
	return my.CurrentPage >= book.TotalPages && partner.CurrentPage >= book.TotalPages
}

// MyProgress returns the (book, user) record, or a synthetic zero-page
// record when none exists.
func MyProgress(progress []store.Progress, bookID, userID string) store.Progress {
	for _, record := range progress {
		if record.BookID == bookID && record.UserID == userID {
			return record
		}
	}
	return store.Progress{
		ID:     store.ProgressID(bookID, userID),
		BookID: bookID,
		UserID: userID,
	}
}

// PartnerProgress returns the progress record of the other participant: the
// record on this book whose user differs from userID. When several other
// users hold records, the one with the earliest updatedAt wins, ties broken
// by smallest userId, so the choice is stable under snapshot reordering.
// A synthetic zero-page record is returned when no partner record exists.
func PartnerProgress(progress []store.Progress, bookID, userID string) store.Progress {
	var partner *store.Progress
	for i := range progress {
		record := &progress[i]
		if record.BookID != bookID || record.UserID == userID {
			continue
		}
		if partner == nil || earlier(*record, *partner) {
			partner = record
		}
	}
	if partner == nil {
		return store.Progress{BookID: bookID}
	}
	return *partner
}

func earlier(a, b store.Progress) bool {
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt < b.UpdatedAt
	}
	return a.UserID < b.UserID
}

// Percentage reports reading completion as a whole number in [0,100].
// Zero or negative page counts yield 0.
func Percentage(currentPage, totalPages int) int {
	if totalPages <= 0 || currentPage <= 0 {
		return 0
	}
	ratio := float64(currentPage) / float64(totalPages)
	if ratio > 1 {
		ratio = 1
	}
	return int(math.Round(ratio * 100))
}

// Topics projects the de-duplicated, ascending page numbers that carry at
// least one message for the book.
func Topics(messages []store.Message, bookID string) []int {
	seen := map[int]struct{}{}
	pages := []int{}
	for _, message := range messages {
		if message.BookID != bookID {
			continue
		}
		if _, ok := seen[message.Page]; ok {
			continue
		}
		seen[message.Page] = struct{}{}
		pages = append(pages, message.Page)
	}
	sort.Ints(pages)
	return pages
}

// Thread returns the book's messages for one page, ordered ascending by
// createdAt. Messages with equal timestamps keep their snapshot order.
func Thread(messages []store.Message, bookID string, page int) []store.Message {
	thread := []store.Message{}
	for _, message := range messages {
		if message.BookID == bookID && message.Page == page {
			thread = append(thread, message)
		}
	}
	sort.SliceStable(thread, func(i, j int) bool {
		return thread[i].CreatedAt < thread[j].CreatedAt
	})
	return thread
}
