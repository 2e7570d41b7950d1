package views

import (
	"reflect"
	"testing"

	"duet/api/internal/store"
)

const (
	me      = "user-me"
	partner = "user-partner"
)

func book(id string, totalPages int, deleted bool) store.Book {
	return store.Book{
		ID:         id,
		Title:      "Book " + id,
		Author:     "Author",
		TotalPages: totalPages,
		CreatedAt:  1000,
		CreatedBy:  me,
		IsDeleted:  deleted,
	}
}

func progress(bookID, userID string, page int, updatedAt int64) store.Progress {
	return store.Progress{
		ID:          store.ProgressID(bookID, userID),
		BookID:      bookID,
		UserID:      userID,
		CurrentPage: page,
		UpdatedAt:   updatedAt,
	}
}

func message(id, bookID, userID string, page int, createdAt int64) store.Message {
	return store.Message{
		ID:        id,
		BookID:    bookID,
		UserID:    userID,
		Page:      page,
		Message:   "m-" + id,
		CreatedAt: createdAt,
	}
}

func TestReconcileWithoutIdentityIsNotReady(t *testing.T) {
	snap := Snapshot{
		Books:    []store.Book{book("b1", 100, false)},
		Progress: []store.Progress{progress("b1", me, 50, 1)},
	}

	lib := Reconcile(snap, "")

	if lib.Ready {
		t.Fatal("expected not-ready library before identity resolves")
	}
	if len(lib.Reading)+len(lib.Completed)+len(lib.Trash) != 0 {
		t.Fatalf("expected empty partitions, got %+v", lib)
	}
}

func TestReconcileFreshBookIsReading(t *testing.T) {
	snap := Snapshot{Books: []store.Book{book("b1", 100, false)}}

	lib := Reconcile(snap, me)

	if !lib.Ready {
		t.Fatal("expected ready library")
	}
	if len(lib.Reading) != 1 || len(lib.Completed) != 0 || len(lib.Trash) != 0 {
		t.Fatalf("expected book in reading, got %+v", lib)
	}
	view := lib.Reading[0]
	if view.MyProgress.CurrentPage != 0 || view.PartnerProgress.CurrentPage != 0 {
		t.Fatalf("expected synthetic zero progress, got %+v", view)
	}
	if view.MyPercent != 0 || view.PartnerPercent != 0 {
		t.Fatalf("expected 0%%, got my=%d partner=%d", view.MyPercent, view.PartnerPercent)
	}
}

func TestReconcileFinishedAloneIsStillReading(t *testing.T) {
	snap := Snapshot{
		Books:    []store.Book{book("b1", 100, false)},
		Progress: []store.Progress{progress("b1", me, 100, 1)},
	}

	lib := Reconcile(snap, me)

	if len(lib.Reading) != 1 || len(lib.Completed) != 0 {
		t.Fatalf("book without partner record must stay in reading, got %+v", lib)
	}
	if lib.Reading[0].MyPercent != 100 {
		t.Fatalf("expected my percent 100, got %d", lib.Reading[0].MyPercent)
	}
}

func TestReconcileBothFinishedIsCompleted(t *testing.T) {
	snap := Snapshot{
		Books: []store.Book{book("b1", 100, false)},
		Progress: []store.Progress{
			progress("b1", me, 100, 1),
			progress("b1", partner, 100, 2),
		},
	}

	lib := Reconcile(snap, me)

	if len(lib.Completed) != 1 || len(lib.Reading) != 0 {
		t.Fatalf("expected completed book, got %+v", lib)
	}
}

func TestReconcileDeletedBookIsTrashOnly(t *testing.T) {
	deletedAt := int64(5000)
	deleted := book("b1", 100, true)
	deleted.DeletedAt = &deletedAt
	snap := Snapshot{
		Books: []store.Book{deleted},
		Progress: []store.Progress{
			progress("b1", me, 100, 1),
			progress("b1", partner, 100, 2),
		},
	}

	lib := Reconcile(snap, me)

	if len(lib.Trash) != 1 || len(lib.Reading) != 0 || len(lib.Completed) != 0 {
		t.Fatalf("deleted book must appear only in trash, got %+v", lib)
	}
}

func TestReconcileEveryBookInExactlyOnePartition(t *testing.T) {
	snap := Snapshot{
		Books: []store.Book{
			book("b1", 100, false),
			book("b2", 50, false),
			book("b3", 10, true),
			book("b4", 200, false),
		},
		Progress: []store.Progress{
			progress("b2", me, 50, 1),
			progress("b2", partner, 50, 2),
			progress("b4", me, 150, 3),
		},
	}

	lib := Reconcile(snap, me)

	total := len(lib.Reading) + len(lib.Completed) + len(lib.Trash)
	if total != len(snap.Books) {
		t.Fatalf("expected %d partitioned books, got %d", len(snap.Books), total)
	}
	seen := map[string]int{}
	for _, view := range lib.Reading {
		seen[view.Book.ID]++
	}
	for _, view := range lib.Completed {
		seen[view.Book.ID]++
	}
	for _, view := range lib.Trash {
		seen[view.Book.ID]++
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("book %s appeared %d times", id, count)
		}
	}
}

func TestReconcileInheritsSnapshotOrder(t *testing.T) {
	snap := Snapshot{
		Books: []store.Book{
			book("newest", 100, false),
			book("middle", 100, false),
			book("oldest", 100, false),
		},
	}

	lib := Reconcile(snap, me)

	got := []string{}
	for _, view := range lib.Reading {
		got = append(got, view.Book.ID)
	}
	want := []string{"newest", "middle", "oldest"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected order %v, got %v", want, got)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	snap := Snapshot{
		Books: []store.Book{book("b1", 100, false), book("b2", 10, true)},
		Progress: []store.Progress{
			progress("b1", me, 30, 1),
			progress("b1", partner, 70, 2),
		},
		Messages: []store.Message{message("m1", "b1", me, 12, 1)},
	}

	first := Reconcile(snap, me)
	second := Reconcile(snap, me)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Reconcile is not idempotent: %+v vs %+v", first, second)
	}
}

func TestPartnerProgressPrefersEarliestUpdate(t *testing.T) {
	records := []store.Progress{
		progress("b1", "user-c", 40, 300),
		progress("b1", "user-a", 20, 100),
		progress("b1", "user-b", 30, 200),
	}

	got := PartnerProgress(records, "b1", me)
	if got.UserID != "user-a" {
		t.Fatalf("expected earliest-updated partner user-a, got %s", got.UserID)
	}

	// Same records in any order must select the same partner.
	permuted := []store.Progress{records[2], records[0], records[1]}
	if again := PartnerProgress(permuted, "b1", me); again.UserID != got.UserID {
		t.Fatalf("partner selection changed under reordering: %s vs %s", again.UserID, got.UserID)
	}
}

func TestPartnerProgressBreaksTimestampTiesByUserID(t *testing.T) {
	records := []store.Progress{
		progress("b1", "user-z", 10, 100),
		progress("b1", "user-a", 20, 100),
	}

	if got := PartnerProgress(records, "b1", me); got.UserID != "user-a" {
		t.Fatalf("expected tie broken by smallest userId, got %s", got.UserID)
	}
}

func TestPartnerProgressDefaultsToZero(t *testing.T) {
	records := []store.Progress{progress("b1", me, 50, 1)}

	got := PartnerProgress(records, "b1", me)
	if got.CurrentPage != 0 || got.UserID != "" {
		t.Fatalf("expected synthetic zero partner record, got %+v", got)
	}
}

func TestMyProgressDefaultsToZero(t *testing.T) {
	got := MyProgress(nil, "b1", me)
	if got.CurrentPage != 0 || got.ID != store.ProgressID("b1", me) {
		t.Fatalf("expected synthetic zero record keyed by (book,user), got %+v", got)
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name        string
		currentPage int
		totalPages  int
		want        int
	}{
		{"zero page", 0, 100, 0},
		{"zero total", 50, 0, 0},
		{"negative total", 50, -1, 0},
		{"halfway", 50, 100, 50},
		{"rounds up", 1, 3, 33},
		{"rounds to nearest", 2, 3, 67},
		{"finished", 100, 100, 100},
		{"clamped above total", 150, 100, 100},
		{"single page book", 1, 1, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percentage(tt.currentPage, tt.totalPages); got != tt.want {
				t.Errorf("Percentage(%d, %d) = %d, want %d", tt.currentPage, tt.totalPages, got, tt.want)
			}
		})
	}
}

func TestPercentageMonotonicInCurrentPage(t *testing.T) {
	previous := 0
	for page := 0; page <= 120; page++ {
		got := Percentage(page, 100)
		if got < previous {
			t.Fatalf("percentage decreased at page %d: %d < %d", page, got, previous)
		}
		previous = got
	}
}

func TestTopicsDeduplicatesAndSorts(t *testing.T) {
	messages := []store.Message{
		message("m1", "b1", me, 42, 1),
		message("m2", "b1", partner, 7, 2),
		message("m3", "b1", me, 42, 3),
		message("m4", "other", me, 3, 4),
		message("m5", "b1", store.SystemUserID, 100, 5),
	}

	got := Topics(messages, "b1")
	want := []int{7, 42, 100}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected topics %v, got %v", want, got)
	}
}

func TestTopicsEmptyForUnknownBook(t *testing.T) {
	if got := Topics(nil, "missing"); len(got) != 0 {
		t.Fatalf("expected no topics, got %v", got)
	}
}

func TestOpeningTopicAddsExactlyOneTopic(t *testing.T) {
	messages := []store.Message{
		message("m1", "b1", store.SystemUserID, 42, 1),
	}
	before := Topics(messages, "b1")

	// Further chat on the active topic never adds topics.
	messages = append(messages,
		message("m2", "b1", me, 42, 2),
		message("m3", "b1", partner, 42, 3),
	)
	after := Topics(messages, "b1")

	if !reflect.DeepEqual(before, []int{42}) || !reflect.DeepEqual(after, []int{42}) {
		t.Fatalf("expected topic 42 exactly once, got before=%v after=%v", before, after)
	}
}

func TestThreadSortedByCreatedAt(t *testing.T) {
	messages := []store.Message{
		message("m3", "b1", me, 42, 300),
		message("m1", "b1", store.SystemUserID, 42, 100),
		message("m4", "b1", partner, 7, 50),
		message("m2", "b1", partner, 42, 200),
	}

	thread := Thread(messages, "b1", 42)

	if len(thread) != 3 {
		t.Fatalf("expected 3 messages in thread, got %d", len(thread))
	}
	for i := 1; i < len(thread); i++ {
		if thread[i].CreatedAt < thread[i-1].CreatedAt {
			t.Fatalf("thread out of order at %d: %+v", i, thread)
		}
	}
	if thread[0].ID != "m1" || thread[2].ID != "m3" {
		t.Fatalf("unexpected thread order: %+v", thread)
	}
}

func TestThreadStableForEqualTimestamps(t *testing.T) {
	messages := []store.Message{
		message("first", "b1", me, 1, 100),
		message("second", "b1", partner, 1, 100),
	}

	thread := Thread(messages, "b1", 1)
	if thread[0].ID != "first" || thread[1].ID != "second" {
		t.Fatalf("equal timestamps must keep snapshot order, got %+v", thread)
	}
}
