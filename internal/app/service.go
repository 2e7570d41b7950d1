package app

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"duet/api/internal/auth"
	"duet/api/internal/config"
	"duet/api/internal/feed"
	"duet/api/internal/search"
	"duet/api/internal/store"
	"duet/api/internal/util"
	"duet/api/internal/views"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	IsAnonymous  bool
	JTI          string
	ExpiresAt    time.Time
}

type AddBookInput struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	TotalPages int    `json:"totalPages"`
}

type UpdateProgressInput struct {
	CurrentPage int `json:"currentPage"`
}

type PostMessageInput struct {
	Page    int    `json:"page"`
	Message string `json:"message"`
}

type OpenTopicInput struct {
	Page int `json:"page"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	CreateAnonymousUser(context.Context, string, string) (store.User, error)
	EnsureUser(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListBooks(context.Context) ([]store.Book, error)
	GetBook(context.Context, string) (store.Book, error)
	InsertBook(context.Context, store.Book) error
	SetBookDeleted(context.Context, string, bool, *int64) error
	DeleteBook(context.Context, string) error
	ListProgress(context.Context) ([]store.Progress, error)
	UpsertProgress(context.Context, store.Progress) error
	ListMessages(context.Context) ([]store.Message, error)
	InsertMessage(context.Context, store.Message) error
}

// sessionStore holds refresh tokens. Redis-backed when configured,
// otherwise the Postgres store satisfies it too.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type snapshotFeed interface {
	Broadcast(feed.Snapshot)
}

type bookSearcher interface {
	Search(search.Query) search.Response
	IndexBook(search.BookRecord)
	DeleteBook(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	feed     snapshotFeed
	search   bookSearcher
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, hub *feed.Hub, searchSvc *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
	}
	// Assigning a nil pointer would make the interface fields non-nil and
	// defeat the s.feed / s.search checks downstream.
	if hub != nil {
		svc.feed = hub
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// AnonymousLogin creates a throwaway reader identity. The returned refresh
// token is what makes the identity stable across reloads.
func (s *Service) AnonymousLogin(ctx context.Context, displayName string) (Session, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "Reader"
	}

	user, err := s.store.CreateAnonymousUser(ctx, util.NewID("usr"), name)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

// CustomTokenLogin exchanges a pre-issued signed token for a session,
// creating the user row on first sight.
func (s *Service) CustomTokenLogin(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseCustomToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.EnsureUser(ctx, claims.Sub, claims.Name)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The session backend may carry only the user id; read the rest from
	// the store so display names survive token rotation.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		IsAnonymous:  user.IsAnonymous,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		UserName:    user.DisplayName,
		IsAnonymous: user.IsAnonymous,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// AddBook creates a shelf entry. Total pages below one are bumped to one so
// the completion math never divides by zero.
func (s *Service) AddBook(ctx context.Context, session Session, input AddBookInput) (store.Book, error) {
	title := strings.TrimSpace(input.Title)
	author := strings.TrimSpace(input.Author)
	if title == "" {
		return store.Book{}, domainError(422, "VALIDATION_ERROR", "title is required", nil)
	}
	if author == "" {
		return store.Book{}, domainError(422, "VALIDATION_ERROR", "author is required", nil)
	}
	totalPages := input.TotalPages
	if totalPages < 1 {
		totalPages = 1
	}

	book := store.Book{
		ID:         util.NewID("book"),
		Title:      title,
		Author:     author,
		TotalPages: totalPages,
		CreatedAt:  nowMillis(),
		CreatedBy:  session.UserID,
		IsDeleted:  false,
	}
	if err := s.store.InsertBook(ctx, book); err != nil {
		return store.Book{}, err
	}

	s.indexBook(book)
	s.broadcastBooks(ctx)
	return book, nil
}

// UpdateProgress upserts the caller's bookmark. A page outside
// [0, totalPages] is rejected before any write happens.
func (s *Service) UpdateProgress(ctx context.Context, session Session, bookID string, input UpdateProgressInput) error {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if input.CurrentPage < 0 || input.CurrentPage > book.TotalPages {
		return domainError(422, "VALIDATION_ERROR", "currentPage must be between 0 and totalPages", map[string]any{
			"totalPages": book.TotalPages,
		})
	}

	record := store.Progress{
		ID:          store.ProgressID(bookID, session.UserID),
		BookID:      bookID,
		UserID:      session.UserID,
		CurrentPage: input.CurrentPage,
		UpdatedAt:   nowMillis(),
	}
	if err := s.store.UpsertProgress(ctx, record); err != nil {
		return err
	}

	s.broadcastProgress(ctx)
	return nil
}

func (s *Service) SoftDeleteBook(ctx context.Context, bookID string) error {
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return err
	}
	deletedAt := nowMillis()
	if err := s.store.SetBookDeleted(ctx, bookID, true, &deletedAt); err != nil {
		return err
	}

	s.removeBookFromIndex(bookID)
	s.broadcastBooks(ctx)
	return nil
}

func (s *Service) RestoreBook(ctx context.Context, bookID string) error {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if err := s.store.SetBookDeleted(ctx, bookID, false, nil); err != nil {
		return err
	}

	book.IsDeleted = false
	book.DeletedAt = nil
	s.indexBook(book)
	s.broadcastBooks(ctx)
	return nil
}

// PermanentDeleteBook removes the book row for good. Progress and messages
// referencing it are left behind; the reconciler simply stops surfacing them.
func (s *Service) PermanentDeleteBook(ctx context.Context, bookID string, confirmed bool) error {
	if !confirmed {
		return domainError(422, "CONFIRMATION_REQUIRED", "permanent delete requires confirm:true", nil)
	}
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return err
	}
	if err := s.store.DeleteBook(ctx, bookID); err != nil {
		return err
	}

	s.removeBookFromIndex(bookID)
	s.broadcastBooks(ctx)
	return nil
}

func (s *Service) PostMessage(ctx context.Context, session Session, bookID string, input PostMessageInput) (store.Message, error) {
	body := strings.TrimSpace(input.Message)
	if body == "" {
		return store.Message{}, domainError(422, "VALIDATION_ERROR", "message is required", nil)
	}
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return store.Message{}, err
	}
	if input.Page < 1 || input.Page > book.TotalPages {
		return store.Message{}, domainError(422, "VALIDATION_ERROR", "page must be between 1 and totalPages", map[string]any{
			"totalPages": book.TotalPages,
		})
	}

	message := store.Message{
		ID:        util.NewID("msg"),
		BookID:    bookID,
		UserID:    session.UserID,
		Page:      input.Page,
		Message:   body,
		CreatedAt: nowMillis(),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return store.Message{}, err
	}

	s.broadcastMessages(ctx)
	return message, nil
}

// OpenTopic announces a new page discussion with a system-authored message.
func (s *Service) OpenTopic(ctx context.Context, session Session, bookID string, input OpenTopicInput) (store.Message, error) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return store.Message{}, err
	}
	if input.Page < 1 || input.Page > book.TotalPages {
		return store.Message{}, domainError(422, "VALIDATION_ERROR", "page must be between 1 and totalPages", map[string]any{
			"totalPages": book.TotalPages,
		})
	}

	announcement := store.Message{
		ID:        util.NewID("msg"),
		BookID:    bookID,
		UserID:    store.SystemUserID,
		Page:      input.Page,
		Message:   "Page " + strconv.Itoa(input.Page) + " discussion opened",
		CreatedAt: nowMillis(),
	}
	if err := s.store.InsertMessage(ctx, announcement); err != nil {
		return store.Message{}, err
	}

	s.broadcastMessages(ctx)
	return announcement, nil
}

// Library reconciles the full snapshots into the caller's shelf view.
func (s *Service) Library(ctx context.Context, session Session) (views.Library, error) {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return views.Library{}, err
	}
	return views.Reconcile(snap, session.UserID), nil
}

func (s *Service) Topics(ctx context.Context, bookID string) ([]int, error) {
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx)
	if err != nil {
		return nil, err
	}
	return views.Topics(messages, bookID), nil
}

func (s *Service) Thread(ctx context.Context, bookID string, page int) ([]store.Message, error) {
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx)
	if err != nil {
		return nil, err
	}
	return views.Thread(messages, bookID, page), nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// InitialSnapshots is what a feed subscriber receives right after connecting.
func (s *Service) InitialSnapshots(ctx context.Context) ([]feed.Snapshot, error) {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return []feed.Snapshot{
		{Collection: feed.CollectionBooks, Docs: snap.Books},
		{Collection: feed.CollectionProgress, Docs: snap.Progress},
		{Collection: feed.CollectionMessages, Docs: snap.Messages},
	}, nil
}

func (s *Service) loadSnapshot(ctx context.Context) (views.Snapshot, error) {
	books, err := s.store.ListBooks(ctx)
	if err != nil {
		return views.Snapshot{}, err
	}
	progress, err := s.store.ListProgress(ctx)
	if err != nil {
		return views.Snapshot{}, err
	}
	messages, err := s.store.ListMessages(ctx)
	if err != nil {
		return views.Snapshot{}, err
	}
	return views.Snapshot{Books: books, Progress: progress, Messages: messages}, nil
}

// Broadcast helpers reload the whole collection after a committed write: the
// feed carries full snapshots, never diffs. A reload failure skips the
// broadcast and the last snapshot stands.

func (s *Service) broadcastBooks(ctx context.Context) {
	if s.feed == nil {
		return
	}
	books, err := s.store.ListBooks(ctx)
	if err != nil {
		log.Printf("feed: reload books snapshot: %v", err)
		return
	}
	s.feed.Broadcast(feed.Snapshot{Collection: feed.CollectionBooks, Docs: books})
}

func (s *Service) broadcastProgress(ctx context.Context) {
	if s.feed == nil {
		return
	}
	progress, err := s.store.ListProgress(ctx)
	if err != nil {
		log.Printf("feed: reload progress snapshot: %v", err)
		return
	}
	s.feed.Broadcast(feed.Snapshot{Collection: feed.CollectionProgress, Docs: progress})
}

func (s *Service) broadcastMessages(ctx context.Context) {
	if s.feed == nil {
		return
	}
	messages, err := s.store.ListMessages(ctx)
	if err != nil {
		log.Printf("feed: reload messages snapshot: %v", err)
		return
	}
	s.feed.Broadcast(feed.Snapshot{Collection: feed.CollectionMessages, Docs: messages})
}

func (s *Service) indexBook(book store.Book) {
	if s.search == nil {
		return
	}
	s.search.IndexBook(search.BookRecord{
		ID:        book.ID,
		Title:     book.Title,
		Author:    book.Author,
		IsDeleted: book.IsDeleted,
	})
}

func (s *Service) removeBookFromIndex(bookID string) {
	if s.search == nil {
		return
	}
	s.search.DeleteBook(bookID)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
