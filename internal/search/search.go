package search

// Result is a single shelf search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	Snippet string `json:"snippet"`
}

// Query describes a shelf search request. Trashed books never match.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a title/author search over the shelf.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// BookRecord is the data we index for a book.
type BookRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	IsDeleted bool   `json:"isDeleted"`
}
