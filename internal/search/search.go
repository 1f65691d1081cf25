package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultComment  ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
}

// Query describes a search request. DocumentIDs is the set of documents the
// caller may read; hits outside it are never returned.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	UserID      string
	DocumentIDs []string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexDocuments(docs []DocumentRecord) error
	IndexComments(comments []CommentRecord) error
	DeleteDocument(id string) error
	DeleteComment(id string) error
}

// RecordLoader reads every searchable record for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]DocumentRecord, []CommentRecord, error)
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Status     string `json:"status"`
	OwnerID    string `json:"ownerId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID            string `json:"id"`
	DocumentID    string `json:"documentId"`
	DocumentTitle string `json:"documentTitle"`
	UserID        string `json:"userId"`
	Content       string `json:"content"`
	Resolved      bool   `json:"resolved"`
}
