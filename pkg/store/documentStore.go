package store

import (
	"context"
)

// BasicAuth is a per-request credential pair.
type BasicAuth struct {
	Username string
	Password string
}

// Document is one index request.
type Document struct {
	Index   string
	ID      string // empty lets the store assign one
	DocType string
	Body    map[string]any
	Auth    *BasicAuth // overrides the connection credentials when set
}

// Hit is a stored document returned by Scan.
type Hit struct {
	Index  string
	ID     string
	Source map[string]any
}

// DocumentStore writes documents to the search backend.
type DocumentStore interface {
	// Index stores doc, replacing any document with the same index and id.
	Index(ctx context.Context, doc *Document) error
}

// Scanner iterates and removes stored documents for maintenance jobs.
type Scanner interface {
	// Scan calls fn for every document in the indices matching pattern.
	Scan(ctx context.Context, pattern string, pageSize int, fn func(Hit) error) error
	// Delete removes one document.
	Delete(ctx context.Context, index, id string, auth *BasicAuth) error
}
