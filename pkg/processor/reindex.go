package processor

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/zoff-tech/elasticsearch-raven/pkg/store"
)

// ReindexStore is what Reindex needs from the document store.
type ReindexStore interface {
	store.DocumentStore
	store.Scanner
}

// ReindexResult counts the documents Reindex looked at and moved.
type ReindexResult struct {
	Logs     int
	Modified int
}

// Reindex recomputes the content hash of every document in the indices
// matching pattern. A document stored under a different id is indexed again
// under its hash and the old copy is deleted.
func Reindex(ctx context.Context, s ReindexStore, pattern, docType string, auth *store.BasicAuth, log zerolog.Logger) (ReindexResult, error) {
	var result ReindexResult
	err := s.Scan(ctx, pattern, 1000, func(hit store.Hit) error {
		result.Logs++
		id, err := HashDocument(hit.Source)
		if err != nil {
			return errors.Wrapf(err, "hash %s/%s", hit.Index, hit.ID)
		}
		if id == hit.ID {
			return nil
		}

		result.Modified++
		log.Debug().Str("index", hit.Index).Str("old_id", hit.ID).Str("id", id).Msg("moving document")
		if err := s.Index(ctx, &store.Document{
			Index:   hit.Index,
			ID:      id,
			DocType: docType,
			Body:    hit.Source,
			Auth:    auth,
		}); err != nil {
			return errors.Wrapf(err, "index %s/%s", hit.Index, id)
		}
		return errors.Wrapf(s.Delete(ctx, hit.Index, hit.ID, auth), "delete %s/%s", hit.Index, hit.ID)
	})
	return result, err
}
