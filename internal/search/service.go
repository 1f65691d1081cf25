package search

import (
	"context"

	"github.com/rs/zerolog"
)

type index interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  index
	fallback Searcher
	loader   RecordLoader
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	s := &Service{log: log}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	empty := Response{Results: []Result{}, Query: q.Text}
	if len(q.DocumentIDs) == 0 && q.UserID == "" {
		return empty
	}

	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: restrict(results, q.DocumentIDs), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return empty
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search")
		return empty
	}
	return Response{Results: restrict(results, q.DocumentIDs), Total: total, Query: q.Text}
}

// IndexDocument indexes a document (fire-and-forget to Meilisearch).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexDocuments([]DocumentRecord{doc}); err != nil {
			s.log.Warn().Err(err).Str("document_id", doc.ID).Msg("index document")
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.IndexComments([]CommentRecord{c}); err != nil {
			s.log.Warn().Err(err).Str("comment_id", c.ID).Msg("index comment")
		}
	}()
}

// DeleteComment removes a comment from the search index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteComment(id); err != nil {
			s.log.Warn().Err(err).Str("comment_id", id).Msg("delete comment from index")
		}
	}()
}

// DeleteDocument removes a document from the search index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteDocument(id); err != nil {
			s.log.Warn().Err(err).Str("document_id", id).Msg("delete document from index")
		}
	}()
}

// ReindexAll reads all entities from PG and pushes them to Meilisearch.
// Called at startup when Meilisearch is reachable.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.primaryReady() || s.loader == nil {
		return
	}
	documents, comments, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if len(documents) > 0 {
		if err := s.primary.IndexDocuments(documents); err != nil {
			s.log.Error().Err(err).Msg("reindex documents")
		}
	}
	if len(comments) > 0 {
		if err := s.primary.IndexComments(comments); err != nil {
			s.log.Error().Err(err).Msg("reindex comments")
		}
	}
	s.log.Info().Int("documents", len(documents)).Int("comments", len(comments)).Msg("search reindex complete")
}

// restrict drops hits outside the caller's readable documents. A nil
// allow-list means the backend already filtered by user.
func restrict(results []Result, documentIDs []string) []Result {
	out := make([]Result, 0, len(results))
	if documentIDs == nil {
		return append(out, results...)
	}
	allowed := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		allowed[id] = true
	}
	for _, r := range results {
		if allowed[r.DocumentID] {
			out = append(out, r)
		}
	}
	return out
}
