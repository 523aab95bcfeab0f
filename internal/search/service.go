package search

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. Either backend may be nil: meili when
// Meilisearch is not configured, pgfts when the store is not Postgres.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Error().Err(err).Msg("search: pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// IndexPullRequest indexes a pull request (fire-and-forget to Meilisearch).
func (s *Service) IndexPullRequest(pr PullRequestRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexPullRequest(pr); err != nil {
			log.Warn().Err(err).Str("pr_id", pr.ID).Msg("search: index pull request")
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(c); err != nil {
			log.Warn().Err(err).Str("comment_id", c.ID).Msg("search: index comment")
		}
	}()
}

// ReindexAll pushes every record to Meilisearch.
func (s *Service) ReindexAll(prs []PullRequestRecord, comments []CommentRecord) {
	if !s.indexing() {
		return
	}
	if err := s.meili.IndexPullRequests(prs); err != nil {
		log.Warn().Err(err).Msg("search: reindex pull requests")
	}
	if err := s.meili.IndexComments(comments); err != nil {
		log.Warn().Err(err).Msg("search: reindex comments")
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexing() || s.pgfts == nil {
		return
	}
	prs, comments, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("search: reindex load failed")
		return
	}
	s.ReindexAll(prs, comments)
	log.Info().Int("pull_requests", len(prs)).Int("comments", len(comments)).Msg("search: reindexed")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
