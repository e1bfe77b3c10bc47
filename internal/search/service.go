package search

import (
	"context"
	"log"
	"strings"
)

// Service is the facade that tries Meilisearch first and falls back to the
// journal mirror's Postgres FTS.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if strings.TrimSpace(q.Text) == "" {
		return Response{Results: []Record{}, Total: 0, Query: q.Text}
	}

	if s.meili != nil && s.meili.Healthy() {
		records, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(records), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to mirror fts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Record{}, Total: 0, Query: q.Text}
	}
	records, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: mirror fts error: %v", err)
		return Response{Results: []Record{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(records), Total: total, Query: q.Text}
}

// Index pushes one annotation into Meilisearch (fire-and-forget).
func (s *Service) Index(record Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Index(record); err != nil {
			log.Printf("search: index annotation %s: %v", record.ID, err)
		}
	}()
}

// Delete removes one annotation from Meilisearch (fire-and-forget).
func (s *Service) Delete(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Delete(id); err != nil {
			log.Printf("search: delete annotation %s: %v", id, err)
		}
	}()
}

func nonNil(records []Record) []Record {
	if records == nil {
		return []Record{}
	}
	return records
}
