package search

import (
	"context"

	"radview/api/internal/journal"
)

// mirrorStore is the slice of the journal the fallback needs.
type mirrorStore interface {
	SearchMirror(ctx context.Context, text, studyUID string, limit int) ([]journal.MirrorRecord, error)
}

// MirrorFTS implements Searcher over the journal's annotation mirror using
// PostgreSQL full-text search. Serves as the fallback when Meilisearch is
// unconfigured or unhealthy.
type MirrorFTS struct {
	store mirrorStore
}

// NewMirrorFTS creates the Postgres-backed fallback searcher.
func NewMirrorFTS(store mirrorStore) *MirrorFTS {
	return &MirrorFTS{store: store}
}

// Healthy always returns true. If Postgres is down, the whole gateway is down.
func (m *MirrorFTS) Healthy() bool {
	return true
}

// Search runs the query against the mirrored annotations. The study filter
// is part of the SQL query, so a filtered search still fills its limit.
func (m *MirrorFTS) Search(ctx context.Context, q Query) ([]Record, int, error) {
	hits, err := m.store.SearchMirror(ctx, q.Text, q.FilterStudyUID, q.Limit)
	if err != nil {
		return nil, 0, err
	}

	records := make([]Record, 0, len(hits))
	for _, hit := range hits {
		records = append(records, Record{
			ID:               hit.ID,
			StudyUID:         hit.StudyUID,
			SeriesUID:        hit.SeriesUID,
			Kind:             hit.Kind,
			Label:            hit.Label,
			MeasurementValue: hit.MeasurementValue,
			MeasurementUnit:  hit.MeasurementUnit,
		})
	}
	return records, len(records), nil
}
