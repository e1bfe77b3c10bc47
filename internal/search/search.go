package search

import "context"

// Record is the data we index for one persisted annotation.
type Record struct {
	ID               string   `json:"id"`
	StudyUID         string   `json:"studyUid"`
	SeriesUID        string   `json:"seriesUid"`
	Kind             string   `json:"kind"`
	Label            string   `json:"label"`
	MeasurementValue *float64 `json:"measurementValue,omitempty"`
	MeasurementUnit  string   `json:"measurementUnit,omitempty"`
}

// Query describes an annotation search request.
type Query struct {
	Text           string
	FilterStudyUID string
	Limit          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Record `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text annotation search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Record, int, error)
	Healthy() bool
}
