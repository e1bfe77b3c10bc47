package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"radview/api/internal/annotation"
)

// AnnotationSource provides the annotations to report on. Both the external
// store's records and locally journaled unsynced drafts appear here, so a
// printed report never silently omits an unsaved edit.
type AnnotationSource interface {
	StudyAnnotations(ctx context.Context, studyUID string) ([]annotation.Persisted, error)
}

// Service renders annotation reports.
type Service struct {
	source AnnotationSource
}

// NewService creates an export service.
func NewService(source AnnotationSource) *Service {
	return &Service{source: source}
}

// Export generates a report in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	annotations, err := s.source.StudyAnnotations(ctx, req.StudyUID)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	if len(annotations) == 0 {
		return nil, ErrNoAnnotations
	}

	data := buildTemplateData(req.StudyUID, annotations)
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	title := "annotations-" + req.StudyUID
	switch req.Format {
	case FormatDOCX:
		return renderDOCX(html, title)
	case FormatPDF, "":
		return renderPDF(html, title)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", req.Format)
	}
}

// buildTemplateData groups annotations by series, keeping a stable series
// order so repeated exports of the same study produce the same report.
func buildTemplateData(studyUID string, annotations []annotation.Persisted) TemplateData {
	bySeries := make(map[string][]TemplateAnnotation)
	for _, item := range annotations {
		row := TemplateAnnotation{
			Kind:     string(item.Kind),
			Label:    item.Label,
			Instance: item.SOPInstanceUID,
			Unsynced: item.Unsynced,
		}
		if item.MeasurementValue != nil {
			row.Measurement = fmt.Sprintf("%.2f %s", *item.MeasurementValue, item.MeasurementUnit)
		}
		bySeries[item.SeriesUID] = append(bySeries[item.SeriesUID], row)
	}

	seriesUIDs := make([]string, 0, len(bySeries))
	for uid := range bySeries {
		seriesUIDs = append(seriesUIDs, uid)
	}
	sort.Strings(seriesUIDs)

	data := TemplateData{
		StudyUID:    studyUID,
		GeneratedAt: time.Now().UTC(),
	}
	for _, uid := range seriesUIDs {
		data.Series = append(data.Series, TemplateSeries{
			SeriesUID:   uid,
			Annotations: bySeries[uid],
		})
	}
	return data
}
