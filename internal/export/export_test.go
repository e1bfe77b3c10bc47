package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"radview/api/internal/annotation"
)

type fakeSource struct {
	annotations []annotation.Persisted
	err         error
}

func (f *fakeSource) StudyAnnotations(ctx context.Context, studyUID string) ([]annotation.Persisted, error) {
	return f.annotations, f.err
}

func persisted(seriesUID, toolID string, kind annotation.Kind) annotation.Persisted {
	return annotation.Persisted{
		Draft: annotation.Draft{
			StudyUID:       "1.2.3",
			SeriesUID:      seriesUID,
			SOPInstanceUID: "sop." + toolID,
			Kind:           kind,
			ExternalToolID: toolID,
			Label:          "label " + toolID,
		},
		ID: "ann-" + toolID,
	}
}

func TestExportEmptyStudy(t *testing.T) {
	svc := NewService(&fakeSource{})
	_, err := svc.Export(context.Background(), Request{StudyUID: "1.2.3", Format: FormatPDF})
	if !errors.Is(err, ErrNoAnnotations) {
		t.Fatalf("expected ErrNoAnnotations, got %v", err)
	}
}

func TestExportSourceError(t *testing.T) {
	svc := NewService(&fakeSource{err: errors.New("store down")})
	_, err := svc.Export(context.Background(), Request{StudyUID: "1.2.3"})
	if err == nil || !strings.Contains(err.Error(), "store down") {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc := NewService(&fakeSource{annotations: []annotation.Persisted{persisted("A", "t1", annotation.KindArrow)}})
	_, err := svc.Export(context.Background(), Request{StudyUID: "1.2.3", Format: "xlsx"})
	if err == nil || !strings.Contains(err.Error(), "unsupported export format") {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestBuildTemplateDataGroupsBySeries(t *testing.T) {
	value := 42.5
	ann := persisted("B", "t2", annotation.KindMeasurement)
	ann.MeasurementValue = &value
	ann.MeasurementUnit = "mm"
	ann.Unsynced = true

	items := []annotation.Persisted{
		persisted("B", "t3", annotation.KindEllipse),
		persisted("A", "t1", annotation.KindArrow),
		ann,
	}

	data := buildTemplateData("1.2.3", items)
	if data.StudyUID != "1.2.3" {
		t.Errorf("study uid = %q", data.StudyUID)
	}
	if len(data.Series) != 2 {
		t.Fatalf("expected 2 series groups, got %d", len(data.Series))
	}
	if data.Series[0].SeriesUID != "A" || data.Series[1].SeriesUID != "B" {
		t.Errorf("series not in stable order: %q, %q", data.Series[0].SeriesUID, data.Series[1].SeriesUID)
	}
	if len(data.Series[1].Annotations) != 2 {
		t.Fatalf("expected 2 annotations in series B, got %d", len(data.Series[1].Annotations))
	}

	var measured *TemplateAnnotation
	for i := range data.Series[1].Annotations {
		if data.Series[1].Annotations[i].Kind == "measurement" {
			measured = &data.Series[1].Annotations[i]
		}
	}
	if measured == nil {
		t.Fatal("measurement annotation missing from series B")
	}
	if measured.Measurement != "42.50 mm" {
		t.Errorf("measurement = %q, want %q", measured.Measurement, "42.50 mm")
	}
	if !measured.Unsynced {
		t.Error("unsynced flag lost")
	}
}

func TestRenderReportHTML(t *testing.T) {
	data := TemplateData{
		StudyUID:    "1.2.3",
		Description: "CT Chest",
		GeneratedAt: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		Series: []TemplateSeries{
			{SeriesUID: "A", Annotations: []TemplateAnnotation{
				{Kind: "measurement", Label: "lesion", Instance: "sop.1", Measurement: "12.30 mm", Unsynced: true},
			}},
		},
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	for _, want := range []string{"1.2.3", "CT Chest", "Series A", "lesion", "12.30 mm", "unsynced", "Mar 14, 2025"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered report missing %q", want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"annotations-1.2.3", "annotations-1.2.3"},
		{"CT Chest / Abdomen", "CT-Chest--Abdomen"},
		{"", "report"},
		{"///", "report"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("<b>a b</b>")
	if got != "%3Cb%3Ea%20b%3C%2Fb%3E" {
		t.Errorf("encoded = %q", got)
	}
}
