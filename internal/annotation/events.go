package annotation

import (
	"encoding/json"
	"strings"
)

// ToolEvent is the renderer's native edit event as relayed by the front-end.
// ChangeType distinguishes completed edits from in-progress drag updates;
// CachedStats carries the renderer's computed measurement, when the tool
// produces one.
type ToolEvent struct {
	ChangeType     string          `json:"changeType"`
	ToolType       string          `json:"toolType"`
	StudyUID       string          `json:"studyUid"`
	SeriesUID      string          `json:"seriesUid"`
	SOPInstanceUID string          `json:"sopInstanceUid"`
	FrameNumber    int             `json:"frameNumber"`
	ToolID         string          `json:"toolId"`
	Label          string          `json:"label"`
	Data           json.RawMessage `json:"data"`
	CachedStats    *ToolStats      `json:"cachedStats,omitempty"`
}

// ToolStats is the measurement block some tools attach to their events.
type ToolStats struct {
	Value *float64 `json:"value,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

// Change types worth persisting. In-progress drag events arrive at pointer
// frequency and carry no final geometry, so they are ignored.
const (
	changeCompleted = "completed"
	changeModified  = "modified"
)

// kindByToolType maps the renderer's tool vocabulary to the domain kinds.
// Unrecognized tools fall back to the generic annotation kind rather than
// failing, so a renderer upgrade cannot break persistence.
var kindByToolType = map[string]Kind{
	"Length":            KindMeasurement,
	"Bidirectional":     KindMeasurement,
	"CobbAngle":         KindMeasurement,
	"Angle":             KindMeasurement,
	"Probe":             KindMeasurement,
	"ArrowAnnotate":     KindArrow,
	"PlanarFreehandROI": KindFreehand,
	"FreehandRoi":       KindFreehand,
	"RectangleROI":      KindRectangle,
	"RectangleRoi":      KindRectangle,
	"EllipticalROI":     KindEllipse,
	"EllipticalRoi":     KindEllipse,
}

// TranslateEvent maps a renderer edit event into a Draft. The second return
// is false for events that should not be persisted: in-progress drags,
// unknown change types, and events missing a tool identity.
func TranslateEvent(event ToolEvent) (Draft, bool) {
	changeType := strings.ToLower(strings.TrimSpace(event.ChangeType))
	if changeType != changeCompleted && changeType != changeModified {
		return Draft{}, false
	}
	if event.StudyUID == "" || event.ToolID == "" {
		return Draft{}, false
	}

	kind, ok := kindByToolType[event.ToolType]
	if !ok {
		kind = KindAnnotation
	}

	draft := Draft{
		StudyUID:       event.StudyUID,
		SeriesUID:      event.SeriesUID,
		SOPInstanceUID: event.SOPInstanceUID,
		FrameNumber:    event.FrameNumber,
		Kind:           kind,
		Payload:        event.Data,
		ExternalToolID: event.ToolID,
		Label:          event.Label,
	}
	if event.CachedStats != nil && event.CachedStats.Value != nil {
		draft.MeasurementValue = event.CachedStats.Value
		draft.MeasurementUnit = event.CachedStats.Unit
	}
	return draft, true
}
