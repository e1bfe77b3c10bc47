// Package annotation holds the domain model for clinician annotations and
// the boundary translation from renderer-native edit events.
package annotation

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of annotation kinds the domain knows about. The
// renderer's tool vocabulary is translated into this set once, at the
// boundary, and never propagated further.
type Kind string

const (
	KindMeasurement Kind = "measurement"
	KindArrow       Kind = "arrow"
	KindFreehand    Kind = "freehand"
	KindRectangle   Kind = "rectangle"
	KindEllipse     Kind = "ellipse"
	KindAnnotation  Kind = "annotation"
)

// Draft is a transient, not-yet-acknowledged annotation edit. Drafts for the
// same ExternalToolID replace each other; only the latest geometry matters.
type Draft struct {
	StudyUID         string          `json:"studyUid"`
	SeriesUID        string          `json:"seriesUid"`
	SOPInstanceUID   string          `json:"sopInstanceUid"`
	FrameNumber      int             `json:"frameNumber"`
	Kind             Kind            `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	ExternalToolID   string          `json:"externalToolId"`
	Label            string          `json:"label"`
	MeasurementValue *float64        `json:"measurementValue,omitempty"`
	MeasurementUnit  string          `json:"measurementUnit,omitempty"`
}

// Persisted is a server-confirmed annotation.
type Persisted struct {
	Draft
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Unsynced  bool      `json:"unsynced,omitempty"`
}

// SaveFailure describes one failed persistence attempt, surfaced to the
// front-end instead of blocking the drawing interaction.
type SaveFailure struct {
	StudyUID       string    `json:"studyUid"`
	ExternalToolID string    `json:"externalToolId"`
	Message        string    `json:"message"`
	OccurredAt     time.Time `json:"occurredAt"`
}
