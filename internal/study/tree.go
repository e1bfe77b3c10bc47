// Package study resolves a study's series/instance hierarchy into a flat,
// ordered, directly addressable form for the rendering engine.
package study

// InstanceNode is one image within a series. Position is dense and 0-based
// in the order the archive reported the instance.
type InstanceNode struct {
	SOPInstanceUID string `json:"sopInstanceUid"`
	Position       int    `json:"position"`
}

// SeriesNode is one acquisition series. Instances is nil and Failed is true
// when the per-series fetch errored; the caller decides whether to retry.
type SeriesNode struct {
	SeriesUID     string         `json:"seriesUid"`
	ArchiveID     string         `json:"archiveId"`
	Modality      string         `json:"modality"`
	Description   string         `json:"description"`
	InstanceCount int            `json:"instanceCount"`
	Instances     []InstanceNode `json:"instances"`
	Failed        bool           `json:"failed"`
}

// StudyTree is the resolved hierarchy for one study. Series keeps the
// archive's return order, which drives default-series selection. A tree is
// never mutated after construction; re-resolution builds a new one so
// concurrent readers never see a torn structure.
type StudyTree struct {
	StudyUID    string       `json:"studyUid"`
	Description string       `json:"description"`
	Series      []SeriesNode `json:"series"`
}

// FindSeries returns the series with the given UID, or nil.
func (t *StudyTree) FindSeries(seriesUID string) *SeriesNode {
	for i := range t.Series {
		if t.Series[i].SeriesUID == seriesUID {
			return &t.Series[i]
		}
	}
	return nil
}

// DefaultSeriesUID returns the UID of the first non-failed series with at
// least one instance, falling back to the first series. Empty when the tree
// has no series.
func (t *StudyTree) DefaultSeriesUID() string {
	for i := range t.Series {
		if !t.Series[i].Failed && len(t.Series[i].Instances) > 0 {
			return t.Series[i].SeriesUID
		}
	}
	if len(t.Series) > 0 {
		return t.Series[0].SeriesUID
	}
	return ""
}

// clone copies the tree so a lazily expanded series can replace its slot
// without mutating the original.
func (t *StudyTree) clone() *StudyTree {
	next := &StudyTree{
		StudyUID:    t.StudyUID,
		Description: t.Description,
		Series:      make([]SeriesNode, len(t.Series)),
	}
	copy(next.Series, t.Series)
	return next
}
