package study

import (
	"fmt"
	"strings"
)

// ImageRefScheme prefixes every image reference handed to the rendering
// engine. The renderer caches by the full reference string, so the same
// (study, series, instance) triple must always produce the same reference.
const ImageRefScheme = "wadors"

// BuildImageIDs converts the chosen series of a resolved tree into the
// ordered image references the rendering engine loads. Pure: the output is a
// function of the tree, the series UID and the archive base URL only, and
// follows InstanceNode position order exactly (the clinician's scroll order).
// Returns ErrSeriesNotFound when the tree has no such series.
func BuildImageIDs(tree *StudyTree, seriesUID, archiveBaseURL string) ([]string, error) {
	series := tree.FindSeries(seriesUID)
	if series == nil {
		return nil, fmt.Errorf("%w: %s", ErrSeriesNotFound, seriesUID)
	}

	base := strings.TrimRight(archiveBaseURL, "/")
	refs := make([]string, len(series.Instances))
	for i, instance := range series.Instances {
		refs[i] = fmt.Sprintf("%s:%s/dicom-web/studies/%s/series/%s/instances/%s",
			ImageRefScheme, base, tree.StudyUID, series.SeriesUID, instance.SOPInstanceUID)
	}
	return refs, nil
}
