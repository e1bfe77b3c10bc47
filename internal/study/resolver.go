package study

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"radview/api/internal/pacs"
)

var (
	// ErrStudyNotFound means the archive has no series for the requested study.
	ErrStudyNotFound = errors.New("study: not found")
	// ErrArchiveUnreachable means the initial series-list fetch itself failed.
	ErrArchiveUnreachable = errors.New("study: archive unreachable")
	// ErrSeriesNotFound means an image-reference build named a series absent
	// from the resolved tree.
	ErrSeriesNotFound = errors.New("study: series not found")
)

// SeriesFailure records one per-series fetch that errored during resolution.
type SeriesFailure struct {
	SeriesUID string `json:"seriesUid"`
	Reason    string `json:"reason"`
}

// PartialFailureError carries a best-effort tree alongside the series that
// could not be fetched. Callers render the partial study with a warning
// instead of silently showing fewer images than exist.
type PartialFailureError struct {
	Tree     *StudyTree
	Failures []SeriesFailure
}

func (e *PartialFailureError) Error() string {
	uids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		uids[i] = f.SeriesUID
	}
	return fmt.Sprintf("study: %d of %d series failed to resolve: %s",
		len(e.Failures), len(e.Tree.Series), strings.Join(uids, ", "))
}

// gateway is the slice of the archive client the resolver needs.
type gateway interface {
	FindStudy(ctx context.Context, studyInstanceUID string) (string, error)
	GetStudy(ctx context.Context, studyID string) (pacs.Study, error)
	GetSeries(ctx context.Context, seriesID string) (pacs.Series, error)
	GetInstance(ctx context.Context, instanceID string) (pacs.Instance, error)
}

// Resolver turns an external study identifier into an immutable StudyTree.
// It never retries failed fetches; retry policy belongs to the caller.
type Resolver struct {
	gw gateway
}

func NewResolver(gw gateway) *Resolver {
	return &Resolver{gw: gw}
}

// Resolve fetches the study's series list, then every series' instance list.
// Per-series fetches run concurrently but land in pre-assigned slots so the
// final order always matches the archive's series-list order, never
// completion order. A failed series yields a flagged zero-instance node and
// the whole call returns a *PartialFailureError wrapping the best-effort tree.
func (r *Resolver) Resolve(ctx context.Context, studyInstanceUID string) (*StudyTree, error) {
	studyID, err := r.gw.FindStudy(ctx, studyInstanceUID)
	if err != nil {
		return nil, mapGatewayError(err)
	}

	archiveStudy, err := r.gw.GetStudy(ctx, studyID)
	if err != nil {
		return nil, mapGatewayError(err)
	}
	if len(archiveStudy.Series) == 0 {
		return nil, ErrStudyNotFound
	}

	tree := &StudyTree{
		StudyUID:    archiveStudy.StudyInstanceUID,
		Description: archiveStudy.Description,
		Series:      make([]SeriesNode, len(archiveStudy.Series)),
	}
	if tree.StudyUID == "" {
		tree.StudyUID = studyInstanceUID
	}

	failures := make([]*SeriesFailure, len(archiveStudy.Series))
	var wg sync.WaitGroup
	for i, seriesID := range archiveStudy.Series {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			node, err := r.resolveSeries(ctx, id)
			if err != nil {
				failures[slot] = &SeriesFailure{SeriesUID: id, Reason: err.Error()}
				tree.Series[slot] = SeriesNode{SeriesUID: id, ArchiveID: id, Failed: true}
				return
			}
			tree.Series[slot] = node
		}(i, seriesID)
	}
	wg.Wait()

	var failed []SeriesFailure
	for _, f := range failures {
		if f != nil {
			failed = append(failed, *f)
		}
	}
	if len(failed) > 0 {
		return tree, &PartialFailureError{Tree: tree, Failures: failed}
	}
	return tree, nil
}

// ResolveSeries re-fetches a single series and returns a new tree with that
// series' slot replaced. Used for lazy expansion of a series that resolved
// with no instances; the input tree is left untouched.
func (r *Resolver) ResolveSeries(ctx context.Context, tree *StudyTree, seriesUID string) (*StudyTree, error) {
	slot := -1
	for i := range tree.Series {
		if tree.Series[i].SeriesUID == seriesUID {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, ErrSeriesNotFound
	}

	archiveID := tree.Series[slot].ArchiveID
	if archiveID == "" {
		archiveID = seriesUID
	}
	node, err := r.resolveSeries(ctx, archiveID)
	if err != nil {
		return nil, mapGatewayError(err)
	}

	next := tree.clone()
	next.Series[slot] = node
	return next, nil
}

// resolveSeries fetches one series and its instances. Instance order follows
// the archive's reported order; positions are assigned densely in that order
// and never re-sorted, since synchronized scrolling assumes position
// stability for a given fetch.
func (r *Resolver) resolveSeries(ctx context.Context, seriesID string) (SeriesNode, error) {
	archiveSeries, err := r.gw.GetSeries(ctx, seriesID)
	if err != nil {
		return SeriesNode{}, fmt.Errorf("fetch series: %w", err)
	}

	node := SeriesNode{
		SeriesUID:     archiveSeries.SeriesInstanceUID,
		ArchiveID:     archiveSeries.ID,
		Modality:      archiveSeries.Modality,
		Description:   archiveSeries.Description,
		InstanceCount: len(archiveSeries.Instances),
		Instances:     make([]InstanceNode, len(archiveSeries.Instances)),
	}
	if node.SeriesUID == "" {
		node.SeriesUID = seriesID
	}
	if node.ArchiveID == "" {
		node.ArchiveID = seriesID
	}

	for i, instanceID := range archiveSeries.Instances {
		instance, err := r.gw.GetInstance(ctx, instanceID)
		if err != nil {
			return SeriesNode{}, fmt.Errorf("fetch instance %s: %w", instanceID, err)
		}
		node.Instances[i] = InstanceNode{
			SOPInstanceUID: instance.SOPInstanceUID,
			Position:       i,
		}
	}
	return node, nil
}

func mapGatewayError(err error) error {
	if errors.Is(err, pacs.ErrStudyNotFound) {
		return ErrStudyNotFound
	}
	if errors.Is(err, pacs.ErrUnreachable) {
		return fmt.Errorf("%w: %v", ErrArchiveUnreachable, err)
	}
	return err
}
