// Package compare coordinates two independently resolved studies for
// side-by-side reading. It owns panel state and atomic swapping only; pixel
// level mirroring is the rendering layer's job, driven by the sync flag.
package compare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"radview/api/internal/study"
)

// Panel addresses one side of the comparison.
type Panel string

const (
	PanelLeft  Panel = "left"
	PanelRight Panel = "right"
)

// ErrUnknownPanel is returned for panel values other than left/right.
var ErrUnknownPanel = errors.New("compare: unknown panel")

// ErrPanelEmpty is returned when an operation needs a loaded study and the
// panel has none.
var ErrPanelEmpty = errors.New("compare: panel has no study loaded")

type resolver interface {
	Resolve(ctx context.Context, studyInstanceUID string) (*study.StudyTree, error)
	ResolveSeries(ctx context.Context, tree *study.StudyTree, seriesUID string) (*study.StudyTree, error)
}

// panelState is the complete resolved state of one side. Swapped as a unit.
type panelState struct {
	studyUID  string
	tree      *study.StudyTree
	seriesUID string
	imageIDs  []string
	warnings  []study.SeriesFailure
}

// PanelView is the read-only snapshot of one panel.
type PanelView struct {
	StudyUID  string                `json:"studyUid"`
	SeriesUID string                `json:"seriesUid"`
	ImageIDs  []string              `json:"imageIds"`
	Tree      *study.StudyTree      `json:"tree,omitempty"`
	Warnings  []study.SeriesFailure `json:"warnings,omitempty"`
}

// View is an atomic snapshot of the whole comparison.
type View struct {
	Left        PanelView `json:"left"`
	Right       PanelView `json:"right"`
	SyncEnabled bool      `json:"syncEnabled"`
	ActivePanel Panel     `json:"activePanel"`
}

// Coordinator keeps two resolve/build pipelines and their synchronized
// navigation state. All state transitions happen under one mutex so an
// observer can never see a half-swapped comparison.
type Coordinator struct {
	resolver       resolver
	archiveBaseURL string

	mu          sync.Mutex
	left        panelState
	right       panelState
	syncEnabled bool
	activePanel Panel
}

func New(r resolver, archiveBaseURL string) *Coordinator {
	return &Coordinator{
		resolver:       r,
		archiveBaseURL: archiveBaseURL,
		activePanel:    PanelLeft,
	}
}

// LoadPanel resolves a study into one side. The resolve happens outside the
// lock; a result for a study the panel no longer wants (because a newer load
// or a swap changed the target meanwhile) is discarded at completion time.
// Partial failures keep the best-effort tree and surface as panel warnings.
func (c *Coordinator) LoadPanel(ctx context.Context, panel Panel, studyUID string) (View, error) {
	side, err := c.side(panel)
	if err != nil {
		return View{}, err
	}

	c.mu.Lock()
	side.studyUID = studyUID
	side.tree = nil
	side.seriesUID = ""
	side.imageIDs = nil
	side.warnings = nil
	c.mu.Unlock()

	tree, err := c.resolver.Resolve(ctx, studyUID)
	var warnings []study.SeriesFailure
	var partial *study.PartialFailureError
	if errors.As(err, &partial) {
		tree = partial.Tree
		warnings = partial.Failures
	} else if err != nil {
		return View{}, err
	}

	seriesUID := tree.DefaultSeriesUID()
	var imageIDs []string
	if seriesUID != "" {
		imageIDs, err = study.BuildImageIDs(tree, seriesUID, c.archiveBaseURL)
		if err != nil {
			return View{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if side.studyUID != studyUID {
		// A newer load or swap won the race; this result is stale.
		return c.viewLocked(), nil
	}
	side.tree = tree
	side.seriesUID = seriesUID
	side.imageIDs = imageIDs
	side.warnings = warnings
	return c.viewLocked(), nil
}

// ChangeSeries switches a panel to another series of its already loaded
// study. When the tree has instances for that series only the image-id build
// runs; a series that resolved empty is lazily re-fetched, producing a new
// tree for the panel.
func (c *Coordinator) ChangeSeries(ctx context.Context, panel Panel, seriesUID string) (View, error) {
	side, err := c.side(panel)
	if err != nil {
		return View{}, err
	}

	c.mu.Lock()
	tree := side.tree
	studyUID := side.studyUID
	c.mu.Unlock()
	if tree == nil {
		return View{}, ErrPanelEmpty
	}

	node := tree.FindSeries(seriesUID)
	if node == nil {
		return View{}, fmt.Errorf("%w: %s", study.ErrSeriesNotFound, seriesUID)
	}

	if len(node.Instances) == 0 {
		expanded, err := c.resolver.ResolveSeries(ctx, tree, seriesUID)
		if err != nil {
			return View{}, err
		}
		tree = expanded
	}

	imageIDs, err := study.BuildImageIDs(tree, seriesUID, c.archiveBaseURL)
	if err != nil {
		return View{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if side.studyUID != studyUID {
		return c.viewLocked(), nil
	}
	side.tree = tree
	side.seriesUID = seriesUID
	side.imageIDs = imageIDs
	return c.viewLocked(), nil
}

// Swap exchanges the complete resolved state of both panels in one
// transition. No observer can see both sides holding the same study.
func (c *Coordinator) Swap() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left, c.right = c.right, c.left
	return c.viewLocked()
}

// SetSync flips the pass-through mirroring flag consumed by the renderer.
func (c *Coordinator) SetSync(enabled bool) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncEnabled = enabled
	return c.viewLocked()
}

// SetActivePanel records which side has focus.
func (c *Coordinator) SetActivePanel(panel Panel) (View, error) {
	if panel != PanelLeft && panel != PanelRight {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownPanel, panel)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePanel = panel
	return c.viewLocked(), nil
}

// Snapshot returns the current state atomically.
func (c *Coordinator) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Coordinator) side(panel Panel) (*panelState, error) {
	switch panel {
	case PanelLeft:
		return &c.left, nil
	case PanelRight:
		return &c.right, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPanel, panel)
	}
}

func (c *Coordinator) viewLocked() View {
	return View{
		Left:        panelView(&c.left),
		Right:       panelView(&c.right),
		SyncEnabled: c.syncEnabled,
		ActivePanel: c.activePanel,
	}
}

func panelView(side *panelState) PanelView {
	return PanelView{
		StudyUID:  side.studyUID,
		SeriesUID: side.seriesUID,
		ImageIDs:  side.imageIDs,
		Tree:      side.tree,
		Warnings:  side.warnings,
	}
}
