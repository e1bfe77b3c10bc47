package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"radview/api/internal/annotation"
	"radview/api/internal/autosave"
	"radview/api/internal/compare"
	"radview/api/internal/export"
	"radview/api/internal/journal"
	"radview/api/internal/search"
	"radview/api/internal/study"
	"radview/api/internal/util"
)

// maxFailureFeed bounds the per-study save failure feed so an unreachable
// store during a long drawing session cannot grow memory without limit.
const maxFailureFeed = 100

type studyResolver interface {
	Resolve(ctx context.Context, studyInstanceUID string) (*study.StudyTree, error)
	ResolveSeries(ctx context.Context, tree *study.StudyTree, seriesUID string) (*study.StudyTree, error)
}

type treeCache interface {
	Get(ctx context.Context, studyUID string) (*study.StudyTree, error)
	Put(ctx context.Context, tree *study.StudyTree) error
	Invalidate(ctx context.Context, studyUID string) error
	Ping(ctx context.Context) error
}

type annotationStore interface {
	Save(ctx context.Context, draft annotation.Draft) (annotation.Persisted, error)
	ListByStudy(ctx context.Context, studyUID string) ([]annotation.Persisted, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type journalStore interface {
	MarkUnsynced(ctx context.Context, draft annotation.Draft, failureMsg string) error
	ClearUnsynced(ctx context.Context, studyUID, externalToolID string) error
	ListUnsynced(ctx context.Context, studyUID string) ([]journal.UnsyncedDraft, error)
	UpsertMirror(ctx context.Context, record journal.MirrorRecord) error
	DeleteMirror(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type annotationSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	Index(record search.Record)
	Delete(id string)
}

type archiveGateway interface {
	Ping(ctx context.Context) error
	Healthy() bool
}

// Deps collects the collaborators a Service needs. Cache, Search, and
// Archive may be nil; the service degrades rather than refusing to start.
type Deps struct {
	Resolver     studyResolver
	Cache        treeCache
	Store        annotationStore
	Journal      journalStore
	Search       annotationSearch
	Archive      archiveGateway
	ImageBaseURL string

	AutosaveDebounce time.Duration
	SaveTimeout      time.Duration
	Scheduler        autosave.Scheduler
}

type Service struct {
	resolver     studyResolver
	cache        treeCache
	store        annotationStore
	journal      journalStore
	search       annotationSearch
	archive      archiveGateway
	imageBaseURL string

	autosave *autosave.Coordinator
	exporter *export.Service

	mu          sync.Mutex
	comparisons map[string]*compare.Coordinator
	failures    map[string][]annotation.SaveFailure
}

func NewService(deps Deps) *Service {
	s := &Service{
		resolver:     deps.Resolver,
		cache:        deps.Cache,
		store:        deps.Store,
		journal:      deps.Journal,
		search:       deps.Search,
		archive:      deps.Archive,
		imageBaseURL: deps.ImageBaseURL,
		comparisons:  make(map[string]*compare.Coordinator),
		failures:     make(map[string][]annotation.SaveFailure),
	}
	s.exporter = export.NewService(s)
	s.autosave = autosave.New(deps.Store, autosave.Config{
		Debounce:    deps.AutosaveDebounce,
		SaveTimeout: deps.SaveTimeout,
		Scheduler:   deps.Scheduler,
		Journal:     deps.Journal,
		OnSaved:     s.handleSaved,
		OnFailure:   s.recordFailure,
	})
	return s
}

// Close flushes every session with an unsaved draft before shutdown.
func (s *Service) Close(ctx context.Context) error {
	return s.autosave.Close(ctx)
}

// Ping reports whether the journal database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.journal.Ping(ctx)
}

// Readiness checks every configured collaborator and reports per-component
// status. The database is the only hard dependency.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ready := true

	if err := s.journal.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}

	if s.archive != nil {
		if err := s.archive.Ping(ctx); err != nil {
			checks["archive"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["archive"] = map[string]any{"status": "ok"}
		}
	}

	if err := s.store.Ping(ctx); err != nil {
		checks["annotationStore"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["annotationStore"] = map[string]any{"status": "ok"}
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			checks["cache"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["cache"] = map[string]any{"status": "ok"}
		}
	}

	return ready, checks
}

// ResolveStudy returns the study tree, resolving through the archive and
// caching complete results. Partial trees come back with the per-series
// failures and are never cached, so a refresh can pick up recovered series.
func (s *Service) ResolveStudy(ctx context.Context, studyUID string, refresh bool) (*study.StudyTree, []study.SeriesFailure, error) {
	if s.cache != nil {
		if refresh {
			if err := s.cache.Invalidate(ctx, studyUID); err != nil {
				log.Printf("app: invalidate study cache: %v", err)
			}
		} else if tree, err := s.cache.Get(ctx, studyUID); err == nil {
			return tree, nil, nil
		}
	}

	tree, err := s.resolver.Resolve(ctx, studyUID)
	if err != nil {
		var partial *study.PartialFailureError
		if errors.As(err, &partial) {
			return partial.Tree, partial.Failures, nil
		}
		return nil, nil, err
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, tree); err != nil {
			log.Printf("app: cache study tree: %v", err)
		}
	}
	return tree, nil, nil
}

// ImageIDs builds the viewport-ready reference list for one series,
// expanding the series lazily when it was skipped at study resolution.
func (s *Service) ImageIDs(ctx context.Context, studyUID, seriesUID string) ([]string, error) {
	tree, _, err := s.ResolveStudy(ctx, studyUID, false)
	if err != nil {
		return nil, err
	}

	series := tree.FindSeries(seriesUID)
	if series == nil {
		return nil, study.ErrSeriesNotFound
	}
	if len(series.Instances) == 0 && !series.Failed && series.InstanceCount > 0 {
		expanded, err := s.resolver.ResolveSeries(ctx, tree, seriesUID)
		if err != nil {
			return nil, err
		}
		tree = expanded
		if s.cache != nil {
			if err := s.cache.Put(ctx, tree); err != nil {
				log.Printf("app: cache expanded tree: %v", err)
			}
		}
	}

	return study.BuildImageIDs(tree, seriesUID, s.imageBaseURL)
}

// StudyAnnotations merges the external store's records with locally
// journaled unsynced drafts. An unsynced draft for a tool shadows the stale
// stored record so the viewer always renders the latest geometry.
func (s *Service) StudyAnnotations(ctx context.Context, studyUID string) ([]annotation.Persisted, error) {
	stored, err := s.store.ListByStudy(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	unsynced, err := s.journal.ListUnsynced(ctx, studyUID)
	if err != nil {
		log.Printf("app: list unsynced drafts: %v", err)
		return stored, nil
	}
	if len(unsynced) == 0 {
		return stored, nil
	}

	byTool := make(map[string]journal.UnsyncedDraft, len(unsynced))
	for _, d := range unsynced {
		byTool[d.Draft.ExternalToolID] = d
	}

	merged := make([]annotation.Persisted, 0, len(stored)+len(unsynced))
	for _, item := range stored {
		if d, ok := byTool[item.ExternalToolID]; ok {
			item.Draft = d.Draft
			item.Unsynced = true
			item.UpdatedAt = d.FailedAt
			delete(byTool, item.ExternalToolID)
		}
		merged = append(merged, item)
	}
	for _, d := range unsynced {
		if _, stillPending := byTool[d.Draft.ExternalToolID]; !stillPending {
			continue
		}
		merged = append(merged, annotation.Persisted{
			Draft:     d.Draft,
			Unsynced:  true,
			UpdatedAt: d.FailedAt,
		})
	}
	return merged, nil
}

// HandleToolEvent translates a renderer edit event and schedules its save.
// Events outside the persistable vocabulary are dropped and reported false.
func (s *Service) HandleToolEvent(event annotation.ToolEvent) bool {
	draft, ok := annotation.TranslateEvent(event)
	if !ok {
		return false
	}
	s.autosave.SubmitEdit(draft)
	return true
}

// FlushAnnotations saves any pending draft immediately. Returns nil when
// there was nothing to save.
func (s *Service) FlushAnnotations(ctx context.Context, studyUID string) (*annotation.Persisted, error) {
	return s.autosave.Flush(ctx, studyUID)
}

// DiscardPending drops any unsaved draft without persisting it.
func (s *Service) DiscardPending(studyUID string) {
	s.autosave.CancelPending(studyUID)
}

// EndStudySession flushes and forgets the study's autosave session, used
// when the viewer navigates away.
func (s *Service) EndStudySession(ctx context.Context, studyUID string) (*annotation.Persisted, error) {
	return s.autosave.DropSession(ctx, studyUID)
}

// AutosaveState exposes the session state for diagnostics.
func (s *Service) AutosaveState(studyUID string) autosave.State {
	return s.autosave.SessionState(studyUID)
}

// DrainSaveFailures returns and clears the study's accumulated save
// failures. The front-end polls this feed to toast persistence problems.
func (s *Service) DrainSaveFailures(studyUID string) []annotation.SaveFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	failures := s.failures[studyUID]
	delete(s.failures, studyUID)
	return failures
}

func (s *Service) recordFailure(f annotation.SaveFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed := append(s.failures[f.StudyUID], f)
	if len(feed) > maxFailureFeed {
		feed = feed[len(feed)-maxFailureFeed:]
	}
	s.failures[f.StudyUID] = feed
}

func (s *Service) handleSaved(p annotation.Persisted) {
	record := search.Record{
		ID:               p.ID,
		StudyUID:         p.StudyUID,
		SeriesUID:        p.SeriesUID,
		Kind:             string(p.Kind),
		Label:            p.Label,
		MeasurementValue: p.MeasurementValue,
		MeasurementUnit:  p.MeasurementUnit,
	}
	if s.search != nil {
		s.search.Index(record)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.UpsertMirror(ctx, journal.MirrorRecord{
		ID:               p.ID,
		StudyUID:         p.StudyUID,
		SeriesUID:        p.SeriesUID,
		Kind:             string(p.Kind),
		Label:            p.Label,
		MeasurementValue: p.MeasurementValue,
		MeasurementUnit:  p.MeasurementUnit,
		UpdatedAt:        p.UpdatedAt,
	}); err != nil {
		log.Printf("app: mirror annotation %s: %v", p.ID, err)
	}
}

// DeleteAnnotation removes a persisted annotation from the store, the
// search index, and the mirror.
func (s *Service) DeleteAnnotation(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.search != nil {
		s.search.Delete(id)
	}
	if err := s.journal.DeleteMirror(ctx, id); err != nil {
		log.Printf("app: delete mirror %s: %v", id, err)
	}
	return nil
}

// SearchAnnotations runs a full-text query over indexed annotations.
func (s *Service) SearchAnnotations(ctx context.Context, text, studyUID string, limit int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Record{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{Text: text, FilterStudyUID: studyUID, Limit: limit})
}

// ExportStudy renders the study's annotations as a downloadable report.
func (s *Service) ExportStudy(ctx context.Context, studyUID string, format export.Format) (*export.Result, error) {
	return s.exporter.Export(ctx, export.Request{StudyUID: studyUID, Format: format})
}

// CreateComparison starts an empty dual-panel comparison session.
func (s *Service) CreateComparison() (string, compare.View) {
	c := compare.New(s.resolver, s.imageBaseURL)
	id := util.NewID("cmp")
	s.mu.Lock()
	s.comparisons[id] = c
	s.mu.Unlock()
	return id, c.Snapshot()
}

func (s *Service) comparison(id string) (*compare.Coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comparisons[id]
	if !ok {
		return nil, domainError(http.StatusNotFound, "COMPARISON_NOT_FOUND", "Comparison session not found", nil)
	}
	return c, nil
}

func (s *Service) GetComparison(id string) (compare.View, error) {
	c, err := s.comparison(id)
	if err != nil {
		return compare.View{}, err
	}
	return c.Snapshot(), nil
}

func (s *Service) DeleteComparison(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comparisons[id]; !ok {
		return domainError(http.StatusNotFound, "COMPARISON_NOT_FOUND", "Comparison session not found", nil)
	}
	delete(s.comparisons, id)
	return nil
}

func (s *Service) LoadComparisonPanel(ctx context.Context, id string, panel compare.Panel, studyUID string) (compare.View, error) {
	c, err := s.comparison(id)
	if err != nil {
		return compare.View{}, err
	}
	return c.LoadPanel(ctx, panel, studyUID)
}

func (s *Service) ChangeComparisonSeries(ctx context.Context, id string, panel compare.Panel, seriesUID string) (compare.View, error) {
	c, err := s.comparison(id)
	if err != nil {
		return compare.View{}, err
	}
	return c.ChangeSeries(ctx, panel, seriesUID)
}

func (s *Service) SwapComparison(id string) (compare.View, error) {
	c, err := s.comparison(id)
	if err != nil {
		return compare.View{}, err
	}
	return c.Swap(), nil
}

func (s *Service) SetComparisonSync(id string, enabled bool) (compare.View, error) {
	c, err := s.comparison(id)
	if err != nil {
		return compare.View{}, err
	}
	return c.SetSync(enabled), nil
}

func (s *Service) SetComparisonActivePanel(id string, panel compare.Panel) (compare.View, error) {
	c, err := s.comparison(id)
	if err != nil {
		return compare.View{}, err
	}
	return c.SetActivePanel(panel)
}
