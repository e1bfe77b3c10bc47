// Package autosave debounces high-frequency annotation edits into single
// persistence calls, guaranteeing at most one in-flight save and one pending
// draft per study session while never dropping the latest edit.
package autosave

import (
	"context"
	"log"
	"sync"
	"time"

	"radview/api/internal/annotation"
)

// State names the per-session positions of the save state machine.
type State string

const (
	StateIdle          State = "idle"
	StatePending       State = "pending"
	StateSaving        State = "saving"
	StateSavingPending State = "saving+pending"
)

// Saver persists a draft in the external annotation store.
type Saver interface {
	Save(ctx context.Context, draft annotation.Draft) (annotation.Persisted, error)
}

// Journal records drafts whose save failed so the front-end can show them as
// unsynced, and clears the record once a later save succeeds. Optional.
type Journal interface {
	MarkUnsynced(ctx context.Context, draft annotation.Draft, failureMsg string) error
	ClearUnsynced(ctx context.Context, studyUID, externalToolID string) error
}

// Config tunes a Coordinator. Zero values fall back to defaults.
type Config struct {
	Debounce    time.Duration
	SaveTimeout time.Duration
	Scheduler   Scheduler
	Journal     Journal
	OnSaved     func(annotation.Persisted)
	OnFailure   func(annotation.SaveFailure)
}

// Coordinator owns one save session per study. SubmitEdit is fire-and-forget;
// failures surface through the OnFailure callback, never out of the edit path.
type Coordinator struct {
	saver       Saver
	journal     Journal
	scheduler   Scheduler
	debounce    time.Duration
	saveTimeout time.Duration
	onSaved     func(annotation.Persisted)
	onFailure   func(annotation.SaveFailure)

	mu       sync.Mutex
	sessions map[string]*session
}

// session holds the two mutable cells of per-study save state. All fields
// are read-modified-written under Coordinator.mu.
type session struct {
	studyUID string
	pending  *annotation.Draft
	timer    Timer
	timerGen int
	saving   bool
	done     chan struct{}
	// flushWaiters suppresses completion-chained saves so a waiting Flush
	// can take the pending draft and return its result.
	flushWaiters int
}

func New(saver Saver, cfg Config) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler()
	}
	return &Coordinator{
		saver:       saver,
		journal:     cfg.Journal,
		scheduler:   cfg.Scheduler,
		debounce:    cfg.Debounce,
		saveTimeout: cfg.SaveTimeout,
		onSaved:     cfg.OnSaved,
		onFailure:   cfg.OnFailure,
		sessions:    make(map[string]*session),
	}
}

// SubmitEdit records the draft as the session's pending slot, replacing any
// previous unsaved draft, and re-arms the debounce window. If a save is in
// flight the draft fires immediately after that save completes instead of
// starting a concurrent one.
func (c *Coordinator) SubmitEdit(draft annotation.Draft) {
	if draft.StudyUID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(draft.StudyUID)
	s.pending = &draft
	if s.saving {
		// Will be picked up by the completion chain.
		return
	}
	c.armTimerLocked(s)
}

// Flush cancels the debounce timer, waits out any in-flight save, then saves
// the pending draft synchronously. Returns nil, nil when nothing is pending.
// Used at deliberate checkpoints (navigation away) so the last debounce
// window of edits is never lost.
func (c *Coordinator) Flush(ctx context.Context, studyUID string) (*annotation.Persisted, error) {
	c.mu.Lock()
	s, ok := c.sessions[studyUID]
	if !ok {
		c.mu.Unlock()
		return nil, nil
	}
	c.invalidateTimerLocked(s)

	s.flushWaiters++
	for s.saving {
		done := s.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			c.mu.Lock()
			s.flushWaiters--
			c.mu.Unlock()
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
	s.flushWaiters--

	if s.pending == nil {
		c.mu.Unlock()
		return nil, nil
	}
	draft := *s.pending
	s.pending = nil
	s.saving = true
	s.done = make(chan struct{})
	c.mu.Unlock()

	persisted, err := c.saveOnce(ctx, draft)
	c.completeSave(s)
	if err != nil {
		return nil, err
	}
	return &persisted, nil
}

// CancelPending discards the pending draft without saving. An in-flight save
// is not affected.
func (c *Coordinator) CancelPending(studyUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[studyUID]
	if !ok {
		return
	}
	c.invalidateTimerLocked(s)
	s.pending = nil
}

// DropSession flushes and forgets a study session; call on view teardown.
func (c *Coordinator) DropSession(ctx context.Context, studyUID string) (*annotation.Persisted, error) {
	persisted, err := c.Flush(ctx, studyUID)

	c.mu.Lock()
	if s, ok := c.sessions[studyUID]; ok && !s.saving && s.pending == nil {
		delete(c.sessions, studyUID)
	}
	c.mu.Unlock()
	return persisted, err
}

// Close flushes every session. Used on shutdown.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	uids := make([]string, 0, len(c.sessions))
	for uid := range c.sessions {
		uids = append(uids, uid)
	}
	c.mu.Unlock()

	var firstErr error
	for _, uid := range uids {
		if _, err := c.DropSession(ctx, uid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SessionState reports where a study's session currently sits in the state
// machine. Idle for unknown studies.
func (c *Coordinator) SessionState(studyUID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[studyUID]
	if !ok {
		return StateIdle
	}
	switch {
	case s.saving && s.pending != nil:
		return StateSavingPending
	case s.saving:
		return StateSaving
	case s.pending != nil:
		return StatePending
	default:
		return StateIdle
	}
}

func (c *Coordinator) sessionLocked(studyUID string) *session {
	s, ok := c.sessions[studyUID]
	if !ok {
		s = &session{studyUID: studyUID}
		c.sessions[studyUID] = s
	}
	return s
}

// armTimerLocked replaces the session's debounce timer. The generation
// counter invalidates a timer that already fired its callback but has not
// yet taken the lock, so a cancelled timer can never start a save.
func (c *Coordinator) armTimerLocked(s *session) {
	c.invalidateTimerLocked(s)
	gen := s.timerGen
	uid := s.studyUID
	s.timer = c.scheduler.AfterFunc(c.debounce, func() {
		c.fire(uid, gen)
	})
}

func (c *Coordinator) invalidateTimerLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (c *Coordinator) fire(studyUID string, gen int) {
	c.mu.Lock()
	s, ok := c.sessions[studyUID]
	if !ok || s.timerGen != gen || s.saving || s.pending == nil {
		c.mu.Unlock()
		return
	}
	c.startSaveLocked(s)
	c.mu.Unlock()
}

// startSaveLocked moves the pending draft into flight. Caller holds mu.
func (c *Coordinator) startSaveLocked(s *session) {
	draft := *s.pending
	s.pending = nil
	s.saving = true
	s.done = make(chan struct{})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
		defer cancel()
		_, _ = c.saveOnce(ctx, draft)
		c.completeSave(s)
	}()
}

// completeSave clears the in-flight flag and chains an immediate save when a
// newer draft arrived during the flight, unless a Flush is waiting to take it.
func (c *Coordinator) completeSave(s *session) {
	c.mu.Lock()
	s.saving = false
	close(s.done)
	if s.pending != nil && s.flushWaiters == 0 {
		c.startSaveLocked(s)
	}
	c.mu.Unlock()
}

// saveOnce performs one persistence attempt. The draft has already left the
// pending slot and is never put back: a failed save is reported, recorded as
// unsynced, and not silently retried on the next unrelated edit.
func (c *Coordinator) saveOnce(ctx context.Context, draft annotation.Draft) (annotation.Persisted, error) {
	persisted, err := c.saver.Save(ctx, draft)
	if err != nil {
		log.Printf("autosave: save failed for study %s tool %s: %v", draft.StudyUID, draft.ExternalToolID, err)
		if c.journal != nil {
			if jerr := c.journal.MarkUnsynced(ctx, draft, err.Error()); jerr != nil {
				log.Printf("autosave: journal mark unsynced: %v", jerr)
			}
		}
		if c.onFailure != nil {
			c.onFailure(annotation.SaveFailure{
				StudyUID:       draft.StudyUID,
				ExternalToolID: draft.ExternalToolID,
				Message:        err.Error(),
				OccurredAt:     time.Now().UTC(),
			})
		}
		return annotation.Persisted{}, err
	}

	if c.journal != nil {
		if jerr := c.journal.ClearUnsynced(ctx, draft.StudyUID, draft.ExternalToolID); jerr != nil {
			log.Printf("autosave: journal clear unsynced: %v", jerr)
		}
	}
	if c.onSaved != nil {
		c.onSaved(persisted)
	}
	return persisted, nil
}
