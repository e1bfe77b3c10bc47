package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"radview/api/internal/annotation"
)

// manualScheduler hands out timers that only fire when the test says so.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	f := t.f
	t.mu.Unlock()
	f()
	return true
}

func (s *manualScheduler) AfterFunc(_ time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{f: f}
	s.timers = append(s.timers, t)
	return t
}

// fireLatest fires the most recently armed live timer.
func (s *manualScheduler) fireLatest(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	timers := append([]*manualTimer(nil), s.timers...)
	s.mu.Unlock()
	for i := len(timers) - 1; i >= 0; i-- {
		if timers[i].fire() {
			return
		}
	}
	t.Fatal("no live timer to fire")
}

func (s *manualScheduler) armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, timer := range s.timers {
		timer.mu.Lock()
		if !timer.stopped && !timer.fired {
			count++
		}
		timer.mu.Unlock()
	}
	return count
}

// fakeSaver records calls and can block in-flight saves until released.
type fakeSaver struct {
	mu      sync.Mutex
	calls   []annotation.Draft
	started chan struct{}
	release chan struct{}
	err     error
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{
		started: make(chan struct{}, 16),
		release: nil,
	}
}

func (f *fakeSaver) Save(_ context.Context, draft annotation.Draft) (annotation.Persisted, error) {
	f.mu.Lock()
	f.calls = append(f.calls, draft)
	n := len(f.calls)
	release := f.release
	err := f.err
	f.mu.Unlock()

	f.started <- struct{}{}
	if release != nil {
		<-release
	}
	if err != nil {
		return annotation.Persisted{}, err
	}
	return annotation.Persisted{Draft: draft, ID: fmt.Sprintf("ann_%d", n)}, nil
}

func (f *fakeSaver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSaver) lastCall() annotation.Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func draft(studyUID, toolID, label string) annotation.Draft {
	return annotation.Draft{
		StudyUID:       studyUID,
		SeriesUID:      "A",
		SOPInstanceUID: "sop.0",
		Kind:           annotation.KindMeasurement,
		ExternalToolID: toolID,
		Label:          label,
	}
}

func waitForState(t *testing.T, c *Coordinator, studyUID string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.SessionState(studyUID) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session %s never reached state %s (stuck at %s)", studyUID, want, c.SessionState(studyUID))
}

func TestDebounceCoalescesBurstIntoOneSave(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	c := New(saver, Config{Scheduler: scheduler})

	for i := 0; i < 5; i++ {
		c.SubmitEdit(draft("S1", "tool-1", fmt.Sprintf("edit-%d", i)))
	}
	if got := scheduler.armed(); got != 1 {
		t.Errorf("expected exactly one armed timer, got %d", got)
	}

	scheduler.fireLatest(t)
	waitForState(t, c, "S1", StateIdle)

	if saver.callCount() != 1 {
		t.Fatalf("expected exactly one save call, got %d", saver.callCount())
	}
	if saver.lastCall().Label != "edit-4" {
		t.Errorf("expected the latest draft to be saved, got %s", saver.lastCall().Label)
	}
}

func TestEditDuringInFlightSaveChainsExactlyOneMore(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	saver.release = make(chan struct{})
	c := New(saver, Config{Scheduler: scheduler})

	c.SubmitEdit(draft("S1", "tool-1", "first"))
	scheduler.fireLatest(t)
	<-saver.started // save one is now in flight

	c.SubmitEdit(draft("S1", "tool-1", "second"))
	if state := c.SessionState("S1"); state != StateSavingPending {
		t.Errorf("expected saving+pending, got %s", state)
	}
	if saver.callCount() != 1 {
		t.Fatalf("a second save must not start while one is in flight, got %d calls", saver.callCount())
	}

	close(saver.release)
	<-saver.started // chained save started right after completion
	waitForState(t, c, "S1", StateIdle)

	if saver.callCount() != 2 {
		t.Fatalf("expected exactly two save calls, got %d", saver.callCount())
	}
	if saver.lastCall().Label != "second" {
		t.Errorf("chained save must carry the newer draft, got %s", saver.lastCall().Label)
	}
	if got := scheduler.armed(); got != 0 {
		t.Errorf("no timer should remain armed, got %d", got)
	}
}

func TestFlushSavesPendingDraft(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	c := New(saver, Config{Scheduler: scheduler})

	c.SubmitEdit(draft("S1", "tool-1", "unsaved"))

	persisted, err := c.Flush(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if persisted == nil || persisted.Label != "unsaved" {
		t.Fatalf("expected flushed draft back, got %+v", persisted)
	}
	if saver.callCount() != 1 {
		t.Errorf("expected one save, got %d", saver.callCount())
	}
	if got := scheduler.armed(); got != 0 {
		t.Errorf("flush must cancel the debounce timer, %d still armed", got)
	}

	// The cancelled timer must never start another save.
	scheduler.mu.Lock()
	timers := append([]*manualTimer(nil), scheduler.timers...)
	scheduler.mu.Unlock()
	for _, timer := range timers {
		timer.fire()
	}
	if saver.callCount() != 1 {
		t.Errorf("cancelled timer fired a save: %d calls", saver.callCount())
	}
}

func TestFlushWithNothingPendingIsNoop(t *testing.T) {
	c := New(newFakeSaver(), Config{Scheduler: &manualScheduler{}})

	persisted, err := c.Flush(context.Background(), "never-seen")
	if err != nil || persisted != nil {
		t.Errorf("expected nil, nil; got %v, %v", persisted, err)
	}
}

func TestFlushWaitsForInFlightSaveAndReturnsChainedResult(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	saver.release = make(chan struct{})
	c := New(saver, Config{Scheduler: scheduler})

	c.SubmitEdit(draft("S1", "tool-1", "first"))
	scheduler.fireLatest(t)
	<-saver.started

	c.SubmitEdit(draft("S1", "tool-1", "second"))

	type flushResult struct {
		persisted *annotation.Persisted
		err       error
	}
	results := make(chan flushResult, 1)
	go func() {
		p, err := c.Flush(context.Background(), "S1")
		results <- flushResult{p, err}
	}()

	// Flush must block behind the in-flight save.
	select {
	case <-results:
		t.Fatal("flush returned while a save was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(saver.release)
	res := <-results
	if res.err != nil {
		t.Fatalf("Flush failed: %v", res.err)
	}
	if res.persisted == nil || res.persisted.Label != "second" {
		t.Fatalf("flush must save and return the pending draft, got %+v", res.persisted)
	}
	if saver.callCount() != 2 {
		t.Errorf("expected two saves total, got %d", saver.callCount())
	}
}

func TestCancelPendingDiscardsWithoutSaving(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	c := New(saver, Config{Scheduler: scheduler})

	c.SubmitEdit(draft("S1", "tool-1", "discard-me"))
	c.CancelPending("S1")

	if state := c.SessionState("S1"); state != StateIdle {
		t.Errorf("expected idle after cancel, got %s", state)
	}

	scheduler.mu.Lock()
	timers := append([]*manualTimer(nil), scheduler.timers...)
	scheduler.mu.Unlock()
	for _, timer := range timers {
		timer.fire()
	}
	if saver.callCount() != 0 {
		t.Errorf("cancelled draft was saved anyway: %d calls", saver.callCount())
	}

	if persisted, err := c.Flush(context.Background(), "S1"); err != nil || persisted != nil {
		t.Errorf("flush after cancel should be a no-op, got %v, %v", persisted, err)
	}
}

func TestFailedSaveClearsPendingAndReportsOnce(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	saver.err = errors.New("store rejected payload")

	var mu sync.Mutex
	var failures []annotation.SaveFailure
	journal := &fakeJournal{}
	c := New(saver, Config{
		Scheduler: scheduler,
		Journal:   journal,
		OnFailure: func(f annotation.SaveFailure) {
			mu.Lock()
			failures = append(failures, f)
			mu.Unlock()
		},
	})

	c.SubmitEdit(draft("S1", "tool-1", "doomed"))
	scheduler.fireLatest(t)
	waitForState(t, c, "S1", StateIdle)

	mu.Lock()
	failureCount := len(failures)
	mu.Unlock()
	if failureCount != 1 {
		t.Fatalf("expected one failure report, got %d", failureCount)
	}
	if failures[0].Message == "" || failures[0].OccurredAt.IsZero() {
		t.Errorf("failure report missing detail: %+v", failures[0])
	}
	if journal.markedCount() != 1 {
		t.Errorf("failed draft must be journaled as unsynced, got %d", journal.markedCount())
	}

	// A later unrelated edit must not resurrect the failed draft.
	saver.err = nil
	c.SubmitEdit(draft("S1", "tool-2", "unrelated"))
	scheduler.fireLatest(t)
	waitForState(t, c, "S1", StateIdle)

	if saver.callCount() != 2 {
		t.Fatalf("expected two save attempts total, got %d", saver.callCount())
	}
	if saver.lastCall().ExternalToolID != "tool-2" {
		t.Errorf("failed draft was retried: last save was %s", saver.lastCall().ExternalToolID)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	saver.release = make(chan struct{})
	c := New(saver, Config{Scheduler: scheduler})

	c.SubmitEdit(draft("S1", "tool-1", "one"))
	scheduler.fireLatest(t)
	<-saver.started

	// S1 is saving; S2 must still debounce and save on its own.
	c.SubmitEdit(draft("S2", "tool-9", "two"))
	if state := c.SessionState("S2"); state != StatePending {
		t.Errorf("expected S2 pending, got %s", state)
	}

	close(saver.release)
	scheduler.fireLatest(t)
	waitForState(t, c, "S2", StateIdle)
	waitForState(t, c, "S1", StateIdle)

	if saver.callCount() != 2 {
		t.Errorf("expected one save per study, got %d", saver.callCount())
	}
}

func TestDropSessionFlushesAndForgets(t *testing.T) {
	scheduler := &manualScheduler{}
	saver := newFakeSaver()
	c := New(saver, Config{Scheduler: scheduler})

	c.SubmitEdit(draft("S1", "tool-1", "teardown"))

	persisted, err := c.DropSession(context.Background(), "S1")
	if err != nil {
		t.Fatalf("DropSession failed: %v", err)
	}
	if persisted == nil || persisted.Label != "teardown" {
		t.Fatalf("teardown must flush the pending edit, got %+v", persisted)
	}

	c.mu.Lock()
	_, exists := c.sessions["S1"]
	c.mu.Unlock()
	if exists {
		t.Error("session state must be dropped after teardown")
	}
}

type fakeJournal struct {
	mu      sync.Mutex
	marked  []annotation.Draft
	cleared []string
}

func (j *fakeJournal) MarkUnsynced(_ context.Context, draft annotation.Draft, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.marked = append(j.marked, draft)
	return nil
}

func (j *fakeJournal) ClearUnsynced(_ context.Context, studyUID, externalToolID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleared = append(j.cleared, studyUID+"/"+externalToolID)
	return nil
}

func (j *fakeJournal) markedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.marked)
}
