package autosave

import "time"

// Timer is an armed debounce timer. Stop reports whether the timer was
// stopped before firing.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts timer creation so the coordinator's state machine can
// be driven deterministically in tests.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemScheduler struct{}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) Stop() bool { return t.t.Stop() }

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{t: time.AfterFunc(d, f)}
}

// SystemScheduler schedules on the runtime clock.
func SystemScheduler() Scheduler { return systemScheduler{} }
