package core

import "time"

// Timer is a one-shot, re-armable timer: Start schedules fn to fire after d
// (replacing any pending fire), Cancel prevents a pending fire. Both are
// idempotent. This is the "timer service" external collaborator,
// reduced to the operations the core actually uses (add/start/cancel); the
// service need not support repeating timers.
type Timer interface {
	Start(d time.Duration)
	Cancel()
	Armed() bool
}

// TimerService creates timers whose fire callback is already wired to run
// on the owning device's event loop (see loop.go) — fn must never be called
// concurrently with the core's own goroutine.
type TimerService interface {
	NewTimer(fn func()) Timer
}

// stdTimerService implements TimerService with time.AfterFunc.
type stdTimerService struct {
	post func(func())
}

// NewStdTimerService returns a TimerService whose timers hand their fire
// callback to post (typically DeviceRecord.post) so firing is serialized
// onto the device's single logical thread like every other entry point.
func NewStdTimerService(post func(func())) TimerService {
	return &stdTimerService{post: post}
}

func (s *stdTimerService) NewTimer(fn func()) Timer {
	return &stdTimer{post: s.post, fn: fn}
}

type stdTimer struct {
	post  func(func())
	fn    func()
	t     *time.Timer
	armed bool
}

func (t *stdTimer) Start(d time.Duration) {
	t.Cancel()
	t.armed = true
	t.t = time.AfterFunc(d, func() {
		t.post(func() {
			if !t.armed {
				return
			}
			t.armed = false
			t.fn()
		})
	})
}

func (t *stdTimer) Cancel() {
	if t.t != nil {
		t.t.Stop()
	}
	t.armed = false
}

func (t *stdTimer) Armed() bool { return t.armed }
