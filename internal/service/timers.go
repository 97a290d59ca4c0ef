package service

import (
	"sync"
	"time"
)

// timerScheduler owns the two timers driving shot closure: the window
// timer, rearmed after every qualifying arrival, and the timeout timer,
// armed once per shot. Cancellation is always explicit: rearming first
// stops any pending window timer so a fire can never be duplicated.
type timerScheduler struct {
	mu      sync.Mutex
	window  *time.Timer
	timeout *time.Timer
}

// ArmTimeout schedules the hard-ceiling callback. Any previously armed
// timeout timer is cancelled first.
func (s *timerScheduler) ArmTimeout(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout != nil {
		s.timeout.Stop()
	}
	s.timeout = time.AfterFunc(d, fn)
}

// ArmOrRearmWindow schedules the debounce callback, cancelling any
// pending window timer. The timeout timer is not touched.
func (s *timerScheduler) ArmOrRearmWindow(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window != nil {
		s.window.Stop()
	}
	s.window = time.AfterFunc(d, fn)
}

// CancelAll stops both timers. Callbacks already in flight are fenced
// off by the engine's shot generation check.
func (s *timerScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window != nil {
		s.window.Stop()
		s.window = nil
	}
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}
