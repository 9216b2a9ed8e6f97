package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// timerFunc schedules f after d and returns a stop function. Production
// uses time.AfterFunc; tests substitute a manual trigger.
type timerFunc func(d time.Duration, f func()) func() bool

func realTimer(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// Supervisor arms one ring deadline per call. When the deadline fires it
// posts a timeout event to the relay; the owning session decides whether
// the call is still pending. Cancel is called when a call reaches a
// terminal state so timers do not accumulate.
type Supervisor struct {
	fire  func(callID uuid.UUID)
	after timerFunc

	mu     sync.Mutex
	timers map[uuid.UUID]func() bool
}

func NewSupervisor(fire func(callID uuid.UUID)) *Supervisor {
	return &Supervisor{
		fire:   fire,
		after:  realTimer,
		timers: make(map[uuid.UUID]func() bool),
	}
}

// Arm schedules the ring deadline for callID. Re-arming replaces the
// previous timer.
func (s *Supervisor) Arm(callID uuid.UUID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.timers[callID]; ok {
		stop()
	}
	s.timers[callID] = s.after(d, func() {
		s.mu.Lock()
		delete(s.timers, callID)
		s.mu.Unlock()
		s.fire(callID)
	})
}

// Cancel stops the deadline for callID if one is armed.
func (s *Supervisor) Cancel(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.timers[callID]; ok {
		stop()
		delete(s.timers, callID)
	}
}

// Pending reports how many deadlines are currently armed.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
