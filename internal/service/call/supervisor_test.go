package call

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// fakeTimerSet records scheduled callbacks and which stop functions have
// been invoked, so tests can fire or inspect deadlines deterministically.
type fakeTimerSet struct {
	mu      sync.Mutex
	pending []func()
	stopped []bool
}

func (f *fakeTimerSet) after(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.pending)
	f.pending = append(f.pending, fn)
	f.stopped = append(f.stopped, false)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		was := f.stopped[idx]
		f.stopped[idx] = true
		return !was
	}
}

func (f *fakeTimerSet) fireIndex(i int) {
	f.mu.Lock()
	fn := f.pending[i]
	fired := f.stopped[i]
	f.mu.Unlock()
	if !fired {
		fn()
	}
}

func (f *fakeTimerSet) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stopped {
		if s {
			n++
		}
	}
	return n
}

func newFakeSupervisor(fire func(uuid.UUID)) (*Supervisor, *fakeTimerSet) {
	timers := &fakeTimerSet{}
	sup := NewSupervisor(fire)
	sup.after = timers.after
	return sup, timers
}

func TestSupervisorFiresArmedDeadline(t *testing.T) {
	var fired []uuid.UUID
	sup, timers := newFakeSupervisor(func(callID uuid.UUID) {
		fired = append(fired, callID)
	})

	callID := uuid.New()
	sup.Arm(callID, time.Minute)
	assert.Equal(t, 1, sup.Pending())

	timers.fireIndex(0)

	assert.Equal(t, []uuid.UUID{callID}, fired)
	assert.Equal(t, 0, sup.Pending())
}

func TestSupervisorCancelStopsDeadline(t *testing.T) {
	var fired int
	sup, timers := newFakeSupervisor(func(uuid.UUID) { fired++ })

	callID := uuid.New()
	sup.Arm(callID, time.Minute)
	sup.Cancel(callID)

	assert.Equal(t, 0, sup.Pending())
	assert.Equal(t, 1, timers.stoppedCount())

	timers.fireIndex(0)
	assert.Equal(t, 0, fired)
}

func TestSupervisorCancelUnknownCallIsNoOp(t *testing.T) {
	sup, _ := newFakeSupervisor(func(uuid.UUID) {})
	sup.Cancel(uuid.New())
	assert.Equal(t, 0, sup.Pending())
}

func TestSupervisorRearmReplacesTimer(t *testing.T) {
	var fired int
	sup, timers := newFakeSupervisor(func(uuid.UUID) { fired++ })

	callID := uuid.New()
	sup.Arm(callID, time.Minute)
	sup.Arm(callID, time.Minute)

	// The first timer was stopped when the second was armed.
	assert.Equal(t, 1, sup.Pending())
	assert.Equal(t, 1, timers.stoppedCount())

	timers.fireIndex(1)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, sup.Pending())
}

func TestSupervisorTracksIndependentCalls(t *testing.T) {
	var fired []uuid.UUID
	sup, timers := newFakeSupervisor(func(callID uuid.UUID) {
		fired = append(fired, callID)
	})

	a, b := uuid.New(), uuid.New()
	sup.Arm(a, time.Minute)
	sup.Arm(b, time.Minute)
	assert.Equal(t, 2, sup.Pending())

	sup.Cancel(a)
	timers.fireIndex(1)

	assert.Equal(t, []uuid.UUID{b}, fired)
	assert.Equal(t, 0, sup.Pending())
}
