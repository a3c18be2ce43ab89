package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a manually advanced clock. Callbacks registered with AfterFunc
// run synchronously inside Advance, in deadline order.
type Virtual struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    time.Time
	nextID int
	timers []*virtualTimer
}

type virtualTimer struct {
	c        *Virtual
	id       int
	deadline time.Time
	fn       func()
}

// NewVirtual creates a clock frozen at start.
func NewVirtual(start time.Time) *Virtual {
	v := &Virtual{now: start}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (v *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	t := &virtualTimer{c: v, id: v.nextID, deadline: v.now.Add(d), fn: f}
	v.timers = append(v.timers, t)
	v.cond.Broadcast()
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		sort.SliceStable(v.timers, func(i, j int) bool {
			return v.timers[i].deadline.Before(v.timers[j].deadline)
		})
		if len(v.timers) == 0 || v.timers[0].deadline.After(target) {
			v.now = target
			v.mu.Unlock()
			return
		}
		t := v.timers[0]
		v.timers = v.timers[1:]
		if t.deadline.After(v.now) {
			v.now = t.deadline
		}
		v.mu.Unlock()
		t.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

// BlockUntil waits until at least n timers are pending. Tests use it to
// synchronise with goroutines that are about to sleep on the clock.
func (v *Virtual) BlockUntil(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for len(v.timers) < n {
		v.cond.Wait()
	}
}

func (t *virtualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	for i, other := range t.c.timers {
		if other.id == t.id {
			t.c.timers = append(t.c.timers[:i], t.c.timers[i+1:]...)
			return true
		}
	}
	return false
}
