package store

import (
	"sync"
	"time"
)

// TimerHandle identifies one scheduled callback.
type TimerHandle uint64

// TimerService owns all delayed callbacks for the store. Callers from any
// goroutine go through Schedule/Cancel; the handle map is the only shared
// state and the runtime timer heap does the actual scheduling.
type TimerService struct {
	mu     sync.Mutex
	timers map[TimerHandle]*time.Timer
	next   TimerHandle
}

func NewTimerService() *TimerService {
	return &TimerService{timers: make(map[TimerHandle]*time.Timer)}
}

// Schedule arms fn to run once after d. The returned handle cancels it.
func (ts *TimerService) Schedule(d time.Duration, fn func()) TimerHandle {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.next++
	id := ts.next
	ts.timers[id] = time.AfterFunc(d, func() {
		ts.mu.Lock()
		delete(ts.timers, id)
		ts.mu.Unlock()
		fn()
	})
	return id
}

// Cancel stops a scheduled callback. Cancelling an already-fired or unknown
// handle is a no-op.
func (ts *TimerService) Cancel(h TimerHandle) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if t, ok := ts.timers[h]; ok {
		t.Stop()
		delete(ts.timers, h)
	}
}

// Stop cancels everything outstanding.
func (ts *TimerService) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for id, t := range ts.timers {
		t.Stop()
		delete(ts.timers, id)
	}
}
