package sync

import (
	gosync "sync"
	"time"
)

// debouncer collapses a burst of calls into a single invocation of the most
// recently supplied function, fired after a quiet window. Each Call cancels
// and reschedules the timer, so only the last pending call ever runs.
type debouncer struct {
	delay time.Duration

	mu      gosync.Mutex
	timer   *time.Timer
	latest  func()
	stopped bool
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay}
}

// Call schedules f to run after the quiet window, replacing any call
// scheduled earlier. It is a no-op after Stop.
func (d *debouncer) Call(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.latest = f
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	f := d.latest
	d.latest = nil
	// A Stop that raced the timer wins: nothing fires after teardown.
	if d.stopped {
		f = nil
	}
	d.mu.Unlock()

	if f != nil {
		f()
	}
}

// Stop cancels any pending call. No function runs after Stop returns.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.latest = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Reset re-arms a stopped debouncer so the channel can be subscribed again.
func (d *debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = false
}
