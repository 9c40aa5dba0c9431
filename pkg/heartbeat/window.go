package heartbeat

import (
	"sync"
	"time"
)

// Window implements the node's daily service-window schedule: start
// opens admission, stop triggers a graceful close of the active
// reservation's workers and advances by 24h, end force-evicts surviving workers and also
// advances by 24h, per the node configuration's service_start/stop/end
// times (HH:MM local wall clock; only the start is required).
type Window struct {
	mu    sync.Mutex
	start time.Time
	stop  time.Time
	end   time.Time

	lastStopFire time.Time
	lastEndFire  time.Time
}

// NewWindow builds a Window from the node's configured start/stop/end
// times. A zero start means there is no window — the node is always
// open and ShouldClose/ShouldEvict never fire.
func NewWindow(start, stop, end time.Time) *Window {
	return &Window{start: start, stop: stop, end: end}
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Open reports whether wall-clock now falls inside the configured
// admission window.
func (w *Window) Open() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open(time.Now())
}

func (w *Window) open(now time.Time) bool {
	if w.start.IsZero() {
		return true
	}
	closeAt := w.stop
	if closeAt.IsZero() {
		closeAt = w.end
	}
	if closeAt.IsZero() {
		return minutesOfDay(now) >= minutesOfDay(w.start)
	}

	nowM, startM, closeM := minutesOfDay(now), minutesOfDay(w.start), minutesOfDay(closeAt)
	if startM <= closeM {
		return nowM >= startM && nowM < closeM
	}
	return nowM >= startM || nowM < closeM // window wraps past midnight
}

// ShouldClose reports whether stop has just been crossed today.
func (w *Window) ShouldClose(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop.IsZero() {
		return false
	}
	return fireOnce(&w.lastStopFire, w.stop, now)
}

// ShouldEvict reports whether end has just been crossed today.
func (w *Window) ShouldEvict(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.end.IsZero() {
		return false
	}
	return fireOnce(&w.lastEndFire, w.end, now)
}

// fireOnce edge-triggers a daily mark: it fires the first tick on or
// after mark's time-of-day each calendar day, then stays quiet until
// the next day rolls around.
func fireOnce(last *time.Time, mark, now time.Time) bool {
	if minutesOfDay(now) < minutesOfDay(mark) {
		return false
	}
	day := now.Truncate(24 * time.Hour)
	if !last.IsZero() && !last.Before(day) {
		return false
	}
	*last = day
	return true
}
