// Package scheduler implements the pure wall-clock functions from
// spec.md §4.5: window arithmetic (including cross-midnight), fresh-vs-old
// upload gating, and day-completion tracking. Nothing here touches I/O or
// hardware; every function is a referentially transparent function of its
// inputs, which is what makes the FSM's guards trivially testable.
package scheduler

import "time"

// Mode mirrors config.Mode without importing the config package, keeping
// this package dependency-free per its pure-function contract.
type Mode string

const (
	ModeSmart     Mode = "smart"
	ModeScheduled Mode = "scheduled"
)

// Window holds the configured upload window, in local hours [0,23].
type Window struct {
	StartHour int
	EndHour   int
}

// InWindow reports whether now's local hour falls inside the window.
//
// start == end is the special "24-hour open" window (spec.md §4.5).
// start > end means the window crosses midnight.
func (w Window) InWindow(now time.Time) bool {
	if w.StartHour == w.EndHour {
		return true
	}
	h := now.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// CanUploadFresh implements spec.md §4.5: smart mode always allows fresh
// uploads; scheduled mode requires the window.
func CanUploadFresh(w Window, now time.Time, mode Mode) bool {
	if mode == ModeSmart {
		return true
	}
	return w.InWindow(now)
}

// CanUploadOld implements spec.md §4.5: old-folder uploads require the
// window in both modes.
func CanUploadOld(w Window, now time.Time) bool {
	return w.InWindow(now)
}

// DayTracker tracks the "day_completed" flag from spec.md §4.5, clearing it
// automatically when local calendar day rolls over.
type DayTracker struct {
	lastCompletedYday int // 1-366, 0 = none recorded
	lastCompletedYear int
}

// MarkCompleted records that the current local day finished its upload
// schedule (spec.md FSM: COMPLETE -> scheduled -> mark day_completed -> IDLE).
func (d *DayTracker) MarkCompleted(now time.Time) {
	d.lastCompletedYday = now.YearDay()
	d.lastCompletedYear = now.Year()
}

// DayCompleted reports whether now falls on the day that was last marked
// completed. A new local day clears the flag implicitly: once now.YearDay()
// (or now.Year()) no longer matches the recorded day, DayCompleted reports
// false without any explicit reset call.
func (d *DayTracker) DayCompleted(now time.Time) bool {
	return d.lastCompletedYday != 0 &&
		d.lastCompletedYday == now.YearDay() &&
		d.lastCompletedYear == now.Year()
}

// Reset clears the day-completed flag unconditionally (used by /reset-state
// and by tests).
func (d *DayTracker) Reset() {
	d.lastCompletedYday = 0
	d.lastCompletedYear = 0
}
