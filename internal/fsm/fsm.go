// Package fsm implements the state machine from spec.md §4.7: the formal
// state table driving LISTENING→ACQUIRING→UPLOADING→RELEASING→COOLDOWN,
// the IDLE/LISTENING split between scheduled and smart modes, the manual
// trigger bypass, and MONITORING interruption/resumption.
package fsm

import (
	"sync"
	"time"

	"github.com/ilyakruchinin/cpap-uploader/internal/activity"
	"github.com/ilyakruchinin/cpap-uploader/internal/busarbiter"
	"github.com/ilyakruchinin/cpap-uploader/internal/config"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
	"github.com/ilyakruchinin/cpap-uploader/internal/pipeline"
	"github.com/ilyakruchinin/cpap-uploader/internal/readonlyfs"
	"github.com/ilyakruchinin/cpap-uploader/internal/scheduler"
)

// State is one of the formal states from spec.md §4.7.
type State string

const (
	StateIdle       State = "IDLE"
	StateListening  State = "LISTENING"
	StateAcquiring  State = "ACQUIRING"
	StateUploading  State = "UPLOADING"
	StateReleasing  State = "RELEASING"
	StateCooldown   State = "COOLDOWN"
	StateComplete   State = "COMPLETE"
	StateMonitoring State = "MONITORING"
)

// Deps bundles every collaborator the FSM reads or drives. All fields are
// required except Now, which defaults to time.Now.
type Deps struct {
	Sensor       *activity.Sensor
	Arbiter      *busarbiter.Arbiter
	Mount        *readonlyfs.ReadOnlyFs
	Window       scheduler.Window
	Mode         config.Mode
	DayTracker   *scheduler.DayTracker
	CanUploadOld func(now time.Time) bool

	SilenceThreshold time.Duration // Z
	Cooldown         time.Duration // Y

	Now func() time.Time
}

// PendingUpload is returned by Tick when the FSM has just entered UPLOADING:
// the Supervisor picks this up and spawns pipeline.Run on its own worker
// goroutine, later reporting the outcome back via ReportSessionOutcome
// (spec.md §4.9, §5 two-worker concurrency model).
type PendingUpload struct {
	Guard *busarbiter.Guard
	Mount *readonlyfs.Handle
}

// FSM drives the single-threaded state machine described in spec.md §4.7.
// All mutation happens on the caller's goroutine inside Tick/Report*/Request*.
// Tick runs on the main loop, Request*/Trigger arrive from HTTP handler
// goroutines and ReportSessionOutcome from the upload worker goroutine; the
// mutex serializes these calls so each transition is atomic with respect to
// FSM internal state (spec.md §5).
type FSM struct {
	mu sync.Mutex

	deps  Deps
	state State

	stateEnteredAt time.Time

	monitorRequested bool
	stopRequested    bool
	manualTrigger    bool
}

// New constructs an FSM at its mode-appropriate initial state (spec.md
// §4.7: "LISTENING in smart mode; IDLE in scheduled mode. IDLE is
// unreachable in smart mode.").
func New(deps Deps) *FSM {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	initial := StateIdle
	if deps.Mode == config.ModeSmart {
		initial = StateListening
	}
	return &FSM{deps: deps, state: initial, stateEnteredAt: deps.Now()}
}

func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FSM) StateDuration(now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Sub(f.stateEnteredAt)
}

// RequestMonitor records an operator /monitor/start request (spec.md §4.7).
// While UPLOADING, the request is deferred until the current file and any
// mandatory tail finish (spec.md §5 cancellation rules) — Tick simply never
// consults monitorRequested in the UPLOADING branch, so it naturally waits.
func (f *FSM) RequestMonitor() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitorRequested = true
}

// RequestMonitorStop records an operator /monitor/stop request.
func (f *FSM) RequestMonitorStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopRequested = true
}

// Trigger records an operator-initiated manual trigger (spec.md §4.7): it
// jumps directly to ACQUIRING from any non-UPLOADING/ACQUIRING state,
// bypassing the silence check, on the next Tick.
func (f *FSM) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manualTrigger = true
}

func (f *FSM) transition(to State, now time.Time) {
	logging.Info().Str("from", string(f.state)).Str("to", string(to)).Msg("fsm: transition")
	f.state = to
	f.stateEnteredAt = now
	if to == StateListening {
		f.deps.Sensor.ResetConsecutiveIdle()
	}
}

// Tick advances the FSM by one step. It returns a non-nil PendingUpload
// exactly when the FSM has just entered UPLOADING, so the caller can spawn
// the actual upload worker without blocking this call.
func (f *FSM) Tick(now time.Time) *PendingUpload {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.manualTrigger && f.state != StateUploading && f.state != StateAcquiring {
		f.manualTrigger = false
		f.transition(StateAcquiring, now)
		return f.doAcquire(now)
	}

	switch f.state {
	case StateIdle:
		if f.monitorRequested {
			f.monitorRequested = false
			f.transition(StateMonitoring, now)
			return nil
		}
		if f.deps.Mode == config.ModeScheduled &&
			f.deps.Window.InWindow(now) &&
			!f.deps.DayTracker.DayCompleted(now) {
			f.transition(StateListening, now)
		}
		return nil

	case StateListening:
		if f.monitorRequested {
			f.monitorRequested = false
			f.transition(StateMonitoring, now)
			return nil
		}
		if f.deps.Sensor.IsIdleFor(f.deps.SilenceThreshold) {
			f.transition(StateAcquiring, now)
			return f.doAcquire(now)
		}
		if f.deps.Mode == config.ModeScheduled && !f.deps.Window.InWindow(now) {
			f.transition(StateIdle, now)
		}
		return nil

	case StateAcquiring:
		// Only reached here if a prior Tick set the state without resolving
		// it (shouldn't happen given doAcquire resolves synchronously), but
		// handled defensively by retrying the acquire.
		return f.doAcquire(now)

	case StateUploading:
		// Driven externally via ReportSessionOutcome; a monitor-request
		// seen here is deliberately deferred (spec.md §5).
		return nil

	case StateReleasing:
		if f.stopRequested {
			f.stopRequested = false
		}
		if f.monitorRequested {
			f.monitorRequested = false
			f.transition(StateMonitoring, now)
		} else {
			f.transition(StateCooldown, now)
		}
		return nil

	case StateCooldown:
		if now.Sub(f.stateEnteredAt) >= f.deps.Cooldown {
			if f.deps.Mode == config.ModeSmart ||
				(f.deps.Window.InWindow(now) && !f.deps.DayTracker.DayCompleted(now)) {
				f.transition(StateListening, now)
			} else {
				f.transition(StateIdle, now)
			}
		}
		return nil

	case StateComplete:
		if f.deps.Mode == config.ModeSmart {
			f.transition(StateReleasing, now)
		} else {
			f.deps.DayTracker.MarkCompleted(now)
			f.transition(StateIdle, now)
		}
		return nil

	case StateMonitoring:
		if f.stopRequested {
			f.stopRequested = false
			// Formally the table says MONITORING -> IDLE unconditionally,
			// but IDLE is unreachable in smart mode (spec.md §4.7's prose
			// note) and the end-to-end scenario in spec.md §8 scenario 6
			// expects a return to LISTENING in smart mode; this
			// reconciliation is recorded as an Open Question decision.
			if f.deps.Mode == config.ModeSmart {
				f.transition(StateListening, now)
			} else {
				f.transition(StateIdle, now)
			}
		}
		return nil
	}
	return nil
}

// doAcquire attempts the bus acquisition and mount, resolving ACQUIRING
// synchronously (spec.md §4.2's settle delay is on the order of ~1s, short
// enough to run on the calling Tick without a separate worker).
func (f *FSM) doAcquire(now time.Time) *PendingUpload {
	guard, err := f.deps.Arbiter.Acquire()
	if err != nil {
		logging.Warn().Err(err).Msg("fsm: acquire failed")
		f.transition(StateReleasing, now)
		return nil
	}

	handle, err := f.deps.Mount.MountRO()
	if err != nil {
		logging.Error().Err(err).Msg("fsm: mount after acquire failed")
		guard.Release(nil)
		f.transition(StateReleasing, now)
		return nil
	}

	f.transition(StateUploading, now)
	return &PendingUpload{Guard: guard, Mount: handle}
}

// ReportSessionOutcome is called by the Supervisor once the upload worker's
// pipeline.Run returns (spec.md §4.7 UPLOADING transitions). Valid only
// while in UPLOADING.
func (f *FSM) ReportSessionOutcome(outcome pipeline.Outcome, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateUploading {
		logging.Warn().Str("state", string(f.state)).Msg("fsm: session outcome reported outside UPLOADING, ignoring")
		return
	}
	if outcome == pipeline.Complete {
		f.transition(StateComplete, now)
	} else {
		f.transition(StateReleasing, now)
	}
}
