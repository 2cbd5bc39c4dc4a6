// Package busarbiter implements the shared-bus mux owner from spec.md §4.2:
// acquire()/release() with the invariant "at most one side owns the bus",
// the unmount-then-reset-then-release ordering on release, and hold-time
// statistics. A Guard is the RAII-style handle whose Release (or whose
// destruction path, approximated in Go by an explicit defer-friendly
// Release) performs that ordering.
package busarbiter

import (
	"sync"
	"time"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
)

// Owner is the BusOwnership tagged value from spec.md §3.
type Owner int

const (
	OwnerHost Owner = iota
	OwnerSelf
)

func (o Owner) String() string {
	if o == OwnerSelf {
		return "self"
	}
	return "host"
}

// Mux is the hardware façade for the mux-control line.
type Mux interface {
	DriveSelf() error
	DriveHost() error
}

// CommandLine is the façade for the storage command line the soft-reset
// frame is clocked out on.
type CommandLine interface {
	ClockFrame(frame []byte) error
}

// Unmounter is satisfied by readonlyfs.Handle: the guard's release path must
// unmount before flipping the mux (spec.md §4.2 invariant).
type Unmounter interface {
	Unmount() error
}

// softResetFrame is the fixed 6-byte CMD0 frame from the glossary: it resets
// the storage device's protocol state machine to idle before handoff.
var softResetFrame = []byte{0x40, 0x00, 0x00, 0x00, 0x00, 0x95}

// ErrBusBusy is returned by Acquire when another acquisition is in flight.
var ErrBusBusy = errors.WithKind(errors.KindBusBusy, errors.New("bus already owned by self"))

// Stats accumulates SessionStats' hold-time fields (spec.md §3).
type Stats struct {
	HoldMsTotal   int64
	HoldMsLongest int64
	HoldsCount    int
}

// Arbiter owns the shared-bus mux. Exactly one Owner is valid at any instant
// (spec.md §3 BusOwnership invariant); that invariant is enforced by the
// mutex serializing Acquire/guard-Release pairs.
type Arbiter struct {
	mu               sync.Mutex
	mux              Mux
	cmdLine          CommandLine
	settleDelay      time.Duration
	reinitDelay      time.Duration
	enableResetFrame bool

	owner      Owner
	acquiring  bool
	statsTotal Stats
}

// New constructs an Arbiter. settleDelay is the ~500ms allowance spec.md §4.2
// requires after driving the mux to SELF; reinitDelay is the ~500ms
// card-reinitialization allowance spec.md §3 requires after HOST->SELF.
func New(mux Mux, cmdLine CommandLine, settleDelay, reinitDelay time.Duration, enableResetFrame bool) *Arbiter {
	return &Arbiter{
		mux:              mux,
		cmdLine:          cmdLine,
		settleDelay:      settleDelay,
		reinitDelay:      reinitDelay,
		enableResetFrame: enableResetFrame,
		owner:            OwnerHost,
	}
}

// Guard is the RAII-style handle returned by Acquire. Release must be called
// exactly once; it unmounts u (if non-nil), optionally clocks the soft-reset
// frame, then drives the mux back to HOST and records hold statistics.
type Guard struct {
	arb       *Arbiter
	startedAt time.Time
	released  bool
}

// Acquire drives the mux to SELF, waits the settling interval, and returns a
// Guard. The caller (the FSM) is responsible for only calling this once
// ActivitySensor reports sustained silence (spec.md §4.2).
func (a *Arbiter) Acquire() (*Guard, error) {
	a.mu.Lock()
	if a.owner == OwnerSelf || a.acquiring {
		a.mu.Unlock()
		return nil, ErrBusBusy
	}
	a.acquiring = true
	a.mu.Unlock()

	if err := a.mux.DriveSelf(); err != nil {
		a.mu.Lock()
		a.acquiring = false
		a.mu.Unlock()
		return nil, errors.Wrap(err, "busarbiter: drive mux to self")
	}
	time.Sleep(a.settleDelay)
	time.Sleep(a.reinitDelay) // card re-initialization allowance (spec.md §3)

	a.mu.Lock()
	a.owner = OwnerSelf
	a.acquiring = false
	a.mu.Unlock()

	logging.Info().Msg("busarbiter: acquired bus")
	return &Guard{arb: a, startedAt: time.Now()}, nil
}

// Release unmounts u (the caller's filesystem handle), optionally emits the
// soft-reset frame, then hands the bus back to HOST, recording hold
// statistics. Calling Release more than once is a no-op.
//
// A failure in either the unmount or the final DriveHost step leaves the
// Arbiter's owner at OwnerSelf and the bus in a state this process cannot
// safely reason about further — the filesystem may still be mounted, or the
// mux may still be pointed at SELF. Both are reported with KindStorageFatal
// so the caller (pipeline.Run) can propagate the failure instead of treating
// the session as a normal completion; spec.md §9's recovery path for this
// class of failure is a clean reboot, not a retry.
func (g *Guard) Release(u Unmounter) error {
	if g.released {
		return nil
	}
	g.released = true

	if u != nil {
		if err := u.Unmount(); err != nil {
			logging.Error().Err(err).Msg("busarbiter: unmount before release failed")
			return errors.WithKind(errors.KindStorageFatal, errors.Wrap(err, "busarbiter: unmount before release"))
		}
	}

	if g.arb.enableResetFrame {
		if err := g.arb.cmdLine.ClockFrame(softResetFrame); err != nil {
			logging.Warn().Err(err).Msg("busarbiter: soft-reset frame failed, releasing anyway")
		}
	}

	if err := g.arb.mux.DriveHost(); err != nil {
		return errors.WithKind(errors.KindStorageFatal, errors.Wrap(err, "busarbiter: drive mux to host"))
	}

	held := time.Since(g.startedAt)

	g.arb.mu.Lock()
	g.arb.owner = OwnerHost
	g.arb.statsTotal.HoldMsTotal += held.Milliseconds()
	g.arb.statsTotal.HoldsCount++
	if held.Milliseconds() > g.arb.statsTotal.HoldMsLongest {
		g.arb.statsTotal.HoldMsLongest = held.Milliseconds()
	}
	g.arb.mu.Unlock()

	logging.Info().Int64("hold_ms", held.Milliseconds()).Msg("busarbiter: released bus")
	return nil
}

// Owner reports the current bus owner.
func (a *Arbiter) Owner() Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Stats returns a copy of the accumulated hold statistics.
func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statsTotal
}
