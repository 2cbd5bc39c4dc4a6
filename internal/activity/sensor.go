// Package activity implements the ActivitySensor façade from spec.md §4.1:
// a hardware edge-counter abstraction producing {active, idle} samples and
// tracking consecutive-idle duration. The counting primitive itself
// (EdgeCounter) is an interface so production code drives real hardware
// while tests drive a synthetic sequence of edge counts, the same split the
// teacher uses between its graph.Auth interface and mock_graph.go fakes.
package activity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
)

// Classification is the verdict for one sampling window.
type Classification int

const (
	Idle Classification = iota
	Active
)

// EdgeCounter is the hardware façade: begin arms a rising+falling edge
// counter (with a short glitch filter) on pin; readAndReset atomically reads
// the accumulated edge count and zeroes the counter, which is what lets
// activity between two update() calls never get lost even though sampling
// itself is non-blocking (spec.md §4.1).
type EdgeCounter interface {
	Begin(pin int, windowMs uint32) error
	ReadAndReset() uint32
}

// Sample is an immutable record of one sampling window (spec.md §3).
type Sample struct {
	StartedAtMs int64
	WindowMs    uint32
	EdgeCount   uint32
	Class       Classification
}

const ringCapacity = 300 // spec.md §3: N=300

// ring is a lock-free SPSC ring buffer: the sensor is the sole producer
// (called from the main loop), the HTTP status surface is the sole class of
// reader, coordinated by an atomic write index (spec.md §5).
type ring struct {
	buf      [ringCapacity]Sample
	writeIdx uint64 // monotonically increasing; index = writeIdx % ringCapacity
}

func (r *ring) push(s Sample) {
	idx := atomic.LoadUint64(&r.writeIdx)
	r.buf[idx%ringCapacity] = s
	atomic.StoreUint64(&r.writeIdx, idx+1)
}

// Snapshot returns up to ringCapacity most-recent samples, oldest first.
func (r *ring) Snapshot() []Sample {
	total := atomic.LoadUint64(&r.writeIdx)
	n := total
	if n > ringCapacity {
		n = ringCapacity
	}
	out := make([]Sample, 0, n)
	start := total - n
	for i := start; i < total; i++ {
		out = append(out, r.buf[i%ringCapacity])
	}
	return out
}

// ErrUninitialized is returned by Update when called before Begin.
var ErrUninitialized = errors.New("activity: sensor uninitialized")

// Sensor drives an EdgeCounter on a fixed sampling cadence and derives
// ConsecutiveIdle per spec.md §3.
//
// Update runs on the Supervisor's main-loop goroutine; the consecutive/
// longest-idle and active/idle total fields it writes are also read from
// per-request goroutines spawned by net/http's handlers (internal/httpstatus
// §6's /status and /activity surface), so mu guards them the same way
// busarbiter.Arbiter and supervisor.Supervisor guard their own cross-goroutine
// state. The ring buffer itself stays lock-free (SPSC, atomic index).
type Sensor struct {
	counter  EdgeCounter
	windowMs uint32
	pin      int
	begun    bool

	lastSampleAt time.Time

	mu              sync.Mutex
	consecutiveIdle time.Duration
	longestIdle     time.Duration
	totalActive     uint64
	totalIdle       uint64

	samples ring
	now     func() time.Time
}

// New constructs a Sensor around counter. The FSM decision window
// (windowMs, spec.md default 100ms) is set later by Begin; the operator-view
// aggregation to 1s samples happens one layer up in the HTTP status surface.
func New(counter EdgeCounter) *Sensor {
	return &Sensor{counter: counter, now: time.Now}
}

// Begin arms the underlying edge counter (spec.md §4.1).
func (s *Sensor) Begin(pin int, windowMs uint32) error {
	if err := s.counter.Begin(pin, windowMs); err != nil {
		return errors.Wrap(err, "activity: begin edge counter")
	}
	s.pin = pin
	s.windowMs = windowMs
	s.begun = true
	s.lastSampleAt = s.now()
	return nil
}

// Update is non-blocking and must be called from the main loop. If windowMs
// has elapsed since the last sample it reads and zeroes the edge count,
// producing a new Sample; otherwise it is a no-op. Returns the new sample
// (or false) so callers can log/trace transitions without re-reading state.
func (s *Sensor) Update() (Sample, bool, error) {
	if !s.begun {
		return Sample{}, false, ErrUninitialized
	}
	now := s.now()
	elapsed := now.Sub(s.lastSampleAt)
	if elapsed < time.Duration(s.windowMs)*time.Millisecond {
		return Sample{}, false, nil
	}

	edges := s.counter.ReadAndReset()
	class := Idle
	if edges > 0 {
		class = Active
	}

	sample := Sample{
		StartedAtMs: s.lastSampleAt.UnixMilli(),
		WindowMs:    s.windowMs,
		EdgeCount:   edges,
		Class:       class,
	}
	s.lastSampleAt = now
	s.samples.push(sample)

	s.mu.Lock()
	if class == Active {
		s.consecutiveIdle = 0
		s.totalActive += uint64(s.windowMs)
	} else {
		s.consecutiveIdle += time.Duration(s.windowMs) * time.Millisecond
		s.totalIdle += uint64(s.windowMs)
		if s.consecutiveIdle > s.longestIdle {
			s.longestIdle = s.consecutiveIdle
		}
	}
	s.mu.Unlock()

	return sample, true, nil
}

// IsIdleFor reports whether consecutive idle time has reached at least ms.
func (s *Sensor) IsIdleFor(ms time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveIdle >= ms
}

// ConsecutiveIdleMs returns the current consecutive-idle duration.
func (s *Sensor) ConsecutiveIdleMs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.consecutiveIdle.Milliseconds())
}

// ResetConsecutiveIdle zeroes the idle accumulator on LISTENING entry
// (spec.md §3 invariant: reset on LISTENING entry).
func (s *Sensor) ResetConsecutiveIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveIdle = 0
}

// LongestIdleMs returns the longest consecutive-idle run observed since
// construction, for the /activity status surface (spec.md §6).
func (s *Sensor) LongestIdleMs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.longestIdle.Milliseconds())
}

// Totals returns the lifetime active/idle millisecond totals for /activity.
func (s *Sensor) Totals() (activeMs, idleMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalActive, s.totalIdle
}

// Samples returns a snapshot of the rolling sample buffer for /activity.
func (s *Sensor) Samples() []Sample {
	return s.samples.Snapshot()
}
