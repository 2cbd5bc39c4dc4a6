// Package supervisor implements the two-logical-worker scheduling model from
// spec.md §4.9/§5: a cooperative main loop (FSM ticks, activity sampling,
// HTTP status surface) and one dedicated upload worker spawned per session,
// coordinated through golang.org/x/sync/errgroup, the same way a FUSE
// daemon runs its delta-sync loop and download manager alongside the
// filesystem server. The Supervisor also owns the software heartbeat spec.md §4.9/§7
// names: if the upload worker goes stale for longer than the fatal timeout,
// the Supervisor requests a clean reboot rather than killing the task
// (spec.md §9: "the watchdog-kill path is a last-resort reboot, not a
// task-kill").
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/ilyakruchinin/cpap-uploader/internal/activity"
	"github.com/ilyakruchinin/cpap-uploader/internal/bootreason"
	cpaperrors "github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/fsm"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
	"github.com/ilyakruchinin/cpap-uploader/internal/pipeline"
	"github.com/ilyakruchinin/cpap-uploader/internal/statestore"
)

// RebootFunc performs the actual clean reboot (e.g. syscall.Reboot, or a
// systemd unit restart). Tests substitute a fake that just records the call
// instead of actually restarting the process.
type RebootFunc func()

// Deps bundles every collaborator the Supervisor drives.
type Deps struct {
	FSM      *fsm.FSM
	Sensor   *activity.Sensor
	Store    *statestore.Store
	Pipeline *pipeline.Pipeline

	// StateDir is the private filesystem directory holding boot_reason and
	// the reset-requested flag (spec.md §6).
	StateDir string

	// FatalTimeout is the software-heartbeat staleness threshold (spec.md
	// §4.9 default 120s) beyond which the Supervisor requests a reboot.
	FatalTimeout time.Duration

	Reboot RebootFunc
	Now    func() time.Time
}

const resetFlagFile = "reset_requested"

// Supervisor hosts the FSM-driven main loop and the upload worker, and
// implements the read-only collaborator interfaces internal/httpstatus
// needs (PendingCounts, SessionDeadline, StateResetter).
type Supervisor struct {
	deps Deps

	heartbeat atomic.Int64 // unix nanos, fed by the upload worker
	uploading atomic.Bool

	mu               sync.Mutex
	sessionDeadline  time.Time
	hasActiveSession bool
}

// New constructs a Supervisor. Call Run to start the main loop.
func New(deps Deps) *Supervisor {
	if deps.FatalTimeout <= 0 {
		deps.FatalTimeout = 120 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Reboot == nil {
		deps.Reboot = func() { logging.Fatal().Msg("supervisor: reboot requested but no RebootFunc configured") }
	}
	s := &Supervisor{deps: deps}
	s.heartbeat.Store(deps.Now().UnixNano())
	return s
}

// FeedHeartbeat is passed to pipeline.New as its WatchdogFeed callback
// (spec.md §4.6 step 4, §4.9): the upload worker calls this once per
// processed file so a hang (stuck TLS handshake, wedged SD read) is
// detectable independent of the cooperative main loop, which keeps running
// regardless.
func (s *Supervisor) FeedHeartbeat() {
	s.heartbeat.Store(s.deps.Now().UnixNano())
}

// Run starts the main loop and the watchdog monitor, blocking until ctx is
// canceled or either exits with an error.
func (s *Supervisor) Run(ctx context.Context) error {
	notifySystemdReady()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.mainLoop(ctx, g) })
	g.Go(func() error { return s.watchdogLoop(ctx) })

	err := g.Wait()
	notifySystemdStopping()
	return err
}

// mainLoop is the cooperative single-threaded worker from spec.md §5: it
// samples the activity sensor, advances the FSM, and spawns the upload
// worker (via the errgroup, so its completion is still awaited by Run) each
// time the FSM reports it has entered UPLOADING.
func (s *Supervisor) mainLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, _, err := s.deps.Sensor.Update(); err != nil {
			logging.Warn().Err(err).Msg("supervisor: sensor update failed")
		}

		now := s.deps.Now()
		pending := s.deps.FSM.Tick(now)
		if pending != nil {
			s.spawnUploadWorker(ctx, g, pending, now)
		}

		notifySystemdWatchdog()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tickInterval(s.deps.FSM.State())):
		}
	}
}

// tickInterval implements spec.md §5's "yields periodically (10-100 ms
// depending on state)": LISTENING wants tighter sampling to catch silence
// edges promptly, while COOLDOWN/IDLE can poll more slowly.
func tickInterval(state fsm.State) time.Duration {
	switch state {
	case fsm.StateListening, fsm.StateAcquiring:
		return 10 * time.Millisecond
	case fsm.StateUploading, fsm.StateReleasing:
		return 50 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// spawnUploadWorker runs one UploadSession on a dedicated goroutine (spec.md
// §4.9/§5: "one dedicated upload task"), reporting its outcome back to the
// FSM and clearing the session-deadline bookkeeping the HTTP status surface
// reads. Registered with the errgroup so Run's g.Wait() still observes it.
func (s *Supervisor) spawnUploadWorker(ctx context.Context, g *errgroup.Group, pending *fsm.PendingUpload, now time.Time) {
	session := pipeline.NewSession(now, s.deps.Pipeline.SessionDeadlineDuration())
	s.mu.Lock()
	s.sessionDeadline = session.Deadline
	s.hasActiveSession = true
	s.mu.Unlock()
	s.uploading.Store(true)
	s.heartbeat.Store(now.UnixNano())

	g.Go(func() error {
		defer func() {
			s.uploading.Store(false)
			s.mu.Lock()
			s.hasActiveSession = false
			s.mu.Unlock()
		}()

		outcome, stats, err := s.deps.Pipeline.Run(ctx, session, pending.Guard, pending.Mount)
		if err != nil {
			logging.Error().Err(err).Msg("supervisor: upload session errored")
			outcome = pipeline.Errored

			if kind, ok := cpaperrors.KindOf(err); ok && cpaperrors.Is(kind, cpaperrors.KindStorageFatal) {
				s.deps.FSM.ReportSessionOutcome(outcome, s.deps.Now())
				s.triggerStorageFatalReboot(err)
				return nil
			}
		}
		logging.Info().
			Str("outcome", outcome.String()).
			Int("files_succeeded", stats.FilesSucceeded).
			Uint64("bytes_uploaded", stats.BytesUploaded).
			Msg("supervisor: upload session finished")

		s.deps.FSM.ReportSessionOutcome(outcome, s.deps.Now())
		return nil
	})
}

// triggerStorageFatalReboot handles a KindStorageFatal error out of
// pipeline.Run: the bus guard's release failed, so the Arbiter is stuck
// believing self still owns the bus (busarbiter.Guard.Release never resets
// ownership on failure) and this process can no longer safely reason about
// the shared medium's state. Rather than let the FSM proceed to COOLDOWN
// believing the session finished normally, request the same clean reboot the
// watchdog path uses, with a distinct boot_reason so the next boot's logs
// show why.
func (s *Supervisor) triggerStorageFatalReboot(cause error) {
	logging.Error().Err(cause).Msg("supervisor: bus release failed, rebooting")
	if s.deps.StateDir != "" {
		if err := bootreason.Write(s.deps.StateDir, bootreason.ReasonStorageFatal, cause.Error()); err != nil {
			logging.Error().Err(err).Msg("supervisor: failed to persist boot_reason before storage-fatal reboot")
		}
	}
	s.deps.Reboot()
}

// watchdogLoop implements spec.md §4.9/§7's watchdog-stale error kind: it
// polls the software heartbeat and, only while a session is actually in
// flight, requests a clean reboot if the upload worker has gone silent
// longer than FatalTimeout. It never kills the task directly (spec.md §9).
func (s *Supervisor) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.FatalTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.uploading.Load() {
				continue
			}
			last := time.Unix(0, s.heartbeat.Load())
			if s.deps.Now().Sub(last) > s.deps.FatalTimeout {
				s.triggerWatchdogReboot(last)
				return nil
			}
		}
	}
}

func (s *Supervisor) triggerWatchdogReboot(lastHeartbeat time.Time) {
	logging.Error().Time("last_heartbeat", lastHeartbeat).Msg("supervisor: software heartbeat stale, rebooting")
	if s.deps.StateDir != "" {
		if err := bootreason.Write(s.deps.StateDir, bootreason.ReasonWatchdogKill, "heartbeat stale past fatal timeout"); err != nil {
			logging.Error().Err(err).Msg("supervisor: failed to persist boot_reason before watchdog reboot")
		}
	}
	s.deps.Reboot()
}

// PendingCounts implements httpstatus.PendingCounts, approximating
// fresh/old pending folder counts from the StateStore's pending_folders
// table (spec.md §3) split by RecentFolderDays — the only folders a scan
// can observe between sessions, since the shared medium is unmounted
// outside UPLOADING.
func (s *Supervisor) PendingCounts() (fresh, old int) {
	recentCutoff := s.deps.Now().Add(-recentFolderWindow(s.deps.Pipeline))
	for _, seenAt := range s.deps.Store.Table().PendingFolders() {
		if seenAt.After(recentCutoff) {
			fresh++
		} else {
			old++
		}
	}
	return fresh, old
}

func recentFolderWindow(p *pipeline.Pipeline) time.Duration {
	if p == nil {
		return 0
	}
	return time.Duration(p.RecentFolderDays()) * 24 * time.Hour
}

// SessionDeadlineSeconds implements httpstatus.SessionDeadline.
func (s *Supervisor) SessionDeadlineSeconds(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasActiveSession {
		return 0
	}
	remaining := s.sessionDeadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining.Seconds()
}

// RequestStateReset implements httpstatus.StateResetter: it persists a flag
// file rather than clearing the StateStore in-line (spec.md §6), observed
// by ConsumeResetFlag on the next boot before StateStore.Open.
func (s *Supervisor) RequestStateReset() error {
	return writeResetFlag(s.deps.StateDir)
}

// ConsumeResetFlag is called once at process startup, before StateStore is
// opened: it removes the reset-requested flag and reports whether one was
// present. It does not touch the snapshot/journal files; the caller runs
// statestore.Reset when it returns true.
func ConsumeResetFlag(stateDir string) (requested bool, err error) {
	return consumeResetFlag(stateDir)
}
