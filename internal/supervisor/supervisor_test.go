package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ilyakruchinin/cpap-uploader/internal/activity"
	"github.com/ilyakruchinin/cpap-uploader/internal/backend"
	"github.com/ilyakruchinin/cpap-uploader/internal/busarbiter"
	"github.com/ilyakruchinin/cpap-uploader/internal/config"
	"github.com/ilyakruchinin/cpap-uploader/internal/fsm"
	"github.com/ilyakruchinin/cpap-uploader/internal/pipeline"
	"github.com/ilyakruchinin/cpap-uploader/internal/readonlyfs"
	"github.com/ilyakruchinin/cpap-uploader/internal/scheduler"
	"github.com/ilyakruchinin/cpap-uploader/internal/statestore"
)

type fakeCounter struct{ edges uint32 }

func (f *fakeCounter) Begin(pin int, windowMs uint32) error { return nil }
func (f *fakeCounter) ReadAndReset() uint32                 { return atomic.SwapUint32(&f.edges, 0) }

type fakeMux struct{}

func (fakeMux) DriveSelf() error { return nil }
func (fakeMux) DriveHost() error { return nil }

type fakeCmdLine struct{}

func (fakeCmdLine) ClockFrame(frame []byte) error { return nil }

type fakeMounter struct{}

func (fakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error { return nil }
func (fakeMounter) Unmount(target string, flags int) error                                { return nil }

// failingUnmountMounter mounts successfully but always fails to unmount, so a
// Guard.Release called against it surfaces a KindStorageFatal error.
type failingUnmountMounter struct{}

func (failingUnmountMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return nil
}
func (failingUnmountMounter) Unmount(target string, flags int) error {
	return errors.New("simulated unmount failure")
}

// emptySourceFS reports no folders, so a spawned upload worker completes
// immediately without touching a real filesystem.
type emptySourceFS struct{}

func (emptySourceFS) ListFolders() ([]pipeline.Folder, error)            { return nil, nil }
func (emptySourceFS) Open(path string) (io.ReadCloser, int64, error)     { return nil, 0, nil }
func (emptySourceFS) Hash(path string) (string, error)                  { return "", nil }
func (emptySourceFS) Sniff(path string, n int) ([]byte, error)           { return nil, nil }

func newTestHarness(t *testing.T, fatalTimeout time.Duration, now func() time.Time) (*Supervisor, *fsm.FSM, string) {
	t.Helper()
	return newTestHarnessWithMounter(t, fatalTimeout, now, fakeMounter{})
}

func newTestHarnessWithMounter(t *testing.T, fatalTimeout time.Duration, now func() time.Time, mounter readonlyfs.Mounter) (*Supervisor, *fsm.FSM, string) {
	t.Helper()
	stateDir := t.TempDir()

	store, err := statestore.Open(stateDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sensor := activity.New(&fakeCounter{})
	require.NoError(t, sensor.Begin(17, 100))

	arb := busarbiter.New(fakeMux{}, fakeCmdLine{}, time.Millisecond, 0, false)
	mount := readonlyfs.New(mounter, "/dev/fake", t.TempDir(), "vfat")

	p := pipeline.New(store, emptySourceFS{}, []backend.Adapter{}, pipeline.Config{
		RecentFolderDays: 2,
		MaxDays:          30,
		SessionDeadline:  time.Second,
	}, func(time.Time) bool { return true }, nil)

	f := fsm.New(fsm.Deps{
		Sensor:           sensor,
		Arbiter:          arb,
		Mount:            mount,
		Window:           scheduler.Window{StartHour: 0, EndHour: 0},
		Mode:             config.ModeSmart,
		DayTracker:       &scheduler.DayTracker{},
		CanUploadOld:     func(time.Time) bool { return true },
		SilenceThreshold: 10 * time.Millisecond,
		Cooldown:         10 * time.Millisecond,
		Now:              now,
	})

	s := New(Deps{
		FSM:          f,
		Sensor:       sensor,
		Store:        store,
		Pipeline:     p,
		StateDir:     stateDir,
		FatalTimeout: fatalTimeout,
		Now:          now,
	})
	return s, f, stateDir
}

func TestPendingCountsSplitsFreshAndOld(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s, _, _ := newTestHarness(t, time.Minute, func() time.Time { return now })

	s.deps.Store.Queue(statestore.JournalEvent{Type: statestore.EventPendingSeen, Folder: "fresh1", SeenAt: now.Add(-time.Hour)})
	s.deps.Store.Queue(statestore.JournalEvent{Type: statestore.EventPendingSeen, Folder: "old1", SeenAt: now.Add(-72 * time.Hour)})
	require.NoError(t, s.deps.Store.Flush())

	fresh, old := s.PendingCounts()
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, old)
}

func TestSessionDeadlineSecondsZeroWhenIdle(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s, _, _ := newTestHarness(t, time.Minute, func() time.Time { return now })
	assert.Equal(t, 0.0, s.SessionDeadlineSeconds(now))
}

func TestRequestStateResetPersistsFlagConsumedOnNextBoot(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s, _, stateDir := newTestHarness(t, time.Minute, func() time.Time { return now })

	require.NoError(t, s.RequestStateReset())

	requested, err := ConsumeResetFlag(stateDir)
	require.NoError(t, err)
	assert.True(t, requested)

	requested, err = ConsumeResetFlag(stateDir)
	require.NoError(t, err)
	assert.False(t, requested, "flag must be removed after first consumption")
}

func TestWatchdogLoopRebootsOnStaleHeartbeatDuringUpload(t *testing.T) {
	var cur atomic.Int64
	cur.Store(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, cur.Load()) }

	s, _, stateDir := newTestHarness(t, 20*time.Millisecond, now)
	s.uploading.Store(true)
	s.heartbeat.Store(now().UnixNano())

	var rebooted atomic.Bool
	s.deps.Reboot = func() { rebooted.Store(true) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = s.watchdogLoop(ctx)
		close(done)
	}()

	cur.Add(int64(time.Minute))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdogLoop did not return after staleness")
	}

	assert.True(t, rebooted.Load())

	data, err := os.ReadFile(stateDir + "/boot_reason")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "watchdog-kill"))
}

// TestSpawnUploadWorkerRebootsOnStorageFatalReleaseFailure guards the
// busarbiter.Guard.Release / pipeline.Run propagation path: a guard release
// that fails to unmount classifies as KindStorageFatal, and the Supervisor
// must react by rebooting rather than letting the FSM proceed to COOLDOWN
// believing the session ended normally while the bus is stuck owned by self.
func TestSpawnUploadWorkerRebootsOnStorageFatalReleaseFailure(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s, _, stateDir := newTestHarnessWithMounter(t, time.Minute, func() time.Time { return now }, failingUnmountMounter{})

	var rebooted atomic.Bool
	s.deps.Reboot = func() { rebooted.Store(true) }

	arb := busarbiter.New(fakeMux{}, fakeCmdLine{}, time.Millisecond, 0, false)
	guard, err := arb.Acquire()
	require.NoError(t, err)

	mount := readonlyfs.New(failingUnmountMounter{}, "/dev/fake", t.TempDir(), "vfat")
	handle, err := mount.MountRO()
	require.NoError(t, err)

	pending := &fsm.PendingUpload{Guard: guard, Mount: handle}

	g, ctx := errgroup.WithContext(context.Background())
	s.spawnUploadWorker(ctx, g, pending, now)
	require.NoError(t, g.Wait())

	assert.True(t, rebooted.Load(), "a storage-fatal release failure must trigger a reboot")

	data, err := os.ReadFile(stateDir + "/boot_reason")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "storage-fatal"))
}
