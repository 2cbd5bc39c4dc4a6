package httpstatus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyakruchinin/cpap-uploader/internal/activity"
	"github.com/ilyakruchinin/cpap-uploader/internal/config"
	"github.com/ilyakruchinin/cpap-uploader/internal/fsm"
	"github.com/ilyakruchinin/cpap-uploader/internal/scheduler"
)

// fakeFSM is a hand-fed FSMControl double: a plain struct rather than a
// mocking framework.
type fakeFSM struct {
	state            fsm.State
	monitorRequested bool
	stopRequested    bool
	triggered        bool
}

func (f *fakeFSM) State() fsm.State                                  { return f.state }
func (f *fakeFSM) StateDuration(now time.Time) time.Duration         { return 42 * time.Second }
func (f *fakeFSM) RequestMonitor()                                   { f.monitorRequested = true }
func (f *fakeFSM) RequestMonitorStop()                                { f.stopRequested = true }
func (f *fakeFSM) Trigger()                                           { f.triggered = true }

type fakePending struct{ fresh, old int }

func (f fakePending) PendingCounts() (int, int) { return f.fresh, f.old }

type fakeDeadline struct{ seconds float64 }

func (f fakeDeadline) SessionDeadlineSeconds(now time.Time) float64 { return f.seconds }

type fakeResetter struct{ requested bool; err error }

func (f *fakeResetter) RequestStateReset() error {
	f.requested = true
	return f.err
}

func newTestServer(fsmDouble *fakeFSM, mode config.Mode, window scheduler.Window) (*Server, *fakeResetter) {
	resetter := &fakeResetter{}
	s := New(Deps{
		FSM:      fsmDouble,
		Sensor:   activity.New(noopCounter{}),
		Pending:  fakePending{fresh: 2, old: 1},
		Deadline: fakeDeadline{seconds: 90},
		Resetter: resetter,
		Mode:     mode,
		Window:   window,
		Now:      func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) },
	})
	return s, resetter
}

type noopCounter struct{}

func (noopCounter) Begin(pin int, windowMs uint32) error { return nil }
func (noopCounter) ReadAndReset() uint32                 { return 0 }

func TestStatusEndpoint(t *testing.T) {
	fakeF := &fakeFSM{state: fsm.StateListening}
	s, _ := newTestServer(fakeF, config.ModeSmart, scheduler.Window{StartHour: 9, EndHour: 21})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "LISTENING", resp.State)
	assert.Equal(t, "smart", resp.Mode)
	assert.Equal(t, 2, resp.FreshPending)
	assert.Equal(t, 1, resp.OldPending)
	assert.Equal(t, 90.0, resp.SessionDeadlineS)
}

func TestTriggerRefusedOutsideWindowInScheduledMode(t *testing.T) {
	fakeF := &fakeFSM{state: fsm.StateIdle}
	// now() is 10:00 UTC; window 22-6 excludes it.
	s, _ := newTestServer(fakeF, config.ModeScheduled, scheduler.Window{StartHour: 22, EndHour: 6})

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, fakeF.triggered)
}

func TestTriggerAcceptedInSmartMode(t *testing.T) {
	fakeF := &fakeFSM{state: fsm.StateIdle}
	s, _ := newTestServer(fakeF, config.ModeSmart, scheduler.Window{StartHour: 9, EndHour: 21})

	req := httptest.NewRequest(http.MethodPost, "/trigger", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, fakeF.triggered)
}

func TestMonitorStartStop(t *testing.T) {
	fakeF := &fakeFSM{state: fsm.StateListening}
	s, _ := newTestServer(fakeF, config.ModeSmart, scheduler.Window{StartHour: 9, EndHour: 21})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/monitor/start", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, fakeF.monitorRequested)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/monitor/stop", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, fakeF.stopRequested)
}

func TestResetStatePersistsFlagNotInline(t *testing.T) {
	fakeF := &fakeFSM{state: fsm.StateIdle}
	s, resetter := newTestServer(fakeF, config.ModeSmart, scheduler.Window{StartHour: 9, EndHour: 21})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset-state", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resetter.requested)
}

func TestActivityEndpoint(t *testing.T) {
	fakeF := &fakeFSM{state: fsm.StateMonitoring}
	s, _ := newTestServer(fakeF, config.ModeSmart, scheduler.Window{StartHour: 9, EndHour: 21})

	req := httptest.NewRequest(http.MethodGet, "/activity", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp activityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Monitoring)
}
