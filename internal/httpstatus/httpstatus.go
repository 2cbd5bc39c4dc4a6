// Package httpstatus implements the JSON status/control HTTP surface from
// spec.md §6: GET /status, GET /activity, POST /trigger, POST /monitor/start,
// POST /monitor/stop, POST /reset-state. It is the one external interface
// spec.md explicitly leaves this core to expose — the web UI itself is out
// of scope (spec.md §1) — so every handler here returns JSON consumed by any
// operator UI, never HTML.
package httpstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"github.com/ilyakruchinin/cpap-uploader/internal/activity"
	"github.com/ilyakruchinin/cpap-uploader/internal/config"
	"github.com/ilyakruchinin/cpap-uploader/internal/fsm"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
	"github.com/ilyakruchinin/cpap-uploader/internal/scheduler"
)

// FSMControl is the subset of *fsm.FSM this surface drives: reading current
// state for /status and issuing operator requests for /trigger and
// /monitor/*. A narrow interface (rather than the concrete type) keeps this
// package testable with a fake instead of a full FSM.
type FSMControl interface {
	State() fsm.State
	StateDuration(now time.Time) time.Duration
	RequestMonitor()
	RequestMonitorStop()
	Trigger()
}

// PendingCounts reports how many fresh/old folders are awaiting upload, for
// /status's fresh_pending/old_pending fields.
type PendingCounts interface {
	PendingCounts() (fresh, old int)
}

// SessionDeadline reports the remaining seconds on any in-flight
// UploadSession, or 0 if none is active.
type SessionDeadline interface {
	SessionDeadlineSeconds(now time.Time) float64
}

// StateResetter persists the /reset-state request as a flag the next boot
// observes (spec.md §6: "never in-line, to avoid mid-I/O destruction").
type StateResetter interface {
	RequestStateReset() error
}

// ActivityView is the read surface /activity needs from the ActivitySensor.
type ActivityView interface {
	Samples() []activity.Sample
	ConsecutiveIdleMs() uint32
	LongestIdleMs() uint32
	Totals() (activeMs, idleMs uint64)
}

// Deps bundles every collaborator the status surface reads or drives.
type Deps struct {
	FSM      FSMControl
	Sensor   ActivityView
	Pending  PendingCounts
	Deadline SessionDeadline
	Resetter StateResetter

	Mode   config.Mode
	Window scheduler.Window

	Now func() time.Time
}

// Server hosts the status/control JSON surface on one HTTP listener.
type Server struct {
	deps   Deps
	router *mux.Router
	srv    *http.Server
}

// New builds a Server and wires its routes, but does not start listening.
func New(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	s.router.HandleFunc("/trigger", s.handleTrigger).Methods(http.MethodPost)
	s.router.HandleFunc("/monitor/start", s.handleMonitorStart).Methods(http.MethodPost)
	s.router.HandleFunc("/monitor/stop", s.handleMonitorStop).Methods(http.MethodPost)
	s.router.HandleFunc("/reset-state", s.handleResetState).Methods(http.MethodPost)
	return s
}

// Handler exposes the underlying http.Handler for tests and for embedding
// in a custom listener.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the HTTP server on addr. It blocks until the server
// is shut down via Shutdown or fails to bind.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	logging.Info().Str("addr", addr).Msg("httpstatus: listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting at most 5 seconds for
// in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	State            string  `json:"state"`
	StateDurationS   float64 `json:"state_duration_s"`
	Mode             string  `json:"mode"`
	InWindow         bool    `json:"in_window"`
	FreshPending     int     `json:"fresh_pending"`
	OldPending       int     `json:"old_pending"`
	SessionDeadlineS float64 `json:"session_deadline_s"`
	HeapFree         uint64  `json:"heap_free"`
	HeapMaxAlloc     uint64  `json:"heap_max_alloc"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Now()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fresh, old := 0, 0
	if s.deps.Pending != nil {
		fresh, old = s.deps.Pending.PendingCounts()
	}

	var deadlineS float64
	if s.deps.Deadline != nil {
		deadlineS = s.deps.Deadline.SessionDeadlineSeconds(now)
	}

	resp := statusResponse{
		State:            string(s.deps.FSM.State()),
		StateDurationS:   s.deps.FSM.StateDuration(now).Seconds(),
		Mode:             string(s.deps.Mode),
		InWindow:         s.deps.Window.InWindow(now),
		FreshPending:     fresh,
		OldPending:       old,
		SessionDeadlineS: deadlineS,
		HeapFree:         mem.HeapIdle,
		HeapMaxAlloc:     mem.HeapSys,
	}
	writeJSON(w, http.StatusOK, resp)
}

type activitySampleView struct {
	T      int64  `json:"t"`
	Edges  uint32 `json:"edges"`
	Active bool   `json:"active"`
}

type activityResponse struct {
	Monitoring    bool                 `json:"monitoring"`
	CurrentIdleMs uint32               `json:"current_idle_ms"`
	LongestIdleMs uint32               `json:"longest_idle_ms"`
	TotalActive   uint64               `json:"total_active"`
	TotalIdle     uint64               `json:"total_idle"`
	Samples       []activitySampleView `json:"samples"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	samples := s.deps.Sensor.Samples()
	view := make([]activitySampleView, 0, len(samples))
	for _, sample := range samples {
		view = append(view, activitySampleView{
			T:      sample.StartedAtMs,
			Edges:  sample.EdgeCount,
			Active: sample.Class == activity.Active,
		})
	}
	activeMs, idleMs := s.deps.Sensor.Totals()

	resp := activityResponse{
		Monitoring:    s.deps.FSM.State() == fsm.StateMonitoring,
		CurrentIdleMs: s.deps.Sensor.ConsecutiveIdleMs(),
		LongestIdleMs: s.deps.Sensor.LongestIdleMs(),
		TotalActive:   activeMs,
		TotalIdle:     idleMs,
		Samples:       view,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTrigger forces an immediate ACQUIRING (spec.md §6), refused if
// scheduled-mode and the window is closed: the operator trigger bypasses
// the silence check, not the configured schedule.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Now()
	if s.deps.Mode == config.ModeScheduled && !s.deps.Window.InWindow(now) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "outside upload window in scheduled mode"})
		return
	}
	s.deps.FSM.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	s.deps.FSM.RequestMonitor()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "monitor-requested"})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	s.deps.FSM.RequestMonitorStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "monitor-stop-requested"})
}

// handleResetState persists the reset request as a flag rather than
// clearing the StateStore in-line, per spec.md §6's "never in-line, to
// avoid mid-I/O destruction" — the clear happens on the next clean boot.
func (s *Server) handleResetState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resetter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reset not supported"})
		return
	}
	if err := s.deps.Resetter.RequestStateReset(); err != nil {
		logging.Error().Err(err).Msg("httpstatus: request state reset failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset-requested"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("httpstatus: encode response failed")
	}
}
