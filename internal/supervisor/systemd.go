package supervisor

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
)

// notifySystemdReady tells systemd the main loop is up (spec.md §5's
// cooperative scheduling model only starts once every collaborator is
// wired). A no-op, non-error return under sdnotify=false, matching the
// teacher's tolerance for running outside systemd (e.g. in tests or under
// a plain init script).
func notifySystemdReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Warn().Err(err).Msg("supervisor: systemd ready notify failed")
	}
}

func notifySystemdStopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logging.Warn().Err(err).Msg("supervisor: systemd stopping notify failed")
	}
}

// notifySystemdWatchdog feeds the hardware watchdog unconditionally from
// the main loop, which never blocks (spec.md §4.9: the hardware watchdog
// and the software heartbeat are deliberately independent signals).
func notifySystemdWatchdog() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		logging.Warn().Err(err).Msg("supervisor: systemd watchdog notify failed")
	}
}
