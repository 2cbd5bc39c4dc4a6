// Package bootreason persists the small `boot_reason` diagnostic record
// named in spec.md §6/§7: a flag written before any planned reboot
// (watchdog-kill, state-reset-requested, storage-fatal) and read back on
// the next boot so the Supervisor can surface why the device restarted.
//
// spec.md §9 carves this out as the single exception to "replace global
// mutable singletons ... with explicit handles": the boot-reason record is
// a small persisted flag, not in-memory state, so a package-level file path
// plus plain read/write functions is the right shape rather than a struct
// threaded through every constructor.
package bootreason

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
)

// Reason enumerates the planned-reboot causes spec.md §7 names.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonWatchdogKill        Reason = "watchdog-kill"
	ReasonStateResetRequested Reason = "state-reset-requested"
	ReasonStorageFatal        Reason = "storage-fatal"
)

// Record is the on-disk shape of boot_reason.
type Record struct {
	Reason Reason    `json:"reason"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

const fileName = "boot_reason"

// Write atomically records reason at dir/boot_reason, overwriting any
// previous record. Called before a planned reboot (spec.md §7).
func Write(dir string, reason Reason, detail string) error {
	rec := Record{Reason: reason, At: time.Now(), Detail: detail}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "bootreason: marshal record")
	}
	if err := natomic.WriteFile(path(dir), bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "bootreason: write record")
	}
	return nil
}

// Read loads the boot_reason record, if any. A missing file is not an
// error: it reports ReasonNone, meaning the prior shutdown was unplanned or
// this is a first boot.
func Read(dir string) (Record, error) {
	data, err := os.ReadFile(path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{Reason: ReasonNone}, nil
		}
		return Record{}, errors.Wrap(err, "bootreason: read record")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn or corrupt record is treated the same as absent, matching
		// the tolerant-load discipline the statestore journal uses (spec.md
		// §4.4): diagnostics should never block boot.
		return Record{Reason: ReasonNone}, nil
	}
	return rec, nil
}

// Clear removes the boot_reason record after it has been surfaced once, so
// a stale reason doesn't keep reporting on every subsequent boot.
func Clear(dir string) error {
	if err := os.Remove(path(dir)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "bootreason: clear record")
	}
	return nil
}

func path(dir string) string {
	if dir == "" {
		return fileName
	}
	return dir + "/" + fileName
}
