package supervisor

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
)

func resetFlagPath(dir string) string {
	if dir == "" {
		return resetFlagFile
	}
	return filepath.Join(dir, resetFlagFile)
}

// writeResetFlag persists a marker file holding the request time (RFC 3339),
// the same pattern
// internal/bootreason uses for boot_reason: a small flag written before a
// planned restart, consumed once on the next clean boot (spec.md §6: "never
// in-line, to avoid mid-I/O destruction").
func writeResetFlag(dir string) error {
	marker := []byte(time.Now().UTC().Format(time.RFC3339))
	if err := natomic.WriteFile(resetFlagPath(dir), bytes.NewReader(marker)); err != nil {
		return errors.Wrap(err, "supervisor: write reset flag")
	}
	return nil
}

// consumeResetFlag checks for and removes the reset-requested marker,
// reporting whether one was present. Called once at startup before
// statestore.Open.
func consumeResetFlag(dir string) (bool, error) {
	path := resetFlagPath(dir)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "supervisor: stat reset flag")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, errors.Wrap(err, "supervisor: remove reset flag")
	}
	return true, nil
}
