package readonlyfs

import "os"

// writeFile is split out from RemountRWBriefly purely so tests can stub the
// Mounter without touching the real filesystem while still exercising the
// remount-then-write-then-remount-ro control flow end to end.
func writeFile(path string, payload []byte) error {
	return os.WriteFile(path, payload, 0o644)
}
