// Package pipeline implements the UploadSession/UploadPipeline from
// spec.md §4.6: scan → categorize → batch → single-read stream → finalize,
// enforcing the size-lock invariant and the session-deadline rule.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the tagged result of a Run (spec.md §4.6, §9: outcomes, never
// exceptions, cross the worker boundary).
type Outcome int

const (
	Complete Outcome = iota
	Timeout
	Errored
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "Complete"
	case Timeout:
		return "Timeout"
	default:
		return "Errored"
	}
}

// FileEntry is one candidate file surfaced by a scan (spec.md §4.6 step 2).
type FileEntry struct {
	// Path is the file's path relative to the shared medium's root; also
	// used, unmodified, as the remote path handed to backend adapters.
	Path string
	// Size is the size observed at scan time, used only to decide
	// candidacy for append-only data; the actual upload re-snapshots the
	// size at open time (spec.md §4.6.1 step 1).
	Size int64
	// MutableConfig marks a file whose candidacy is decided by content
	// hash rather than size (spec.md §4.6 step 2).
	MutableConfig bool
	// Mandatory marks a root/config file required by cloud imports,
	// uploaded once per touched import in Phase 3 rather than per-folder.
	Mandatory bool
}

// Folder is one scanned folder, already ordered newest-file-first by the
// scanner (spec.md §5 ordering guarantee).
type Folder struct {
	Name    string
	ModTime time.Time
	Files   []FileEntry
}

// Session is one UploadSession: a deadline-bounded run of the pipeline.
type Session struct {
	ID        string
	StartedAt time.Time
	Deadline  time.Time
}

// NewSession creates a session with a fresh UUID and the given deadline
// duration from now.
func NewSession(now time.Time, deadline time.Duration) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: now,
		Deadline:  now.Add(deadline),
	}
}

// Stats accumulates the SessionStats fields the pipeline updates as it
// runs. Run returns it to the caller; no summary.current file is written.
type Stats struct {
	BytesRead      uint64
	BytesUploaded  uint64
	FilesAttempted int
	FilesSucceeded int
}
