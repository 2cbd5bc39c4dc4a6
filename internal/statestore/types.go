// Package statestore implements the persistent upload-progress layer from
// spec.md §3/§4.4: bounded in-memory tables backed by a crash-safe snapshot
// (go.etcd.io/bbolt) plus an append-only journal of typed events, with
// periodic compaction. StateStore is the sole writer to the private
// device-local filesystem (spec.md §5); internal/readonlyfs never touches
// this path.
package statestore

import "time"

// FileFingerprint is the change-detection record from spec.md §3. Checksum
// is empty for append-only data files (size-only detection); it is set for
// mandatory config files that can mutate in place.
type FileFingerprint struct {
	PathHash string `json:"path_hash"`
	Size     uint64 `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// SessionStats is the per-session aggregate from spec.md §3. No summary line
// holding it is persisted after session end.
type SessionStats struct {
	StartedAt      time.Time `json:"started_at"`
	BytesRead      uint64    `json:"bytes_read"`
	BytesUploaded  uint64    `json:"bytes_uploaded"`
	FilesAttempted int       `json:"files_attempted"`
	FilesSucceeded int       `json:"files_succeeded"`
	HoldMsTotal    int64     `json:"hold_ms_total"`
	HoldMsLongest  int64     `json:"hold_ms_longest"`
	HoldsCount     int       `json:"holds_count"`
	CPAPMsTotal    int64     `json:"cpap_ms_total"`
}

// EventType enumerates the JournalEvent kinds from spec.md §3.
type EventType string

const (
	EventFolderCompleted EventType = "FOLDER_COMPLETED"
	EventFileUploaded    EventType = "FILE_UPLOADED"
	EventPendingSeen     EventType = "PENDING_SEEN"
	EventRetryIncr       EventType = "RETRY_INCR"
	EventSessionSummary  EventType = "SESSION_SUMMARY"
)

// JournalEvent is one typed line in the append-only journal.
type JournalEvent struct {
	Type EventType `json:"type"`

	// FOLDER_COMPLETED, PENDING_SEEN, RETRY_INCR
	Folder string `json:"folder,omitempty"`

	// FILE_UPLOADED
	PathHash string `json:"path_hash,omitempty"`
	Size     uint64 `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`

	// PENDING_SEEN
	SeenAt time.Time `json:"seen_at,omitempty"`

	// SESSION_SUMMARY
	Summary *SessionStats `json:"summary,omitempty"`
}

const (
	// CapCompletedFolders is spec.md §3's cap on completed_folders.
	CapCompletedFolders = 368
	// CapFileFingerprints is spec.md §3's cap on file_fingerprints.
	CapFileFingerprints = 250
	// CompactionThreshold is spec.md §3's "~250 events" journal compaction
	// trigger.
	CompactionThreshold = 250
)

// Table holds the bounded in-memory tables from spec.md §3.
type Table struct {
	completedFolders *orderedSet
	fileFingerprints *orderedMap
	pendingFolders   map[string]time.Time
	retryCounters    map[string]int
	inUse            map[string]bool
}

func newTable() *Table {
	return &Table{
		completedFolders: newOrderedSet(CapCompletedFolders),
		fileFingerprints: newOrderedMap(CapFileFingerprints),
		pendingFolders:   make(map[string]time.Time),
		retryCounters:    make(map[string]int),
		inUse:            make(map[string]bool),
	}
}

// MarkInUse/UnmarkInUse exempt a key from eviction while the pipeline is
// actively reading or writing it (spec.md §8 bounded-state invariant:
// "evictions remove only non-in-use entries").
func (t *Table) MarkInUse(key string)   { t.inUse[key] = true }
func (t *Table) UnmarkInUse(key string) { delete(t.inUse, key) }

func (t *Table) isInUse(key string) bool { return t.inUse[key] }

// IsFolderCompleted reports whether folder is in completed_folders.
func (t *Table) IsFolderCompleted(folder string) bool {
	return t.completedFolders.has(folder)
}

// Fingerprint returns the stored fingerprint for pathHash, if any.
func (t *Table) Fingerprint(pathHash string) (FileFingerprint, bool) {
	v, ok := t.fileFingerprints.get(pathHash)
	if !ok {
		return FileFingerprint{}, false
	}
	return v.(FileFingerprint), true
}

// RetryCount returns the retry counter for folder.
func (t *Table) RetryCount(folder string) int { return t.retryCounters[folder] }

// PendingSince returns the first-seen timestamp for folder, if pending.
func (t *Table) PendingSince(folder string) (time.Time, bool) {
	ts, ok := t.pendingFolders[folder]
	return ts, ok
}

// CompletedFolders returns a snapshot slice of completed folder names.
func (t *Table) CompletedFolders() []string { return t.completedFolders.items() }

// PendingFolders returns a snapshot of the pending_folders table (folder
// name -> first-seen timestamp), for the /status surface's fresh/old
// pending counts (SPEC_FULL.md component internal/httpstatus).
func (t *Table) PendingFolders() map[string]time.Time {
	out := make(map[string]time.Time, len(t.pendingFolders))
	for k, v := range t.pendingFolders {
		out[k] = v
	}
	return out
}
