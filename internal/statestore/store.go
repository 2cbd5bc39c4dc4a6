package statestore

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
)

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

const (
	snapshotFileName = "state.snapshot"
	journalFileName  = "state.journal"
	lockFileName     = ".statestore.lock"
)

// Store is the StateStore from spec.md §4.4: the exclusive owner of the
// private filesystem's persisted upload progress. The gofrs/flock lock
// enforces "the private filesystem has a single writer" (spec.md §5) even
// across a crash-and-restart race where a previous process's file handle
// might otherwise still be considered live.
type Store struct {
	mu sync.Mutex

	dir          string
	snapshotPath string
	journalPath  string

	lock *flock.Flock
	db   *bolt.DB

	table   *Table
	pending []JournalEvent

	eventsSinceSnapshot int
}

// Open acquires the single-writer lock, opens (or creates) the snapshot
// database, and calls Load to replay the journal on top of it.
func Open(dir string) (*Store, error) {
	lockPath := filepath.Join(dir, lockFileName)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "statestore: acquire private-fs lock")
	}
	if !ok {
		return nil, errors.New("statestore: private filesystem is locked by another writer")
	}

	s := &Store{
		dir:          dir,
		snapshotPath: filepath.Join(dir, snapshotFileName),
		journalPath:  filepath.Join(dir, journalFileName),
		lock:         lock,
	}

	db, err := openSnapshotDB(s.snapshotPath)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	s.db = db

	if err := s.Load(); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

// Load reads the most recent snapshot then replays the journal on top of
// it (spec.md §4.4). On journal-read failure the trailing partial line is
// already discarded by parseJournal; a missing journal is zero events.
func (s *Store) Load() error {
	table, err := loadSnapshot(s.db)
	if err != nil {
		return err
	}

	events, err := readJournalFile(s.journalPath)
	if err != nil {
		logging.Warn().Err(err).Msg("statestore: journal read failed, continuing with snapshot only")
		events = nil
	}
	for _, ev := range events {
		applyEvent(table, ev)
	}

	s.mu.Lock()
	s.table = table
	s.pending = nil
	s.eventsSinceSnapshot = len(events)
	s.mu.Unlock()
	return nil
}

// Table returns the live in-memory table. Callers must treat it as
// read-mostly except through Queue.
func (s *Store) Table() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Queue applies ev to the in-memory table immediately and stages it for the
// next Flush (spec.md §4.4: "queue(event) appends in-RAM").
func (s *Store) Queue(ev JournalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applyEvent(s.table, ev)
	s.pending = append(s.pending, ev)
}

// Flush writes every queued event to the journal in one append (spec.md
// §4.4: "flush() writes all queued events in one append"). Per §4.4's
// cadence rule, callers invoke this at batch/folder/session boundaries and
// immediately before any planned restart — never per file.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := appendJournalLines(s.journalPath, pending); err != nil {
		s.mu.Lock()
		s.pending = append(pending, s.pending...) // don't lose events on write failure
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.eventsSinceSnapshot += len(pending)
	shouldCompact := s.eventsSinceSnapshot >= CompactionThreshold
	s.mu.Unlock()

	if shouldCompact {
		return s.Snapshot()
	}
	return nil
}

// Snapshot writes a fresh snapshot and truncates the journal (spec.md
// §4.4). If the bbolt write fails, the previous snapshot is untouched (its
// own commit protocol guarantees that) and the journal is left alone so no
// events are lost.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	table := s.table
	s.mu.Unlock()

	if err := writeSnapshot(s.db, table); err != nil {
		return errors.Wrap(err, "statestore: write snapshot")
	}
	if err := truncateJournal(s.journalPath); err != nil {
		return err
	}

	s.mu.Lock()
	s.eventsSinceSnapshot = 0
	s.mu.Unlock()
	return nil
}

// Close flushes nothing (callers are expected to Flush explicitly before
// shutdown, per the cancellation contract in spec.md §5) and releases the
// snapshot db and the single-writer lock.
func (s *Store) Close() error {
	var firstErr error
	if err := s.db.Close(); err != nil {
		firstErr = err
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Reset clears persisted state at dir by removing the snapshot and journal
// files outright (spec.md §6's /reset-state control): the next Open starts
// from empty bounded tables. Must only be called while no Store has dir
// open, since it does not take the single-writer lock itself.
func Reset(dir string) error {
	for _, name := range []string{snapshotFileName, journalFileName} {
		if err := removeIfExists(filepath.Join(dir, name)); err != nil {
			return errors.Wrap(err, "statestore: reset")
		}
	}
	return nil
}

// applyEvent mutates table in place for one JournalEvent, used both by
// Queue (live path) and Load (replay path) so the two can never diverge.
func applyEvent(t *Table, ev JournalEvent) {
	switch ev.Type {
	case EventFolderCompleted:
		t.completedFolders.add(ev.Folder, t.isInUse)
		delete(t.pendingFolders, ev.Folder)
		delete(t.retryCounters, ev.Folder)
	case EventFileUploaded:
		t.fileFingerprints.put(ev.PathHash, FileFingerprint{
			PathHash: ev.PathHash,
			Size:     ev.Size,
			Checksum: ev.Checksum,
		}, t.isInUse)
	case EventPendingSeen:
		if _, exists := t.pendingFolders[ev.Folder]; !exists {
			seenAt := ev.SeenAt
			if seenAt.IsZero() {
				seenAt = time.Now()
			}
			t.pendingFolders[ev.Folder] = seenAt
		}
	case EventRetryIncr:
		t.retryCounters[ev.Folder]++
	case EventSessionSummary:
		// Summaries do not affect the bounded tables, so replaying one is a
		// no-op. Nothing in the module queues this event or writes a
		// summary.current file.
	}
}
