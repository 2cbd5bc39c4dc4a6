package pipeline

import (
	"context"
	"time"

	"github.com/ilyakruchinin/cpap-uploader/internal/backend"
	"github.com/ilyakruchinin/cpap-uploader/internal/busarbiter"
	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
	"github.com/ilyakruchinin/cpap-uploader/internal/statestore"
)

// MaxRetries is the default per-folder retry cap from spec.md §4.6.1.
const MaxRetries = 3

// Config bundles the pipeline's tunables sourced from internal/config.
type Config struct {
	RecentFolderDays int
	MaxDays          int
	MaxRetries       int
	// SessionDeadline bounds a single UploadSession (spec.md §4.6's
	// "exclusive access" window); sourced from config.ExclusiveAccessMinutes.
	SessionDeadline time.Duration
	// MandatoryFiles is the configurable list of root/config files a cloud
	// import requires, injected at construction (spec.md §9: "the core
	// MUST accept a configurable list injected at construction").
	MandatoryFiles []string
}

// CanUploadOld is the scheduler gate for Phase 2 (spec.md §4.6), injected
// so pipeline never imports internal/scheduler's config-shaped Mode type.
type CanUploadOld func(now time.Time) bool

// WatchdogFeed is called once per processed file (spec.md §4.6 step 4) to
// keep the software/hardware watchdog fed during long sessions.
type WatchdogFeed func()

// Pipeline is the UploadPipeline from spec.md §4.6.
type Pipeline struct {
	store        *statestore.Store
	fs           SourceFS
	backends     []backend.Adapter
	cfg          Config
	canUploadOld CanUploadOld
	feedWatchdog WatchdogFeed
	now          func() time.Time
}

func New(store *statestore.Store, fs SourceFS, backends []backend.Adapter, cfg Config, canUploadOld CanUploadOld, feedWatchdog WatchdogFeed) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = MaxRetries
	}
	if feedWatchdog == nil {
		feedWatchdog = func() {}
	}
	return &Pipeline{
		store:        store,
		fs:           fs,
		backends:     backends,
		cfg:          cfg,
		canUploadOld: canUploadOld,
		feedWatchdog: feedWatchdog,
		now:          time.Now,
	}
}

// SessionDeadlineDuration returns the configured per-session deadline, for
// the Supervisor's NewSession call.
func (p *Pipeline) SessionDeadlineDuration() time.Duration { return p.cfg.SessionDeadline }

// RecentFolderDays exposes the fresh/old split threshold, for the
// Supervisor's /status pending-count approximation.
func (p *Pipeline) RecentFolderDays() int { return p.cfg.RecentFolderDays }

// Run executes one UploadSession against an already-acquired bus guard,
// releasing it exactly once before returning (spec.md §4.2, §8 safe-release
// invariant: the filesystem is unmounted before the mux flips). A failed
// release (KindStorageFatal) overrides whatever outcome the session itself
// reached: the Supervisor must see it to trigger its reboot path rather than
// letting the FSM proceed to COOLDOWN believing the session finished
// normally while the bus is actually stuck owned by self.
func (p *Pipeline) Run(ctx context.Context, session *Session, guard *busarbiter.Guard, mount busarbiter.Unmounter) (outcome Outcome, stats Stats, err error) {
	defer func() {
		if releaseErr := guard.Release(mount); releaseErr != nil {
			logging.Error().Err(releaseErr).Msg("pipeline: guard release failed")
			outcome = Errored
			err = releaseErr
		}
	}()

	ctx, cancel := context.WithDeadline(ctx, session.Deadline)
	defer cancel()

	touchedImport := false

	folders, err := p.fs.ListFolders()
	if err != nil {
		return Errored, stats, err
	}

	fresh, old := splitFreshOld(folders, p.now(), p.cfg.RecentFolderDays, p.cfg.MaxDays)

	outcome = Complete

	// Phase 1 — fresh folders, newest first.
	for _, folder := range fresh {
		res := p.runFolder(ctx, folder, &stats, &touchedImport)
		if res == Timeout {
			outcome = Timeout
			break
		}
	}

	// Phase 2 — old folders, gated by can_upload_old.
	if outcome == Complete && p.canUploadOld != nil && p.canUploadOld(p.now()) {
		for _, folder := range old {
			res := p.runFolder(ctx, folder, &stats, &touchedImport)
			if res == Timeout {
				outcome = Timeout
				break
			}
		}
	}

	// Phase 3 — finalize each touched import.
	if ferr := p.finalizeImports(ctx, touchedImport); ferr != nil {
		logging.Error().Err(ferr).Msg("pipeline: finalize import failed")
	}

	if ferr := p.store.Flush(); ferr != nil {
		logging.Error().Err(ferr).Msg("pipeline: final flush failed")
	}

	return outcome, stats, nil
}

// runFolder processes one folder's candidate files, returning Timeout if
// the session deadline was reached mid-folder, Complete otherwise. Folder
// completion/failure bookkeeping (FOLDER_COMPLETED, RETRY_INCR) is queued
// and flushed at the folder boundary (spec.md §4.4 flush cadence).
func (p *Pipeline) runFolder(ctx context.Context, folder Folder, stats *Stats, touchedImport *bool) Outcome {
	table := p.store.Table()
	if table.IsFolderCompleted(folder.Name) {
		return Complete
	}

	folderFailed := false
	for _, file := range folder.Files {
		select {
		case <-ctx.Done():
			// Deadline reached mid-folder: flush whatever progress was made
			// but do not mark the folder complete (spec.md §4.6 session
			// termination rule — it is picked back up next session).
			if err := p.store.Flush(); err != nil {
				logging.Error().Err(err).Msg("pipeline: deadline-boundary flush failed")
			}
			return Timeout
		default:
		}

		if file.Mandatory {
			continue // mandatory files are handled in Phase 3, per touched import
		}

		candidate, err := isCandidate(table, p.fs, file)
		if err != nil {
			logging.Warn().Str("folder", folder.Name).Str("file", file.Path).Err(err).Msg("pipeline: candidacy check failed, skipping file")
			continue
		}
		if !candidate {
			continue
		}

		stats.FilesAttempted++
		fp, results, err := uploadFile(ctx, p.fs, p.backends, file)
		if err != nil {
			logging.Warn().Str("folder", folder.Name).Str("file", file.Path).Err(err).Msg("pipeline: upload failed")
			folderFailed = true
			continue
		}

		if anySucceeded(results) {
			checksum := ""
			if file.MutableConfig {
				checksum = fp.Checksum
			}
			p.store.Queue(statestore.JournalEvent{
				Type:     statestore.EventFileUploaded,
				PathHash: fp.PathHash,
				Size:     fp.Size,
				Checksum: checksum,
			})
			stats.FilesSucceeded++
			stats.BytesUploaded += fp.Size
			stats.BytesRead += fp.Size
			for _, b := range p.backends {
				if !b.ImportOpen() {
					if err := b.BeginImport(ctx); err != nil {
						logging.Warn().Str("backend", b.Name()).Err(err).Msg("pipeline: begin import failed")
					}
				}
			}
			*touchedImport = *touchedImport || hasOpenImport(p.backends)
		} else {
			folderFailed = true
		}

		p.feedWatchdog()
	}

	p.flushFolderBoundary(folder, folderFailed)
	return Complete
}

func hasOpenImport(backends []backend.Adapter) bool {
	for _, b := range backends {
		if b.ImportOpen() {
			return true
		}
	}
	return false
}

// flushFolderBoundary queues the folder-completion or retry-increment event
// and flushes, per spec.md §4.4's per-folder flush cadence.
func (p *Pipeline) flushFolderBoundary(folder Folder, failed bool) {
	table := p.store.Table()
	if failed {
		p.store.Queue(statestore.JournalEvent{Type: statestore.EventRetryIncr, Folder: folder.Name})
		if table.RetryCount(folder.Name) >= p.cfg.MaxRetries {
			logging.Warn().Str("folder", folder.Name).Msg("pipeline: folder exceeded max retries, deferred to next session")
		}
	} else {
		p.store.Queue(statestore.JournalEvent{Type: statestore.EventFolderCompleted, Folder: folder.Name})
	}
	if err := p.store.Flush(); err != nil {
		logging.Error().Err(err).Msg("pipeline: folder-boundary flush failed")
	}
}

// finalizeImports uploads mandatory files then finalizes the import on
// every backend that has one open (spec.md §4.6 Phase 3, §8 mandatory-
// inclusion invariant).
func (p *Pipeline) finalizeImports(ctx context.Context, touchedImport bool) error {
	if !touchedImport {
		return nil
	}
	for _, path := range p.cfg.MandatoryFiles {
		entry := FileEntry{Path: path, Mandatory: true}
		if _, _, err := uploadFile(ctx, p.fs, openImportBackends(p.backends), entry); err != nil {
			return errors.Wrap(err, "pipeline: mandatory file upload failed")
		}
	}
	var firstErr error
	for _, b := range p.backends {
		if !b.ImportOpen() {
			continue
		}
		if err := b.FinalizeImport(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openImportBackends(backends []backend.Adapter) []backend.Adapter {
	var out []backend.Adapter
	for _, b := range backends {
		if b.ImportOpen() {
			out = append(out, b)
		}
	}
	return out
}

// splitFreshOld partitions folders by age, dropping anything older than
// maxDays entirely (spec.md §4.6, §6: "folders older than this are ignored
// entirely").
func splitFreshOld(folders []Folder, now time.Time, recentDays, maxDays int) (fresh, old []Folder) {
	for _, f := range folders {
		age := now.Sub(f.ModTime)
		if age > time.Duration(maxDays)*24*time.Hour {
			continue
		}
		if age <= time.Duration(recentDays)*24*time.Hour {
			fresh = append(fresh, f)
		} else {
			old = append(old, f)
		}
	}
	return fresh, old
}
