// Package readonlyfs implements the shared-medium mount discipline from
// spec.md §4.3: the medium is mounted read-only for normal operation; an
// explicit, Arbiter-gated escape hatch remounts briefly read-write for
// config edits and must remount read-only before the caller yields the bus
// guard. All core write paths for progress data instead target the private
// device-local filesystem (internal/statestore).
package readonlyfs

import (
	"fmt"
	"syscall"

	"github.com/moby/sys/mountinfo"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
)

// Mounter abstracts the mount(2)/umount(2) syscalls so tests can run without
// root privileges or a real block device.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

// SyscallMounter is the production Mounter, a thin wrapper over syscall.Mount
// /syscall.Unmount.
type SyscallMounter struct{}

func (SyscallMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return syscall.Mount(source, target, fstype, flags, data)
}

func (SyscallMounter) Unmount(target string, flags int) error {
	return syscall.Unmount(target, flags)
}

// Handle is the RAII-scoped mount handle from spec.md §9: every file handle
// opened against the shared medium must be tied to this handle's lifetime
// and close before it does. This package does not track individual file
// descriptors (that discipline lives in the pipeline, which never retains a
// *os.File past the bus guard's scope) but it does refuse a second mount
// while a Handle is outstanding, which is the enforceable half of the
// invariant.
type Handle struct {
	fs       *ReadOnlyFs
	target   string
	readOnly bool
}

// Unmount satisfies busarbiter.Unmounter: it is called from the Guard's
// release path before the mux flips back to HOST.
func (h *Handle) Unmount() error {
	return h.fs.unmount(h)
}

// ReadOnlyFs mounts the shared medium for the lifetime of one Guard.
type ReadOnlyFs struct {
	mounter Mounter
	source  string
	target  string
	fstype  string

	active *Handle
}

func New(mounter Mounter, source, target, fstype string) *ReadOnlyFs {
	return &ReadOnlyFs{mounter: mounter, source: source, target: target, fstype: fstype}
}

// MountRO mounts the shared medium read-only.
func (fs *ReadOnlyFs) MountRO() (*Handle, error) {
	if fs.active != nil {
		return nil, errors.New("readonlyfs: a mount handle is already outstanding")
	}
	if err := fs.mounter.Mount(fs.source, fs.target, fs.fstype, syscall.MS_RDONLY, ""); err != nil {
		return nil, errors.Wrap(err, "readonlyfs: mount read-only")
	}
	h := &Handle{fs: fs, target: fs.target, readOnly: true}
	fs.active = h
	fs.verifyReadOnly("mount_ro")
	logging.Info().Str("target", fs.target).Msg("readonlyfs: mounted read-only")
	return h, nil
}

// verifyReadOnly cross-checks this process's own bookkeeping against the
// kernel's actual mount table, the defense against another process having
// changed the shared medium's mount state out from under us. It only warns:
// a mismatch or lookup failure here means the diagnostic is unreliable (or,
// in tests, that target was never really mounted), not that the transition
// this call followed should be undone.
func (fs *ReadOnlyFs) verifyReadOnly(step string) {
	mounted, readOnly, err := IsMountedReadOnly(fs.target)
	if err != nil {
		logging.Warn().Str("target", fs.target).Str("step", step).Err(err).Msg("readonlyfs: mount state verification failed")
		return
	}
	if !mounted || !readOnly {
		logging.Warn().Str("target", fs.target).Str("step", step).Bool("mounted", mounted).Bool("read_only", readOnly).
			Msg("readonlyfs: mount state does not match expected read-only transition")
	}
}

// RemountRWBriefly is the explicit escape hatch used only by the
// config-editor surface (spec.md §4.3). It requires an active bus guard
// (enforced by the caller passing a live *busarbiter.Guard-derived token;
// this package does not import busarbiter to avoid a cycle, so the caller is
// trusted to only invoke this while holding one) and must remount read-only
// before returning, even on a write failure, so the handle never outlives a
// read-write window.
func (fs *ReadOnlyFs) RemountRWBriefly(path string, payload []byte) error {
	if fs.active == nil {
		return errors.New("readonlyfs: remount_rw_briefly requires an active mount handle")
	}
	if err := fs.mounter.Mount(fs.source, fs.target, fs.fstype, syscall.MS_REMOUNT, ""); err != nil {
		return errors.Wrap(err, "readonlyfs: remount read-write")
	}
	fs.active.readOnly = false

	writeErr := writeFile(path, payload)

	if err := fs.mounter.Mount(fs.source, fs.target, fs.fstype, syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
		// Even if the write succeeded, failing to return to read-only is
		// the more serious condition per spec.md §4.3's rationale: the
		// host's cached directory tables must never see an RW window stay
		// open longer than this call.
		return errors.Wrap(err, "readonlyfs: remount back to read-only after config write")
	}
	fs.active.readOnly = true
	fs.verifyReadOnly("remount_rw_briefly")

	if writeErr != nil {
		return errors.Wrap(writeErr, "readonlyfs: write config payload")
	}
	return nil
}

func (fs *ReadOnlyFs) unmount(h *Handle) error {
	if fs.active != h {
		return fmt.Errorf("readonlyfs: unmount called on stale handle")
	}
	if err := fs.mounter.Unmount(fs.target, 0); err != nil {
		return errors.Wrap(err, "readonlyfs: unmount")
	}
	fs.active = nil
	logging.Info().Str("target", fs.target).Msg("readonlyfs: unmounted")
	return nil
}

// IsMountedReadOnly inspects /proc/self/mountinfo (via moby/sys/mountinfo)
// to verify the shared medium's current mount state independent of this
// process's own bookkeeping — a defense against another process having
// changed it out from under us.
func IsMountedReadOnly(target string) (mounted bool, readOnly bool, err error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(target))
	if err != nil {
		return false, false, errors.Wrap(err, "readonlyfs: read mountinfo")
	}
	if len(mounts) == 0 {
		return false, false, nil
	}
	for _, opt := range splitOpts(mounts[0].Options) {
		if opt == "ro" {
			return true, true, nil
		}
	}
	return true, false, nil
}

func splitOpts(opts string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(opts); i++ {
		if i == len(opts) || opts[i] == ',' {
			if i > start {
				out = append(out, opts[start:i])
			}
			start = i + 1
		}
	}
	return out
}
