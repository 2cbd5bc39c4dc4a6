package pipeline

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyakruchinin/cpap-uploader/internal/backend"
	"github.com/ilyakruchinin/cpap-uploader/internal/busarbiter"
	"github.com/ilyakruchinin/cpap-uploader/internal/statestore"
)

// fakeMux/fakeCmdLine satisfy busarbiter.Mux/CommandLine with no-ops, just
// enough to mint a real *busarbiter.Guard for Run's guard-release path.
type fakeMux struct{}

func (fakeMux) DriveSelf() error { return nil }
func (fakeMux) DriveHost() error { return nil }

type fakeCmdLine struct{}

func (fakeCmdLine) ClockFrame([]byte) error { return nil }

func noopGuard(t *testing.T) *busarbiter.Guard {
	t.Helper()
	arb := busarbiter.New(fakeMux{}, fakeCmdLine{}, 0, 0, false)
	guard, err := arb.Acquire()
	require.NoError(t, err)
	return guard
}

// fakeSourceFS is an in-memory SourceFS double: folders/files live entirely
// in RAM so tests never touch a real filesystem.
type fakeSourceFS struct {
	mu      sync.Mutex
	folders []Folder
	content map[string][]byte
}

func newFakeSourceFS() *fakeSourceFS {
	return &fakeSourceFS{content: map[string][]byte{}}
}

func (f *fakeSourceFS) addFolder(name string, age time.Duration, now time.Time) *Folder {
	f.folders = append(f.folders, Folder{Name: name, ModTime: now.Add(-age)})
	return &f.folders[len(f.folders)-1]
}

func (f *fakeSourceFS) addFile(folder *Folder, path string, data []byte, mutable bool) {
	f.mu.Lock()
	f.content[path] = data
	f.mu.Unlock()
	folder.Files = append(folder.Files, FileEntry{Path: path, Size: int64(len(data)), MutableConfig: mutable})
}

func (f *fakeSourceFS) ListFolders() ([]Folder, error) { return f.folders, nil }

func (f *fakeSourceFS) Open(path string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	data := f.content[path]
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeSourceFS) Hash(path string) (string, error) {
	f.mu.Lock()
	data := f.content[path]
	f.mu.Unlock()
	return string(data), nil // identity "hash" is fine for test purposes
}

func (f *fakeSourceFS) Sniff(path string, n int) ([]byte, error) {
	f.mu.Lock()
	data := f.content[path]
	f.mu.Unlock()
	if n > len(data) {
		n = len(data)
	}
	return data[:n], nil
}

// fakeAdapter is a minimal backend.Adapter double recording every upload.
type fakeAdapter struct {
	name       string
	uploads    []string
	importOpen bool
	beginCalls int
	finalCalls int
	failUpload bool
}

func (a *fakeAdapter) Name() string                             { return a.name }
func (a *fakeAdapter) Connect(ctx context.Context) error        { return nil }
func (a *fakeAdapter) Disconnect() error                        { return nil }
func (a *fakeAdapter) ImportOpen() bool                         { return a.importOpen }
func (a *fakeAdapter) BeginImport(ctx context.Context) error    { a.beginCalls++; a.importOpen = true; return nil }
func (a *fakeAdapter) FinalizeImport(ctx context.Context) error { a.finalCalls++; a.importOpen = false; return nil }

func (a *fakeAdapter) Upload(ctx context.Context, remotePath string, r io.Reader, size int64, policy backend.HashPolicy) (backend.Outcome, error) {
	if a.failUpload {
		io.Copy(io.Discard, r)
		return backend.Failed, assertErr
	}
	data, _ := io.ReadAll(r)
	a.uploads = append(a.uploads, remotePath)
	_ = data
	return backend.Created, nil
}

var assertErr = assertError("upload failed")

type assertError string

func (e assertError) Error() string { return string(e) }

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunUploadsFreshFolderAndSkipsUnchanged(t *testing.T) {
	now := time.Now()
	fs := newFakeSourceFS()
	folder := fs.addFolder("20260101", 0, now)
	fs.addFile(folder, "20260101/a.dat", []byte("hello world"), false)
	fs.addFile(folder, "20260101/b.dat", []byte("second file"), false)

	store := newStore(t)
	adapter := &fakeAdapter{name: "share"}

	p := New(store, fs, []backend.Adapter{adapter}, Config{RecentFolderDays: 2, MaxDays: 365}, nil, nil)
	session := NewSession(now, 5*time.Minute)

	outcome, stats, err := p.Run(context.Background(), session, noopGuard(t), noopUnmounter{})
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)
	assert.Equal(t, 2, stats.FilesSucceeded)
	assert.ElementsMatch(t, []string{"20260101/a.dat", "20260101/b.dat"}, adapter.uploads)
	assert.True(t, store.Table().IsFolderCompleted("20260101"))
}

func TestRunSkipsAlreadyFingerprintedFile(t *testing.T) {
	now := time.Now()
	fs := newFakeSourceFS()
	folder := fs.addFolder("20260102", 0, now)
	fs.addFile(folder, "20260102/a.dat", []byte("same size"), false)

	store := newStore(t)
	store.Queue(statestore.JournalEvent{Type: statestore.EventFileUploaded, PathHash: pathKey("20260102/a.dat"), Size: uint64(len("same size"))})
	require.NoError(t, store.Flush())

	adapter := &fakeAdapter{name: "share"}
	p := New(store, fs, []backend.Adapter{adapter}, Config{RecentFolderDays: 2, MaxDays: 365}, nil, nil)
	session := NewSession(now, 5*time.Minute)

	_, stats, err := p.Run(context.Background(), session, noopGuard(t), noopUnmounter{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesAttempted)
	assert.Empty(t, adapter.uploads)
}

func TestRunSessionTimeoutMidFolder(t *testing.T) {
	now := time.Now()
	fs := newFakeSourceFS()
	folder := fs.addFolder("20260103", 0, now)
	fs.addFile(folder, "20260103/a.dat", []byte("one"), false)
	fs.addFile(folder, "20260103/b.dat", []byte("two"), false)

	store := newStore(t)
	adapter := &fakeAdapter{name: "share"}
	p := New(store, fs, []backend.Adapter{adapter}, Config{RecentFolderDays: 2, MaxDays: 365}, nil, nil)

	session := NewSession(now, -1*time.Second) // already expired
	outcome, _, err := p.Run(context.Background(), session, noopGuard(t), noopUnmounter{})
	require.NoError(t, err)
	assert.Equal(t, Timeout, outcome)
	assert.False(t, store.Table().IsFolderCompleted("20260103"))
}

func TestRunFinalizesCloudImportAfterMandatoryFiles(t *testing.T) {
	now := time.Now()
	fs := newFakeSourceFS()
	folder := fs.addFolder("20260104", 0, now)
	fs.addFile(folder, "20260104/a.dat", []byte("payload"), false)
	fs.content["manifest.json"] = []byte("{}")

	store := newStore(t)
	cloud := &fakeAdapter{name: "cloud"}
	p := New(store, fs, []backend.Adapter{cloud}, Config{RecentFolderDays: 2, MaxDays: 365, MandatoryFiles: []string{"manifest.json"}}, nil, nil)
	session := NewSession(now, 5*time.Minute)

	outcome, _, err := p.Run(context.Background(), session, noopGuard(t), noopUnmounter{})
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)
	assert.Equal(t, 1, cloud.beginCalls)
	assert.Equal(t, 1, cloud.finalCalls)
	assert.Contains(t, cloud.uploads, "manifest.json")
}

func TestRunOldFolderGatedByScheduler(t *testing.T) {
	now := time.Now()
	fs := newFakeSourceFS()
	folder := fs.addFolder("old-folder", 10*24*time.Hour, now)
	fs.addFile(folder, "old-folder/a.dat", []byte("stale"), false)

	store := newStore(t)
	adapter := &fakeAdapter{name: "share"}
	gateClosed := func(time.Time) bool { return false }
	p := New(store, fs, []backend.Adapter{adapter}, Config{RecentFolderDays: 2, MaxDays: 365}, gateClosed, nil)
	session := NewSession(now, 5*time.Minute)

	_, stats, err := p.Run(context.Background(), session, noopGuard(t), noopUnmounter{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesAttempted, "old folders must not upload while can_upload_old is false")
}

type noopUnmounter struct{}

func (noopUnmounter) Unmount() error { return nil }
