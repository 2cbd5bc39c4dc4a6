package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRoundTrip(t *testing.T) {
	events := []JournalEvent{
		{Type: EventFolderCompleted, Folder: "20260101"},
		{Type: EventFileUploaded, PathHash: "abc", Size: 42},
		{Type: EventRetryIncr, Folder: "20260102"},
	}
	data, err := EmitJournalBytes(events)
	require.NoError(t, err)

	parsed, err := ParseJournalBytes(data)
	require.NoError(t, err)
	assert.Equal(t, events, parsed)
}

func TestJournalTornFinalLineIsDropped(t *testing.T) {
	events := []JournalEvent{
		{Type: EventFolderCompleted, Folder: "20260101"},
		{Type: EventFileUploaded, PathHash: "abc", Size: 42},
	}
	data, err := EmitJournalBytes(events)
	require.NoError(t, err)

	// Simulate a crash mid-append: truncate mid-way through the final line.
	torn := append(data, []byte(`{"type":"FILE_UPLOADE`)...)

	parsed, err := ParseJournalBytes(torn)
	require.NoError(t, err)
	assert.Equal(t, events, parsed, "torn trailing line must be discarded, not error")
}

func TestAppendAndReadJournalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.journal")

	require.NoError(t, appendJournalLines(path, []JournalEvent{
		{Type: EventFolderCompleted, Folder: "a"},
	}))
	require.NoError(t, appendJournalLines(path, []JournalEvent{
		{Type: EventFolderCompleted, Folder: "b"},
	}))

	events, err := readJournalFile(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Folder)
	assert.Equal(t, "b", events[1].Folder)
}

func TestReadJournalFileMissingIsEmpty(t *testing.T) {
	events, err := readJournalFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTruncateJournalIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.journal")
	require.NoError(t, appendJournalLines(path, []JournalEvent{{Type: EventFolderCompleted, Folder: "a"}}))

	require.NoError(t, truncateJournal(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}
