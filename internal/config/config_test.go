package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, "# empty config\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeSmart, cfg.UploadMode)
	assert.Equal(t, 9, cfg.UploadStartHour)
	assert.Equal(t, 21, cfg.UploadEndHour)
	assert.Equal(t, 125, cfg.InactivitySeconds)
}

func TestLoadOverridesAndQuoting(t *testing.T) {
	path := writeTemp(t, `
UPLOAD_MODE = "scheduled"
UPLOAD_START_HOUR=22
UPLOAD_END_HOUR = 6
ENABLE_RESET_FRAME=true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeScheduled, cfg.UploadMode)
	assert.Equal(t, 22, cfg.UploadStartHour)
	assert.Equal(t, 6, cfg.UploadEndHour)
	assert.True(t, cfg.EnableResetFrame)
}

func TestLoadClampsOutOfRange(t *testing.T) {
	path := writeTemp(t, `
INACTIVITY_SECONDS=1
EXCLUSIVE_ACCESS_MINUTES=99
GMT_OFFSET_HOURS=40
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.InactivitySeconds)
	assert.Equal(t, 30, cfg.ExclusiveAccessMinutes)
	assert.Equal(t, 14, cfg.GMTOffsetHours)
}

func TestLoadUnknownKeyIgnored(t *testing.T) {
	path := writeTemp(t, "SOME_FUTURE_KEY=123\nUPLOAD_START_HOUR=10\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.UploadStartHour)
	assert.Equal(t, "123", cfg.Extra["SOME_FUTURE_KEY"])
}

func TestLoadInvalidModeFallsBackToDefault(t *testing.T) {
	path := writeTemp(t, "UPLOAD_MODE=whenever\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeSmart, cfg.UploadMode)
}

// TestLoadExplicitZeroOverrideSurvives guards against a prior bug where a
// trailing defaults merge clobbered any field an operator explicitly set to
// Go's zero value back to its non-zero default.
func TestLoadExplicitZeroOverrideSurvives(t *testing.T) {
	path := writeTemp(t, "UPLOAD_START_HOUR=0\nGMT_OFFSET_HOURS=0\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.UploadStartHour)
	assert.Equal(t, 0, cfg.GMTOffsetHours)
}
