// Package config parses and validates the key=value configuration file
// described in spec.md §6. Unknown keys are logged at WARN and ignored;
// out-of-range values are clamped with a WARN, never rejected outright
// (spec.md §7: "the core refuses to enter any non-IDLE state" only on
// missing required fields, not on out-of-range ones).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ilyakruchinin/cpap-uploader/internal/logging"
)

// Mode is the upload scheduling mode (spec.md §4.5, §6).
type Mode string

const (
	ModeSmart     Mode = "smart"
	ModeScheduled Mode = "scheduled"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	UploadMode Mode `cfg:"UPLOAD_MODE"`

	UploadStartHour int `cfg:"UPLOAD_START_HOUR"`
	UploadEndHour   int `cfg:"UPLOAD_END_HOUR"`

	InactivitySeconds       int `cfg:"INACTIVITY_SECONDS"`
	ExclusiveAccessMinutes  int `cfg:"EXCLUSIVE_ACCESS_MINUTES"`
	CooldownMinutes         int `cfg:"COOLDOWN_MINUTES"`
	RecentFolderDays        int `cfg:"RECENT_FOLDER_DAYS"`
	MaxDays                 int `cfg:"MAX_DAYS"`
	GMTOffsetHours          int `cfg:"GMT_OFFSET_HOURS"`
	EnableResetFrame        bool `cfg:"ENABLE_RESET_FRAME"`

	// Backend activation/credentials are opaque to this core (spec.md §1);
	// they are retained as free-form strings and handed to the adapters
	// unexamined.
	Extra map[string]string `cfg:"-"`
}

// Defaults mirror the defaults enumerated in spec.md §6.
func Defaults() Config {
	return Config{
		UploadMode:             ModeSmart,
		UploadStartHour:        9,
		UploadEndHour:          21,
		InactivitySeconds:      125,
		ExclusiveAccessMinutes: 5,
		CooldownMinutes:        10,
		RecentFolderDays:       2,
		MaxDays:                365,
		GMTOffsetHours:         0,
		EnableResetFrame:       false,
		Extra:                  map[string]string{},
	}
}

// knownKeys lists every recognized key so unrecognized ones can be WARNed.
var knownKeys = map[string]bool{
	"UPLOAD_MODE": true, "UPLOAD_START_HOUR": true, "UPLOAD_END_HOUR": true,
	"INACTIVITY_SECONDS": true, "EXCLUSIVE_ACCESS_MINUTES": true,
	"COOLDOWN_MINUTES": true, "RECENT_FOLDER_DAYS": true, "MAX_DAYS": true,
	"GMT_OFFSET_HOURS": true, "ENABLE_RESET_FRAME": true,
}

// Load reads path, merges over Defaults(), validates, and clamps.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	raw, err := parseLines(f)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := applyRaw(&cfg, raw); err != nil {
		return nil, err
	}

	clamp(&cfg)
	return &cfg, nil
}

// parseLines tokenizes a key=value file: '#' comments, optional quoting.
func parseLines(f *os.File) (map[string]string, error) {
	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			logging.Warn().Int("line", lineNo).Msg("config: ignoring malformed line (no '=')")
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = unquote(val)
		out[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// applyRaw maps parsed key/value pairs onto cfg, warning on unknown keys.
func applyRaw(cfg *Config, raw map[string]string) error {
	for key, val := range raw {
		if !knownKeys[key] {
			logging.Warn().Str("key", key).Msg("config: unknown key, ignoring")
			if cfg.Extra == nil {
				cfg.Extra = map[string]string{}
			}
			cfg.Extra[key] = val
			continue
		}
		switch key {
		case "UPLOAD_MODE":
			switch Mode(strings.ToLower(val)) {
			case ModeSmart, ModeScheduled:
				cfg.UploadMode = Mode(strings.ToLower(val))
			default:
				logging.Warn().Str("key", key).Str("value", val).Msg("config: invalid upload mode, using default")
			}
		case "UPLOAD_START_HOUR":
			setIntField(&cfg.UploadStartHour, key, val)
		case "UPLOAD_END_HOUR":
			setIntField(&cfg.UploadEndHour, key, val)
		case "INACTIVITY_SECONDS":
			setIntField(&cfg.InactivitySeconds, key, val)
		case "EXCLUSIVE_ACCESS_MINUTES":
			setIntField(&cfg.ExclusiveAccessMinutes, key, val)
		case "COOLDOWN_MINUTES":
			setIntField(&cfg.CooldownMinutes, key, val)
		case "RECENT_FOLDER_DAYS":
			setIntField(&cfg.RecentFolderDays, key, val)
		case "MAX_DAYS":
			setIntField(&cfg.MaxDays, key, val)
		case "GMT_OFFSET_HOURS":
			setIntField(&cfg.GMTOffsetHours, key, val)
		case "ENABLE_RESET_FRAME":
			b, err := strconv.ParseBool(val)
			if err != nil {
				logging.Warn().Str("key", key).Str("value", val).Msg("config: invalid bool, using default")
				break
			}
			cfg.EnableResetFrame = b
		}
	}
	return nil
}

func setIntField(dst *int, key, val string) {
	n, err := strconv.Atoi(val)
	if err != nil {
		logging.Warn().Str("key", key).Str("value", val).Msg("config: invalid integer, using default")
		return
	}
	*dst = n
}

// clampRange clamps v into [lo, hi], warning if it had to.
func clampRange(name string, v, lo, hi int) int {
	if v < lo {
		logging.Warn().Str("key", name).Int("value", v).Int("min", lo).Msg("config: value below minimum, clamping")
		return lo
	}
	if v > hi {
		logging.Warn().Str("key", name).Int("value", v).Int("max", hi).Msg("config: value above maximum, clamping")
		return hi
	}
	return v
}

// clamp enforces every range named in spec.md §6.
func clamp(cfg *Config) {
	cfg.UploadStartHour = clampRange("UPLOAD_START_HOUR", cfg.UploadStartHour, 0, 23)
	cfg.UploadEndHour = clampRange("UPLOAD_END_HOUR", cfg.UploadEndHour, 0, 23)
	cfg.InactivitySeconds = clampRange("INACTIVITY_SECONDS", cfg.InactivitySeconds, 10, 3600)
	cfg.ExclusiveAccessMinutes = clampRange("EXCLUSIVE_ACCESS_MINUTES", cfg.ExclusiveAccessMinutes, 1, 30)
	cfg.CooldownMinutes = clampRange("COOLDOWN_MINUTES", cfg.CooldownMinutes, 1, 60)
	cfg.RecentFolderDays = clampRange("RECENT_FOLDER_DAYS", cfg.RecentFolderDays, 0, 30)
	cfg.MaxDays = clampRange("MAX_DAYS", cfg.MaxDays, 1, 3650)
	cfg.GMTOffsetHours = clampRange("GMT_OFFSET_HOURS", cfg.GMTOffsetHours, -12, 14)
}
