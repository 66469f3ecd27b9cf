package logging

import (
	"os"
	"strconv"
	"strings"
)

const (
	EnvLogLevel     = "AGENTWIRE_LOG_LEVEL"
	EnvLogTimestamp = "AGENTWIRE_LOG_TIMESTAMP"
	EnvLogNoColor   = "AGENTWIRE_LOG_NOCOLOR"
)

// ApplyEnv applies AGENTWIRE_LOG_* overrides to l.
// Unset or unparsable variables leave the current setting alone.
func ApplyEnv(l *Logger) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		l.minLevel = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		l.timestamps = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		l.noColor = v
	}
	l.rebuild()
}

// ParseLevel converts a level name from config or the environment.
func ParseLevel(raw string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return LevelInfo, false
	case "debug", "trace":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "off", "disabled", "none":
		return LevelOff, true
	default:
		return LevelInfo, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
