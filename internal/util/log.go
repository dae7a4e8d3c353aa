package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are shown.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl == pterm.LogLevelDebug || lvl == pterm.LogLevelTrace
}

// Prefixed logs with a fixed "[prefix] " in front of every message, e.g. the
// channel name or the remote address of a connection.
type Prefixed string

func (p Prefixed) Debug(format string, args ...interface{}) {
	if DebugEnabled() {
		LogDebug("[%s] %s", string(p), fmt.Sprintf(format, args...))
	}
}

func (p Prefixed) Info(format string, args ...interface{}) {
	LogInfo("[%s] %s", string(p), fmt.Sprintf(format, args...))
}

func (p Prefixed) Warning(format string, args ...interface{}) {
	LogWarning("[%s] %s", string(p), fmt.Sprintf(format, args...))
}

func (p Prefixed) Error(format string, args ...interface{}) {
	LogError("[%s] %s", string(p), fmt.Sprintf(format, args...))
}
