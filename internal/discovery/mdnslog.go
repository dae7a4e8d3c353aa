package discovery

import (
	"strings"

	"github.com/pion/logging"

	"github.com/1ureka/walkie/internal/util"
)

// ParseLogLevel maps a config string to a pion log level. Unknown or empty
// values disable the mDNS responder's own logging.
func ParseLogLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "error":
		return logging.LogLevelError
	case "warn", "warning":
		return logging.LogLevelWarn
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelDisabled
	}
}

// loggerFactory routes pion's leveled loggers into the application log.
type loggerFactory struct {
	level logging.LogLevel
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{level: f.level, log: util.Prefixed(scope)}
}

type scopedLogger struct {
	level logging.LogLevel
	log   util.Prefixed
}

func (l *scopedLogger) on(level logging.LogLevel) bool { return l.level >= level }

func (l *scopedLogger) Trace(msg string) { l.Tracef("%s", msg) }
func (l *scopedLogger) Tracef(format string, args ...interface{}) {
	if l.on(logging.LogLevelTrace) {
		l.log.Debug(format, args...)
	}
}

func (l *scopedLogger) Debug(msg string) { l.Debugf("%s", msg) }
func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	if l.on(logging.LogLevelDebug) {
		l.log.Debug(format, args...)
	}
}

func (l *scopedLogger) Info(msg string) { l.Infof("%s", msg) }
func (l *scopedLogger) Infof(format string, args ...interface{}) {
	if l.on(logging.LogLevelInfo) {
		l.log.Info(format, args...)
	}
}

func (l *scopedLogger) Warn(msg string) { l.Warnf("%s", msg) }
func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	if l.on(logging.LogLevelWarn) {
		l.log.Warning(format, args...)
	}
}

func (l *scopedLogger) Error(msg string) { l.Errorf("%s", msg) }
func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	if l.on(logging.LogLevelError) {
		l.log.Error(format, args...)
	}
}
