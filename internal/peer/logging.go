package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug; pion logs per-packet detail there.
const LevelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging to logger. Each pion scope
// ("ice", "sctp", "pc", ...) is attached as the pion_scope attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogFactory{log: logger}
}

type slogFactory struct {
	log *slog.Logger
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{log: f.log.With("pion_scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l slogLeveled) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l slogLeveled) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveled) Trace(msg string)                          { l.emit(LevelTrace, msg) }
func (l slogLeveled) Tracef(format string, args ...interface{}) { l.emitf(LevelTrace, format, args...) }
func (l slogLeveled) Debug(msg string)                          { l.emit(slog.LevelDebug, msg) }
func (l slogLeveled) Debugf(format string, args ...interface{}) { l.emitf(slog.LevelDebug, format, args...) }
func (l slogLeveled) Info(msg string)                           { l.emit(slog.LevelInfo, msg) }
func (l slogLeveled) Infof(format string, args ...interface{})  { l.emitf(slog.LevelInfo, format, args...) }
func (l slogLeveled) Warn(msg string)                           { l.emit(slog.LevelWarn, msg) }
func (l slogLeveled) Warnf(format string, args ...interface{})  { l.emitf(slog.LevelWarn, format, args...) }
func (l slogLeveled) Error(msg string)                          { l.emit(slog.LevelError, msg) }
func (l slogLeveled) Errorf(format string, args ...interface{}) { l.emitf(slog.LevelError, format, args...) }
