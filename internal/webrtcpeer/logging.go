package webrtcpeer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pion/logging"
)

// SlogLoggerFactory routes pion's scoped loggers into slog. Pion's trace
// level maps below slog's debug.
type SlogLoggerFactory struct {
	logger *slog.Logger
}

const levelTrace = slog.LevelDebug - 4

func NewSlogLoggerFactory(logger *slog.Logger) *SlogLoggerFactory {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SlogLoggerFactory{logger: logger}
}

func (f *SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveled{logger: f.logger.With("pion_scope", scope)}
}

type slogLeveled struct {
	logger *slog.Logger
}

func (l *slogLeveled) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *slogLeveled) logf(level slog.Level, format string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *slogLeveled) Trace(msg string)                  { l.log(levelTrace, msg) }
func (l *slogLeveled) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l *slogLeveled) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l *slogLeveled) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *slogLeveled) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l *slogLeveled) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *slogLeveled) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *slogLeveled) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *slogLeveled) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *slogLeveled) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
