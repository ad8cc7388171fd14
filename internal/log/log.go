// Package log is SBN's thin leveled wrapper around go-kit/log, mirroring
// the shape cometbft's own libs/log package wraps the same library in.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the interface every SBN component takes at construction time.
// Components never reach for a package-level global logger.
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
	With(keyvals ...interface{}) Logger
}

type kitLogger struct {
	base kitlog.Logger
}

// NewLogfmtLogger returns a Logger that writes logfmt-encoded lines to os.Stderr,
// filtered at the given level ("debug", "info", "error").
func NewLogfmtLogger(minLevel string) Logger {
	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC)
	filtered := level.NewFilter(base, levelOption(minLevel))
	return &kitLogger{base: filtered}
}

// NewNopLogger discards everything; useful in tests.
func NewNopLogger() Logger {
	return &kitLogger{base: kitlog.NewNopLogger()}
}

func levelOption(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

func (l *kitLogger) Debug(msg string, keyvals ...interface{}) {
	_ = level.Debug(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *kitLogger) Info(msg string, keyvals ...interface{}) {
	_ = level.Info(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *kitLogger) Error(msg string, keyvals ...interface{}) {
	_ = level.Error(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *kitLogger) With(keyvals ...interface{}) Logger {
	return &kitLogger{base: kitlog.With(l.base, keyvals...)}
}
