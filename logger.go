package ingest

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger is the logging surface used by every component. Messages are
// printf-style with key=value pairs, e.g. "admitted: id=%s file=%s".
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FmtLogger is the dependency-free default: one timestamped line per call.
// The zero value writes everything to stderr.
type FmtLogger struct {
	out     *log.Logger
	noDebug bool
}

// NewFmtLogger returns a FmtLogger writing to stderr.
func NewFmtLogger() *FmtLogger { return NewFmtLoggerTo(os.Stderr, true) }

// NewFmtLoggerTo returns a FmtLogger writing to w. Debug lines are dropped
// unless debug is set.
func NewFmtLoggerTo(w io.Writer, debug bool) *FmtLogger {
	return &FmtLogger{out: log.New(w, "", log.LstdFlags|log.Lmicroseconds), noDebug: !debug}
}

func (f *FmtLogger) print(level, format string, args ...any) {
	out := f.out
	if out == nil {
		out = log.Default()
	}
	out.Print(level + " " + fmt.Sprintf(format, args...))
}

func (f *FmtLogger) Debugf(format string, args ...any) {
	if !f.noDebug {
		f.print("DEBUG", format, args...)
	}
}
func (f *FmtLogger) Infof(format string, args ...any)  { f.print("INFO ", format, args...) }
func (f *FmtLogger) Warnf(format string, args ...any)  { f.print("WARN ", format, args...) }
func (f *FmtLogger) Errorf(format string, args ...any) { f.print("ERROR", format, args...) }

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

func orNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}
