package bpipe

import (
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// Logger can be implemented to receive diagnostics from the pipeline. The
// component is a short subsystem tag such as "ssl" or "response".
type Logger interface {
	Debugf(component, format string, args ...any)
	Warnf(component, format string, args ...any)
	Errorf(component, format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, string, ...any) {}
func (nopLogger) Warnf(string, string, ...any)  {}
func (nopLogger) Errorf(string, string, ...any) {}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

type zapLogger struct{ l *zap.SugaredLogger }

func (z zapLogger) Debugf(component, format string, args ...any) {
	z.l.Named(component).Debugf(format, args...)
}

func (z zapLogger) Warnf(component, format string, args ...any) {
	z.l.Named(component).Warnf(format, args...)
}

func (z zapLogger) Errorf(component, format string, args ...any) {
	z.l.Named(component).Errorf(format, args...)
}

// NewZapLogger adapts a zap logger to the pipeline's Logger interface.
func NewZapLogger(l *zap.Logger) Logger {
	return zapLogger{l.Named("bpipe").Sugar()}
}

// TestLogger records log volume per level so tests can assert on it.
type TestLogger struct {
	tb testing.TB

	NumDebug int64
	NumWarn  int64
	NumError int64
}

func NewTestLogger(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) Debugf(component, format string, args ...any) {
	atomic.AddInt64(&l.NumDebug, 1)
	l.tb.Logf("bpipe/"+component+": "+format, args...)
}

func (l *TestLogger) Warnf(component, format string, args ...any) {
	atomic.AddInt64(&l.NumWarn, 1)
	l.tb.Logf("bpipe/"+component+": "+format, args...)
}

func (l *TestLogger) Errorf(component, format string, args ...any) {
	atomic.AddInt64(&l.NumError, 1)
	l.tb.Logf("bpipe/"+component+": "+format, args...)
}

var _ Logger = &TestLogger{}
