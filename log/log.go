// Package log defines the structured logging interface used throughout
// ipwis. Every component accepts a Logger (never a concrete type) and
// tolerates a nil one by no-op'ing, so libraries embedding the kernel are
// never forced to wire up logging just to call it.
package log

// Logger is the structured logging contract every ipwis component depends
// on. Backed by zap in production (see NewZap), but components only ever
// see this interface.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warn(msg string)
	Warnf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})

	// With returns a Logger that always includes the given key/value pairs.
	With(args ...interface{}) Logger

	// Sync flushes any buffered log entries.
	Sync() error
}

// nopLogger discards everything. Used whenever a component is constructed
// with a nil Logger, so call sites never need a nil check.
type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string)                   {}
func (nopLogger) Debugf(string, ...interface{})  {}
func (nopLogger) Info(string)                    {}
func (nopLogger) Infof(string, ...interface{})   {}
func (nopLogger) Warn(string)                    {}
func (nopLogger) Warnf(string, ...interface{})   {}
func (nopLogger) Error(string)                   {}
func (nopLogger) Errorf(string, ...interface{})  {}
func (nopLogger) With(...interface{}) Logger     { return nopLogger{} }
func (nopLogger) Sync() error                    { return nil }

// OrNop returns l, or Nop() if l is nil. Components should call this once
// at construction time rather than nil-checking on every log call.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

var _ Logger = (*zapLogger)(nil)
