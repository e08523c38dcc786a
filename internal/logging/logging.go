// Package logging provides a leveled, structured logging interface shared by
// every node component, so that domain packages depend on an interface
// rather than a concrete logging library.
package logging

import "io"

// Logger is a flexible logging interface implementable by logrus- and
// slog-backed loggers alike.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Printf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Panicf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Print(args ...interface{})
	Warn(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
	Panic(args ...interface{})

	Debugln(args ...interface{})
	Infoln(args ...interface{})
	Println(args ...interface{})
	Warnln(args ...interface{})
	Warningln(args ...interface{})
	Errorln(args ...interface{})
	Fatalln(args ...interface{})
	Panicln(args ...interface{})

	// Writer returns a PipeWriter that writes to the logger at Info level.
	// Used to redirect subprocess stdout/stderr (engine backends) into logs.
	Writer() *io.PipeWriter
}

// Nop returns a Logger that discards everything. Useful as a default for
// components constructed outside of the daemon wiring (e.g. in tests).
func Nop() Logger {
	return NewLogrusAdapter(nopLogger())
}
