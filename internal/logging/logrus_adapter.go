package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// logrusAdapter wraps a logrus logger to implement the Logger interface.
type logrusAdapter struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

// NewLogrusAdapter creates a new adapter from a logrus.Logger.
func NewLogrusAdapter(logger *logrus.Logger) Logger {
	return &logrusAdapter{logger: logger, entry: logrus.NewEntry(logger)}
}

// NewLogrusAdapterFromEntry creates a new adapter from an existing logrus.Entry.
func NewLogrusAdapterFromEntry(entry *logrus.Entry) Logger {
	return &logrusAdapter{logger: entry.Logger, entry: entry}
}

// nopLogger returns a logrus.Logger configured to discard all output.
func nopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (l *logrusAdapter) WithField(key string, value interface{}) Logger {
	return &logrusAdapter{logger: l.logger, entry: l.entry.WithField(key, value)}
}

func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{logger: l.logger, entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{logger: l.logger, entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusAdapter) Debugln(args ...interface{})               { l.entry.Debugln(args...) }
func (l *logrusAdapter) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusAdapter) Infoln(args ...interface{})                { l.entry.Infoln(args...) }
func (l *logrusAdapter) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusAdapter) Warnln(args ...interface{})                { l.entry.Warnln(args...) }
func (l *logrusAdapter) Warning(args ...interface{})               { l.entry.Warning(args...) }
func (l *logrusAdapter) Warningf(format string, args ...interface{}) {
	l.entry.Warningf(format, args...)
}
func (l *logrusAdapter) Warningln(args ...interface{})             { l.entry.Warningln(args...) }
func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusAdapter) Errorln(args ...interface{})               { l.entry.Errorln(args...) }
func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
func (l *logrusAdapter) Fatalln(args ...interface{})               { l.entry.Fatalln(args...) }
func (l *logrusAdapter) Panic(args ...interface{})                 { l.entry.Panic(args...) }
func (l *logrusAdapter) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }
func (l *logrusAdapter) Panicln(args ...interface{})               { l.entry.Panicln(args...) }
func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }
func (l *logrusAdapter) Println(args ...interface{})               { l.entry.Println(args...) }

func (l *logrusAdapter) Writer() *io.PipeWriter { return l.logger.Writer() }
