package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// slogAdapter wraps a log/slog.Logger to implement the Logger interface, for
// operators who want structured JSON logs without depending on logrus.
type slogAdapter struct {
	logger   *slog.Logger
	fields   map[string]interface{}
	exitFunc func(int)
}

// NewSlogAdapter creates a Logger backed by log/slog at the given level,
// writing to writer (os.Stderr if nil).
func NewSlogAdapter(level slog.Level, writer io.Writer) Logger {
	if writer == nil {
		writer = os.Stderr
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	return &slogAdapter{logger: slog.New(handler), fields: map[string]interface{}{}, exitFunc: os.Exit}
}

func (s *slogAdapter) args() []interface{} {
	out := make([]interface{}, 0, len(s.fields)*2)
	for k, v := range s.fields {
		out = append(out, k, v)
	}
	return out
}

func (s *slogAdapter) derive(fields map[string]interface{}) *slogAdapter {
	merged := make(map[string]interface{}, len(s.fields)+len(fields))
	for k, v := range s.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &slogAdapter{logger: s.logger, fields: merged, exitFunc: s.exitFunc}
}

func (s *slogAdapter) WithField(key string, value interface{}) Logger {
	return s.derive(map[string]interface{}{key: value})
}
func (s *slogAdapter) WithFields(fields map[string]interface{}) Logger { return s.derive(fields) }
func (s *slogAdapter) WithError(err error) Logger                     { return s.derive(map[string]interface{}{"error": err}) }

func (s *slogAdapter) Debug(args ...interface{}) { s.logger.Debug(fmt.Sprint(args...), s.args()...) }
func (s *slogAdapter) Debugf(format string, args ...interface{}) {
	s.logger.Debug(fmt.Sprintf(format, args...), s.args()...)
}
func (s *slogAdapter) Debugln(args ...interface{}) {
	s.logger.Debug(fmt.Sprintln(args...), s.args()...)
}
func (s *slogAdapter) Info(args ...interface{}) { s.logger.Info(fmt.Sprint(args...), s.args()...) }
func (s *slogAdapter) Infof(format string, args ...interface{}) {
	s.logger.Info(fmt.Sprintf(format, args...), s.args()...)
}
func (s *slogAdapter) Infoln(args ...interface{}) { s.logger.Info(fmt.Sprintln(args...), s.args()...) }
func (s *slogAdapter) Warn(args ...interface{})   { s.logger.Warn(fmt.Sprint(args...), s.args()...) }
func (s *slogAdapter) Warnf(format string, args ...interface{}) {
	s.logger.Warn(fmt.Sprintf(format, args...), s.args()...)
}
func (s *slogAdapter) Warnln(args ...interface{})  { s.logger.Warn(fmt.Sprintln(args...), s.args()...) }
func (s *slogAdapter) Warning(args ...interface{}) { s.Warn(args...) }
func (s *slogAdapter) Warningf(format string, args ...interface{}) { s.Warnf(format, args...) }
func (s *slogAdapter) Warningln(args ...interface{})               { s.Warnln(args...) }
func (s *slogAdapter) Error(args ...interface{})  { s.logger.Error(fmt.Sprint(args...), s.args()...) }
func (s *slogAdapter) Errorf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...), s.args()...)
}
func (s *slogAdapter) Errorln(args ...interface{}) {
	s.logger.Error(fmt.Sprintln(args...), s.args()...)
}
func (s *slogAdapter) Fatal(args ...interface{}) {
	s.logger.Error(fmt.Sprint(args...), s.args()...)
	s.exitFunc(1)
}
func (s *slogAdapter) Fatalf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...), s.args()...)
	s.exitFunc(1)
}
func (s *slogAdapter) Fatalln(args ...interface{}) {
	s.logger.Error(fmt.Sprintln(args...), s.args()...)
	s.exitFunc(1)
}
func (s *slogAdapter) Panic(args ...interface{}) {
	msg := fmt.Sprint(args...)
	s.logger.Error(msg, s.args()...)
	panic(msg)
}
func (s *slogAdapter) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Error(msg, s.args()...)
	panic(msg)
}
func (s *slogAdapter) Panicln(args ...interface{}) {
	msg := fmt.Sprintln(args...)
	s.logger.Error(msg, s.args()...)
	panic(msg)
}
func (s *slogAdapter) Print(args ...interface{})                  { s.Info(args...) }
func (s *slogAdapter) Printf(format string, args ...interface{})  { s.Infof(format, args...) }
func (s *slogAdapter) Println(args ...interface{})                { s.Infoln(args...) }

// Writer returns a PipeWriter whose contents are logged line-by-line at Info level.
func (s *slogAdapter) Writer() *io.PipeWriter {
	reader, writer := io.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				s.Info(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()
	return writer
}
