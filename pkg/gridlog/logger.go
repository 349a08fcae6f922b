// Package gridlog provides the gateway's process-wide logging setup: a
// logrus logger with a rotating file sink, scoped per subsystem.
package gridlog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const subsysField = "subsys"

var (
	defaultLogger  = initDefaultLogger()
	fileOnlyLogger = initFileLogger(defaultLogFile)

	defaultLogLevel = logrus.InfoLevel
	defaultLogFile  = "/var/log/gridllm/gateway.log"

	defaultLogFormat = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: false,
		FullTimestamp:    true,
	}

	loggerMap = map[string]*logrus.Logger{
		"default":  defaultLogger,
		"fileOnly": fileOnlyLogger,
	}
)

// SetLevel sets the level of the named logger ("default" or "fileOnly").
func SetLevel(loggerName string, level logrus.Level) error {
	l, ok := loggerMap[loggerName]
	if !ok {
		return errUnknownLogger(loggerName)
	}
	l.SetLevel(level)
	return nil
}

func initDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(defaultLogFormat)
	l.SetLevel(defaultLogLevel)
	return l
}

func initFileLogger(path string) *logrus.Logger {
	l := initDefaultLogger()
	dir, file := filepath.Split(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			l.Warnf("failed to create log directory %s: %v, falling back to cwd", dir, err)
			path = file
		}
	}
	l.SetOutput(io.Writer(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}))
	return l
}

// NewLogger allocates a log entry tagged with subsystem, writing to the
// default logger's output (stderr); it does not write to the rotating log
// file, which NewFileLogger writes to.
func NewLogger(subsystem string) *logrus.Entry {
	if subsystem == "" {
		return logrus.NewEntry(defaultLogger)
	}
	return defaultLogger.WithField(subsysField, subsystem)
}

// NewFileLogger is like NewLogger but never writes to stdout.
func NewFileLogger(subsystem string) *logrus.Entry {
	if subsystem == "" {
		return logrus.NewEntry(fileOnlyLogger)
	}
	return fileOnlyLogger.WithField(subsysField, subsystem)
}

type errUnknownLoggerT struct{ name string }

func (e errUnknownLoggerT) Error() string { return "gridlog: unknown logger " + e.name }

func errUnknownLogger(name string) error { return errUnknownLoggerT{name: name} }
