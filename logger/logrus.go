package logger

import (
	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/vordb"
)

// Logrus wraps a logrus.Logger to implement vordb.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a vordb.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) vordb.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Error(msg string, args ...any) { l.log(logrus.ErrorLevel, msg, args) }
func (l *Logrus) Warn(msg string, args ...any)  { l.log(logrus.WarnLevel, msg, args) }
func (l *Logrus) Info(msg string, args ...any)  { l.log(logrus.InfoLevel, msg, args) }
func (l *Logrus) Debug(msg string, args ...any) { l.log(logrus.DebugLevel, msg, args) }

func (l *Logrus) log(level logrus.Level, msg string, args []any) {
	if !l.logger.IsLevelEnabled(level) {
		return
	}
	fields := logrus.Fields{}
	pairs(args, func(key string, value any) {
		fields[key] = value
	})
	l.logger.WithFields(fields).Log(level, msg)
}
