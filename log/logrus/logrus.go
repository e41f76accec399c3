package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/rolesync"
)

var _ rolesync.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New wraps l with a component=rolesync field.
func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: l.WithField("component", "rolesync")}
}

func (l LogrusLogger) Debug(msg string, f rolesync.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f rolesync.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l LogrusLogger) Warn(msg string, f rolesync.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l LogrusLogger) Error(msg string, f rolesync.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
