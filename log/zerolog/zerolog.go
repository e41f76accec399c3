package zerolog

import (
	"github.com/rs/zerolog"
	"github.com/unkn0wn-root/rolesync"
)

var _ rolesync.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

// New wraps l with a component=rolesync field.
func New(l zerolog.Logger) Logger {
	return Logger{L: l.With().Str("component", "rolesync").Logger()}
}

func (z Logger) Debug(msg string, f rolesync.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f rolesync.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f rolesync.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f rolesync.Fields) { emit(z.L.Error(), msg, f) }

// emit tolerates the nil event zerolog returns for disabled levels.
func emit(e *zerolog.Event, msg string, f rolesync.Fields) {
	if e == nil {
		return
	}
	for k, v := range f {
		if err, ok := v.(error); ok {
			e = e.AnErr(k, err)
			continue
		}
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
