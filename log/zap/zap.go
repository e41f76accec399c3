package zap

import (
	"sort"

	"github.com/unkn0wn-root/rolesync"
	"go.uber.org/zap"
)

var _ rolesync.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New wraps l, naming it "rolesync".
func New(l *zap.Logger) ZapLogger { return ZapLogger{L: l.Named("rolesync")} }

func (z ZapLogger) Debug(msg string, f rolesync.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f rolesync.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f rolesync.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f rolesync.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f rolesync.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
