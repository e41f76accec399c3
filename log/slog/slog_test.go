package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/rolesync"
)

func TestSlogLoggerSortsAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("hidden", rolesync.Fields{"x": 1})
	l.Info("role granted", rolesync.Fields{"subject": "0xabc", "role": "ESCUELA"})

	out := strings.TrimSpace(buf.String())
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "msg=\"role granted\"")
	require.Less(t, strings.Index(out, "role=ESCUELA"), strings.Index(out, "subject=0xabc"))
}
