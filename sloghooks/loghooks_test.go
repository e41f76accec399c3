package sloghooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/unkn0wn-root/rolesync"
)

func newBuf() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		m := map[string]any{}
		_ = json.Unmarshal([]byte(ln), &m)
		out = append(out, m)
	}
	return out
}

func TestHooksRedactKeysButNotHashes(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})
	h.ProviderError("get", "members:role-members:FABRICANTE", errors.New("down"))
	h.TxTransition("0xabc", rolesync.TxPending, rolesync.TxFailed)

	got := lines(buf)
	if len(got) != 2 {
		t.Fatalf("got %d records", len(got))
	}
	if got[0]["key"] == "members:role-members:FABRICANTE" {
		t.Fatalf("provider key not redacted: %v", got[0])
	}
	if got[1]["tx"] != "0xabc" || got[1]["level"] != "WARN" || got[1]["to"] != "failed" {
		t.Fatalf("tx record = %v", got[1])
	}
}

func TestHooksSampleRetries(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{RetryEvery: 3, Redact: func(s string) string { return s }})
	for i := 1; i <= 6; i++ {
		h.ConfirmationRetry("0x01", i, time.Second)
	}
	if got := len(lines(buf)); got != 2 {
		t.Fatalf("sampled %d retry records, want 2", got)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	h := New(nil, Options{})
	h.RevalidateStarted("k")
	h.LedgerPersistError("role_requests", errors.New("x"))
}
