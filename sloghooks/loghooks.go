package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/rolesync"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RevalidateEvery uint64
	RetryEvery      uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	revalidateCtr atomic.Uint64
	retryCtr      atomic.Uint64
}

var _ rolesync.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) RevalidateStarted(key string) {
	if h.l == nil || !sample(h.opts.RevalidateEvery, &h.revalidateCtr) {
		return
	}
	h.l.Debug("rolesync.revalidate_started", "key", h.redact(key))
}

func (h *Hooks) RevalidateFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("rolesync.revalidate_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) StaleWriteDropped(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("rolesync.stale_write_dropped", "key", h.redact(key))
}

func (h *Hooks) ProviderError(op, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("rolesync.provider_error",
		"op", op,
		"key", h.redact(key),
		"err", err)
}

// Transaction hashes are public on chain and are logged unredacted.
func (h *Hooks) TxTransition(hash string, from, to rolesync.TxStatus) {
	if h.l == nil {
		return
	}
	lvl := slog.LevelInfo
	if to == rolesync.TxFailed {
		lvl = slog.LevelWarn
	}
	h.l.Log(context.Background(), lvl, "rolesync.tx_transition",
		"tx", hash,
		"from", from.String(),
		"to", to.String())
}

func (h *Hooks) ConfirmationRetry(hash string, attempt int, delay time.Duration) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Info("rolesync.confirmation_retry",
		"tx", hash,
		"attempt", attempt,
		"delay", delay)
}

func (h *Hooks) LedgerPersistError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("rolesync.ledger_persist_error",
		"key", key,
		"err", err)
}
