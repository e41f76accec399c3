package rolesync

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The engine calls them on hot paths.
type Hooks interface {
	// A stale entry was served and a background refresh started.
	RevalidateStarted(key string)

	// A refresh (background or synchronous) failed; the stale value is kept.
	RevalidateFailed(key string, err error)

	// A refresh finished after the key was invalidated; its result was dropped.
	StaleWriteDropped(key string)

	// Provider or GenStore I/O failed. op ∈ {"get", "set", "del", "gen"}.
	ProviderError(op, key string, err error)

	// A tracked transaction changed status.
	TxTransition(hash string, from, to TxStatus)

	// Confirmation polling timed out and will be retried after delay.
	ConfirmationRetry(hash string, attempt int, delay time.Duration)

	// Persisting an optimistic ledger failed.
	LedgerPersistError(key string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) RevalidateStarted(string)                     {}
func (NopHooks) RevalidateFailed(string, error)               {}
func (NopHooks) StaleWriteDropped(string)                     {}
func (NopHooks) ProviderError(string, string, error)          {}
func (NopHooks) TxTransition(string, TxStatus, TxStatus)      {}
func (NopHooks) ConfirmationRetry(string, int, time.Duration) {}
func (NopHooks) LedgerPersistError(string, error)             {}
