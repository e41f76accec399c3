// Package provider defines the byte storage used by rolesync for cached
// views (Store) and persisted optimistic ledgers (LedgerStore).
//
// Implementations MUST be byte-for-byte transparent: Get returns exactly the
// bytes previously passed to Set. Durable implementations (bolt, pebble,
// redis) are suitable for ledgers, which must survive restarts; volatile
// ones (bigcache, ristretto) only for caches.
//
// Keyspaces "entry:<ns>:", "optimistic_approvals" and "role_requests" are
// owned by rolesync. Foreign writes under them are treated as corruption.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs. Safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL; ttl <= 0 means no expiry.
	// May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort). Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
