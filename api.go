package rolesync

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/rolesync/codec"
	gen "github.com/unkn0wn-root/rolesync/genstore"
	pr "github.com/unkn0wn-root/rolesync/provider"
)

// Options configure an Engine. Only Gateway is required; others have
// sensible defaults.
type Options struct {
	// Required
	Gateway Gateway

	Roles  []string // known role names; nil => DefaultRoles
	Logger Logger   // if nil, NopLogger is used
	Hooks  Hooks    // if nil, NopHooks is used

	// CacheProvider persists cached views (nil => memory only). The role
	// summary is always framed as a JSON {data, timestamp} envelope;
	// MembersFormat selects the framing of member lists.
	CacheProvider pr.Provider
	MembersFormat Format
	GenStore      gen.GenStore // nil => shared LocalGenStore

	// LedgerProvider persists both optimistic ledgers (nil => memory only).
	// Use a durable provider here (bolt, pebble, redis).
	LedgerProvider pr.Provider
	LedgerCodec    c.Codec[[]Record] // nil => JSON array

	SummaryTTL     time.Duration // 0 => 5m
	MembersTTL     time.Duration // 0 => 5m
	StaleFactor    float64       // 0 => 2
	ConfirmTimeout time.Duration // per confirmation attempt; 0 => 2m
	PollInterval   time.Duration // first retry delay; 0 => 2s
	MaxBackoff     time.Duration // 0 => 30s
	BackoffJitter  float64
	MaxRetries     int // 0 => 2; negative => none

	// Notify receives exactly one message per failed write.
	Notify func(Notification)
	Now    func() time.Time
}

// New builds an Engine and loads the persisted ledgers.
func New(ctx context.Context, opts Options) (*Engine, error) {
	return newEngine(ctx, opts)
}
