package rolesync

import "time"

const (
	DefaultSummaryTTL     = 5 * time.Minute
	DefaultMembersTTL     = 5 * time.Minute
	DefaultStaleFactor    = 2.0
	DefaultConfirmTimeout = 2 * time.Minute
	DefaultPollInterval   = 2 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxRetries     = 2

	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
