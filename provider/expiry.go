package provider

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrCorruptExpiry is returned by Unstamp for values without an expiry header.
var ErrCorruptExpiry = errors.New("provider: missing expiry header")

// Stamp prefixes value with its absolute expiry (unix nanoseconds, 0 = never)
// for backends that have no native TTL.
func Stamp(value []byte, ttl time.Duration, now time.Time) []byte {
	var exp int64
	if ttl > 0 {
		exp = now.Add(ttl).UnixNano()
	}
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[:8], uint64(exp))
	copy(out[8:], value)
	return out
}

// Unstamp strips the header written by Stamp and reports whether the value
// has expired at now. The returned slice aliases b.
func Unstamp(b []byte, now time.Time) (value []byte, expired bool, err error) {
	if len(b) < 8 {
		return nil, false, ErrCorruptExpiry
	}
	exp := int64(binary.BigEndian.Uint64(b[:8]))
	if exp != 0 && now.UnixNano() >= exp {
		return nil, true, nil
	}
	return b[8:], false, nil
}
