// Package pebble is a durable LSM provider on cockroachdb/pebble.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pr "github.com/unkn0wn-root/rolesync/provider"
)

type Config struct {
	Path string // required
	// NoSync skips fsync on writes. Ledgers should keep the default.
	NoSync bool
	Now    func() time.Time
}

type Provider struct {
	db    *pebble.DB
	write *pebble.WriteOptions
	now   func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

func Open(cfg Config) (*Provider, error) {
	if cfg.Path == "" {
		return nil, errors.New("pebble: path is required")
	}
	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", cfg.Path, err)
	}
	p := &Provider{db: db, write: pebble.Sync, now: cfg.Now}
	if cfg.NoSync {
		p.write = pebble.NoSync
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebble get: %w", err)
	}
	raw := append([]byte(nil), data...)
	_ = closer.Close()

	v, expired, err := pr.Unstamp(raw, p.now())
	if err != nil || expired {
		_ = p.db.Delete([]byte(key), p.write)
		return nil, false, nil
	}
	return v, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if err := p.db.Set([]byte(key), pr.Stamp(value, ttl, p.now()), p.write); err != nil {
		return false, fmt.Errorf("pebble set: %w", err)
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.db.Delete([]byte(key), p.write); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// Sweep deletes every expired entry in one batch and returns the count.
func (p *Provider) Sweep() (int, error) {
	now := p.now()
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}
	var dead [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		if _, expired, err := pr.Unstamp(iter.Value(), now); err != nil || expired {
			dead = append(dead, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, k := range dead {
		if err := batch.Delete(k, nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(p.write); err != nil {
		return 0, err
	}
	return len(dead), nil
}

func (p *Provider) Close(_ context.Context) error {
	return p.db.Close()
}
