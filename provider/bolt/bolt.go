// Package bolt is a durable single-file provider on go.etcd.io/bbolt,
// suited to persisting the optimistic ledgers across restarts.
package bolt

import (
	"context"
	"errors"
	"os"
	"time"

	"go.etcd.io/bbolt"

	pr "github.com/unkn0wn-root/rolesync/provider"
)

const defaultBucket = "rolesync"

type Config struct {
	Path    string      // required
	Mode    os.FileMode // 0 => 0600
	Bucket  string      // "" => "rolesync"
	Timeout time.Duration
	Now     func() time.Time
}

type Provider struct {
	db     *bbolt.DB
	bucket []byte
	now    func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

func Open(cfg Config) (*Provider, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt: path is required")
	}
	mode := cfg.Mode
	if mode == 0 {
		mode = 0o600
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}

	db, err := bbolt.Open(cfg.Path, mode, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	p := &Provider{db: db, bucket: []byte(bucket), now: cfg.Now}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	err := p.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(p.bucket).Get([]byte(key)); v != nil {
			// bbolt memory is only valid inside the transaction
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, false, err
	}

	v, expired, err := pr.Unstamp(raw, p.now())
	if err != nil || expired {
		_ = p.Del(context.Background(), key)
		return nil, false, nil
	}
	return v, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	b := pr.Stamp(value, ttl, p.now())
	err := p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(p.bucket).Put([]byte(key), b)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(p.bucket).Delete([]byte(key))
	})
}

// Sweep deletes every expired entry and returns how many were removed.
func (p *Provider) Sweep() (int, error) {
	now := p.now()
	n := 0
	err := p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		var dead [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if _, expired, err := pr.Unstamp(v, now); err != nil || expired {
				dead = append(dead, append([]byte(nil), k...))
			}
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(dead)
		return nil
	})
	return n, err
}

func (p *Provider) Close(_ context.Context) error {
	return p.db.Close()
}
