package rolesync

import (
	"context"
	"errors"
	"sync"
	"time"

	c "github.com/unkn0wn-root/rolesync/codec"
	pr "github.com/unkn0wn-root/rolesync/provider"
)

// Storage keys of the two optimistic ledgers.
const (
	KeyApprovals = "optimistic_approvals"
	KeyRequests  = "role_requests"
)

// LedgerStoreOptions are optional.
type LedgerStoreOptions struct {
	Codec        c.Codec[[]Record] // nil => JSON array
	Logger       Logger
	Hooks        Hooks
	WriteTimeout time.Duration // per save; 0 => 5s
}

// LedgerStore persists a Ledger under one provider key: read once on open,
// written on every change. Writes are ordered by ledger version so a
// delayed older snapshot never overwrites a newer one.
type LedgerStore struct {
	key      string
	ledger   *Ledger
	provider pr.Provider
	codec    c.Codec[[]Record]
	log      Logger
	hooks    Hooks
	timeout  time.Duration

	mu     sync.Mutex
	saved  uint64
	unsub  func()
	closed bool
}

// OpenLedgerStore loads key into l (replacing its content) and subscribes to
// its changes. Undecodable data is reported through hooks and the ledger
// starts empty; provider errors fail the open.
func OpenLedgerStore(ctx context.Context, l *Ledger, p pr.Provider, key string, opts LedgerStoreOptions) (*LedgerStore, error) {
	if l == nil || p == nil {
		return nil, errors.New("rolesync: ledger store needs a ledger and a provider")
	}
	s := &LedgerStore{
		key:      key,
		ledger:   l,
		provider: p,
		codec:    opts.Codec,
	}
	if s.codec == nil {
		s.codec = c.JSON[[]Record]{}
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.timeout = coalesce(opts.WriteTimeout, 5*time.Second)

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.unsub = l.OnChange(s.onChange)
	return s, nil
}

func (s *LedgerStore) load(ctx context.Context) error {
	raw, ok, err := s.provider.Get(ctx, s.key)
	if err != nil {
		return err
	}
	if !ok || len(raw) == 0 {
		return nil
	}
	records, err := s.codec.Decode(raw)
	if err != nil {
		s.hooks.LedgerPersistError(s.key, err)
		s.log.Warn("discarding undecodable ledger", Fields{"key": s.key, "err": err})
		return nil
	}
	n := s.ledger.Replace(records)
	s.log.Debug("ledger loaded", Fields{"key": s.key, "records": n, "skipped": len(records) - n})
	return nil
}

func (s *LedgerStore) onChange(version uint64, records []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.save(ctx, version, records, false); err != nil {
		s.hooks.LedgerPersistError(s.key, err)
		s.log.Error("ledger persist failed", Fields{"key": s.key, "version": version, "err": err})
	}
}

// save writes records unless a newer version was already written. force
// also rewrites an equal version.
func (s *LedgerStore) save(ctx context.Context, version uint64, records []Record, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || version < s.saved || (version == s.saved && !force) {
		return nil
	}
	if records == nil {
		records = []Record{}
	}
	b, err := s.codec.Encode(records)
	if err != nil {
		return err
	}
	if _, err := s.provider.Set(ctx, s.key, b, int64(len(b)), 0); err != nil {
		return err
	}
	s.saved = version
	return nil
}

// Flush writes the ledger's current content.
func (s *LedgerStore) Flush(ctx context.Context) error {
	v, records := s.ledger.Snapshot()
	return s.save(ctx, v, records, true)
}

// Close flushes and stops following the ledger. The provider stays open.
func (s *LedgerStore) Close(ctx context.Context) error {
	s.unsub()
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
