package rolesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	c "github.com/unkn0wn-root/rolesync/codec"
	gen "github.com/unkn0wn-root/rolesync/genstore"
	"github.com/unkn0wn-root/rolesync/internal/util"
	"github.com/unkn0wn-root/rolesync/internal/wire"
	pr "github.com/unkn0wn-root/rolesync/provider"
)

// Format selects how persisted entries are framed in the provider.
type Format uint8

const (
	FormatBinary Format = iota // compact binary framing
	FormatJSON                 // {"data": ..., "timestamp": ...} envelope
)

// Loader fetches the authoritative value for a key.
type Loader[V any] func(ctx context.Context) (V, error)

// Entry is a snapshot of a cached value.
type Entry[V any] struct {
	Value        V
	WrittenAt    time.Time
	TTL          time.Duration
	AllowStale   bool // stale-while-revalidate permitted
	Revalidating bool
}

// StoreOptions tune a Store. All fields are optional.
type StoreOptions[V any] struct {
	Namespace string      // prefix of provider and generation keys
	Provider  pr.Provider // nil => memory only
	Codec     c.Codec[V]  // nil => JSON
	Format    Format
	GenStore  gen.GenStore // nil => LocalGenStore (in-process)

	Logger Logger
	Hooks  Hooks

	DefaultTTL             time.Duration // 0 => 5m
	StaleFactor            float64       // 0 => 2; values older than TTL*StaleFactor are never served without a refresh attempt
	RefreshTimeout         time.Duration // background refresh deadline; 0 => 30s
	DisableStaleRevalidate bool          // default false => stale-while-revalidate on
	Now                    func() time.Time
}

type entry[V any] struct {
	value      V
	writtenAt  time.Time
	ttl        time.Duration
	allowStale bool
	// refresh token of the in-flight revalidation; 0 => none
	revalidating uint64
}

func (e *entry[V]) snapshot() Entry[V] {
	return Entry[V]{
		Value:        e.value,
		WrittenAt:    e.writtenAt,
		TTL:          e.ttl,
		AllowStale:   e.allowStale,
		Revalidating: e.revalidating != 0,
	}
}

// Store is a TTL cache with stale-while-revalidate reads. At most one
// refresh per key is in flight at a time. Refresh results are CAS-guarded by
// per-key generations: an Invalidate that lands while a refresh is running
// causes that refresh's result to be dropped.
type Store[V any] struct {
	ns          string
	provider    pr.Provider
	codec       c.Codec[V]
	format      wire.Format
	gen         gen.GenStore
	ownGen      bool
	log         Logger
	hooks       Hooks
	now         func() time.Time
	defaultTTL  time.Duration
	staleFactor float64
	refreshTO   time.Duration
	allowStale  bool

	// casMu orders generation checks against bumps.
	casMu sync.Mutex
	// prefixSeq counts InvalidatePrefix calls per prefix (guarded by casMu).
	prefixSeq map[string]uint64
	mu      sync.Mutex
	entries map[string]*entry[V]
	tokens  uint64

	sf        singleflight.Group
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewStore[V any](opts StoreOptions[V]) (*Store[V], error) {
	if opts.Provider != nil && opts.Namespace == "" {
		return nil, fmt.Errorf("rolesync: namespace is required with a provider")
	}
	if opts.StaleFactor != 0 && opts.StaleFactor < 1 {
		return nil, fmt.Errorf("rolesync: stale factor must be >= 1, got %v", opts.StaleFactor)
	}

	s := &Store[V]{
		ns:         opts.Namespace,
		provider:   opts.Provider,
		entries:    make(map[string]*entry[V]),
		prefixSeq:  make(map[string]uint64),
		allowStale: !opts.DisableStaleRevalidate,
	}

	// defaults
	s.log = coalesce[Logger](opts.Logger, NopLogger{})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	s.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, DefaultSummaryTTL)
	s.staleFactor = coalesce[float64](opts.StaleFactor, DefaultStaleFactor)
	s.refreshTO = coalesce[time.Duration](opts.RefreshTimeout, 30*time.Second)
	if opts.Format == FormatJSON {
		s.format = wire.JSON
	}

	if opts.Codec != nil {
		s.codec = opts.Codec
	} else {
		s.codec = c.JSON[V]{}
	}
	if opts.Now != nil {
		s.now = opts.Now
	} else {
		s.now = time.Now
	}
	if opts.GenStore != nil {
		s.gen = opts.GenStore
	} else {
		// default to in-process generations with periodic cleanup
		s.gen = gen.NewLocalGenStore(defaultSweep, defaultGenRetention)
		s.ownGen = true
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Close stops background refreshes and releases an owned GenStore.
// The provider belongs to the caller and is left open.
func (s *Store[V]) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.ownGen {
			err = s.gen.Close(ctx)
		}
	})
	return err
}

// Wait blocks until every background refresh started so far has finished.
func (s *Store[V]) Wait() { s.wg.Wait() }

// Len returns the number of entries held in memory.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns the entry for key, loading it from the provider on a memory
// miss. Absence is reported with ok=false, never as an error.
func (s *Store[V]) Get(ctx context.Context, key string) (Entry[V], bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		out := e.snapshot()
		s.mu.Unlock()
		return out, true
	}
	s.mu.Unlock()
	if s.provider == nil {
		return Entry[V]{}, false
	}
	return s.load(ctx, key)
}

// Set stores value unconditionally. ttl<=0 uses the default TTL.
func (s *Store[V]) Set(ctx context.Context, key string, value V, ttl time.Duration, allowStaleRevalidate bool) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.casMu.Lock()
	cur, err := s.snapshotGen(ctx, key)
	if err != nil {
		s.casMu.Unlock()
		return err
	}
	now := s.put(key, value, ttl, allowStaleRevalidate)
	s.casMu.Unlock()
	return s.persist(ctx, key, value, now, ttl, cur)
}

// IsStale reports whether key is older than its TTL. Missing keys are stale.
func (s *Store[V]) IsStale(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return true
	}
	return s.now().Sub(e.writtenAt) > e.ttl
}

// MarkRevalidating sets the revalidating flag. It returns false when the key
// is missing or a revalidation is already in flight.
func (s *Store[V]) MarkRevalidating(key string) bool {
	return s.markRevalidating(key) != 0
}

// ClearRevalidating clears the revalidating flag unconditionally.
func (s *Store[V]) ClearRevalidating(key string) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.revalidating = 0
	}
	s.mu.Unlock()
}

func (s *Store[V]) markRevalidating(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.revalidating != 0 {
		return 0
	}
	s.tokens++
	e.revalidating = s.tokens
	return e.revalidating
}

// clearToken clears the flag only if it still belongs to the given refresh.
func (s *Store[V]) clearToken(key string, tok uint64) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e.revalidating == tok {
		e.revalidating = 0
	}
	s.mu.Unlock()
}

// Invalidate removes key and bumps its generation so in-flight refreshes
// cannot resurrect the old view.
func (s *Store[V]) Invalidate(ctx context.Context, key string) error {
	s.casMu.Lock()
	newGen, genErr := s.gen.Bump(ctx, s.genKey(key))
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	s.casMu.Unlock()

	var delErr error
	if s.provider != nil {
		delErr = s.provider.Del(ctx, s.storageKey(key))
	}
	if genErr != nil {
		s.hooks.ProviderError("gen", key, genErr)
	}
	if delErr != nil {
		s.hooks.ProviderError("del", key, delErr)
	}
	if genErr != nil || delErr != nil {
		return &InvalidateError{Key: key, GenErr: genErr, DelErr: delErr}
	}
	s.log.Debug("invalidated key (bumped gen + cleared entry)", Fields{"key": key, "newGen": newGen})
	return nil
}

// InvalidatePrefix invalidates every key starting with prefix and returns
// how many in-memory keys were matched. Persisted entries this process never
// loaded are covered by a prefix mark in the provider: load drops any entry
// written at or before a matching mark.
func (s *Store[V]) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	s.casMu.Lock()
	s.prefixSeq[prefix]++
	s.casMu.Unlock()

	var errs []error
	if s.provider != nil {
		if err := s.markPrefix(ctx, prefix, s.now().UnixMilli()); err != nil {
			s.hooks.ProviderError("set", s.marksKey(), err)
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	keys := util.MatchingKeys(s.entries, prefix)
	s.mu.Unlock()
	for _, k := range keys {
		if err := s.Invalidate(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return len(keys), errors.Join(errs...)
}

// Fetch is a read-through get with stale-while-revalidate:
//   - fresh entry: served.
//   - stale entry within TTL*StaleFactor that allows it: served immediately;
//     one background refresh is started unless one is already in flight.
//   - missing, too old, or stale without permission: refreshed synchronously.
//     Concurrent callers share a single load.
//
// When a synchronous refresh fails and an old value exists, that value is
// returned together with the error.
func (s *Store[V]) Fetch(ctx context.Context, key string, ttl time.Duration, load Loader[V]) (V, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	e, ok := s.Get(ctx, key)
	if ok {
		age := s.now().Sub(e.WrittenAt)
		if age <= e.TTL {
			return e.Value, nil
		}
		if e.AllowStale && age <= s.maxStale(e.TTL) {
			if tok := s.markRevalidating(key); tok != 0 {
				s.revalidate(key, tok, ttl, load)
			}
			return e.Value, nil
		}
	}

	v, err := s.refresh(ctx, key, ttl, load)
	if err != nil {
		s.hooks.RevalidateFailed(key, err)
		if ok {
			return e.Value, err
		}
		var zero V
		return zero, err
	}
	return v, nil
}

func (s *Store[V]) revalidate(key string, tok uint64, ttl time.Duration, load Loader[V]) {
	if s.ctx.Err() != nil {
		s.clearToken(key, tok)
		return
	}
	s.wg.Add(1)
	s.hooks.RevalidateStarted(key)
	go func() {
		defer s.wg.Done()
		// cleared on success and failure alike so a later reader can retry
		defer s.clearToken(key, tok)

		ctx, cancel := context.WithTimeout(s.ctx, s.refreshTO)
		defer cancel()
		if _, err := s.refresh(ctx, key, ttl, load); err != nil {
			s.hooks.RevalidateFailed(key, err)
			s.log.Warn("background revalidation failed; keeping stale value", Fields{"key": key, "err": err})
		}
	}()
}

func (s *Store[V]) refresh(ctx context.Context, key string, ttl time.Duration, load Loader[V]) (V, error) {
	res, err, _ := s.sf.Do(key, func() (any, error) {
		// a flight that finished after our caller's read already refreshed it
		if v, ok := s.fresh(key); ok {
			return v, nil
		}
		pobs := s.prefixGen(key)
		obs, gerr := s.snapshotGen(ctx, key)
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if gerr == nil {
			if _, err := s.setWithGen(ctx, key, v, ttl, obs, pobs); err != nil {
				s.log.Warn("refresh persist failed", Fields{"key": key, "err": err})
			}
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (s *Store[V]) fresh(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && s.now().Sub(e.writtenAt) <= e.ttl {
		return e.value, true
	}
	var zero V
	return zero, false
}

// setWithGen writes iff neither the key's generation nor any prefix
// covering it moved since they were observed.
func (s *Store[V]) setWithGen(ctx context.Context, key string, value V, ttl time.Duration, observedGen, observedPrefix uint64) (bool, error) {
	s.casMu.Lock()
	cur, err := s.snapshotGen(ctx, key)
	if err != nil {
		s.casMu.Unlock()
		return false, err
	}
	if cur != observedGen || s.prefixGenLocked(key) != observedPrefix {
		s.casMu.Unlock()
		// generation moved; skip stale write
		s.hooks.StaleWriteDropped(key)
		s.log.Debug("refresh result dropped (gen mismatch)", Fields{"key": key, "obs": observedGen, "cur": cur})
		return false, nil
	}
	now := s.put(key, value, ttl, s.allowStale)
	s.casMu.Unlock()
	return true, s.persist(ctx, key, value, now, ttl, cur)
}

func (s *Store[V]) put(key string, value V, ttl time.Duration, allowStale bool) time.Time {
	now := s.now()
	s.mu.Lock()
	s.entries[key] = &entry[V]{value: value, writtenAt: now, ttl: ttl, allowStale: allowStale}
	s.mu.Unlock()
	return now
}

func (s *Store[V]) persist(ctx context.Context, key string, value V, writtenAt time.Time, ttl time.Duration, g uint64) error {
	if s.provider == nil {
		return nil
	}
	payload, err := s.codec.Encode(value)
	if err != nil {
		return err
	}
	b, err := wire.Encode(s.format, wire.Envelope{
		Gen:       g,
		WrittenAt: writtenAt.UnixMilli(),
		TTL:       ttl.Milliseconds(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	// the provider keeps the entry long enough to serve it stale
	ok, err := s.provider.Set(ctx, s.storageKey(key), b, int64(len(b)), s.maxStale(ttl))
	if err != nil {
		s.hooks.ProviderError("set", key, err)
		return err
	}
	if !ok {
		s.log.Debug("persist rejected by provider (pressure)", Fields{"key": key})
	}
	return nil
}

func (s *Store[V]) load(ctx context.Context, key string) (Entry[V], bool) {
	sk := s.storageKey(key)
	pobs := s.prefixGen(key)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil {
		s.hooks.ProviderError("get", key, err)
		return Entry[V]{}, false
	}
	if !ok {
		return Entry[V]{}, false
	}
	env, err := wire.Decode(raw)
	if err != nil {
		_ = s.provider.Del(ctx, sk) // self-heal corrupt
		return Entry[V]{}, false
	}
	v, err := s.codec.Decode(env.Payload)
	if err != nil {
		_ = s.provider.Del(ctx, sk) // self-heal
		return Entry[V]{}, false
	}
	marks, err := s.readMarks(ctx)
	if err != nil {
		return Entry[V]{}, false
	}
	if markedAfter(marks, key, env.WrittenAt) {
		_ = s.provider.Del(ctx, sk)
		s.log.Debug("persisted entry predates prefix invalidation", Fields{"key": key})
		return Entry[V]{}, false
	}

	s.casMu.Lock()
	defer s.casMu.Unlock()
	cur, err := s.snapshotGen(ctx, key)
	if err != nil {
		return Entry[V]{}, false
	}
	if s.prefixGenLocked(key) != pobs {
		// a prefix invalidation ran while we were reading
		return Entry[V]{}, false
	}
	if cur != env.Gen {
		_ = s.provider.Del(ctx, sk)
		return Entry[V]{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.snapshot(), true
	}
	e := &entry[V]{
		value:      v,
		writtenAt:  time.UnixMilli(env.WrittenAt),
		ttl:        time.Duration(env.TTL) * time.Millisecond,
		allowStale: s.allowStale,
	}
	s.entries[key] = e
	return e.snapshot(), true
}

func (s *Store[V]) snapshotGen(ctx context.Context, key string) (uint64, error) {
	g, err := s.gen.Snapshot(ctx, s.genKey(key))
	if err != nil {
		s.hooks.ProviderError("gen", key, err)
		s.log.Warn("gen snapshot error", Fields{"key": key, "err": err})
		return 0, err
	}
	return g, nil
}

func (s *Store[V]) prefixGen(key string) uint64 {
	s.casMu.Lock()
	defer s.casMu.Unlock()
	return s.prefixGenLocked(key)
}

func (s *Store[V]) prefixGenLocked(key string) uint64 {
	var n uint64
	for p, seq := range s.prefixSeq {
		if strings.HasPrefix(key, p) {
			n += seq
		}
	}
	return n
}

// readMarks returns the persisted prefix invalidation times (unix ms).
// A corrupt mark set is reported as an error so callers treat entries as misses.
func (s *Store[V]) readMarks(ctx context.Context) (map[string]int64, error) {
	raw, ok, err := s.provider.Get(ctx, s.marksKey())
	if err != nil {
		s.hooks.ProviderError("get", s.marksKey(), err)
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	marks, err := (c.JSON[map[string]int64]{}).Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode prefix marks: %w", err)
	}
	return marks, nil
}

// markPrefix records that every entry under prefix written at or before at
// is invalid. Marks never move backwards. Two processes marking at once
// race on the read-modify-write; the later writer wins.
func (s *Store[V]) markPrefix(ctx context.Context, prefix string, at int64) error {
	marks, err := s.readMarks(ctx)
	if err != nil || marks == nil {
		marks = make(map[string]int64, 1)
	}
	if marks[prefix] >= at {
		return nil
	}
	marks[prefix] = at
	b, err := (c.JSON[map[string]int64]{}).Encode(marks)
	if err != nil {
		return err
	}
	_, err = s.provider.Set(ctx, s.marksKey(), b, int64(len(b)), 0)
	return err
}

func markedAfter(marks map[string]int64, key string, writtenAt int64) bool {
	for p, at := range marks {
		if strings.HasPrefix(key, p) && writtenAt <= at {
			return true
		}
	}
	return false
}

func (s *Store[V]) marksKey() string {
	return "prefixes:" + s.ns
}

func (s *Store[V]) maxStale(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl) * s.staleFactor)
}

func (s *Store[V]) storageKey(userKey string) string {
	// isolate by namespace
	return util.Key("entry:"+s.ns, userKey)
}

func (s *Store[V]) genKey(userKey string) string {
	return util.Key(s.ns, userKey)
}
