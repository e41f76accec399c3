package rolesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus is the state of a tracked write.
type TxStatus uint8

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Related lists what a write affects. The tracker applies these side
// effects once the write reaches a terminal state.
type Related struct {
	Subject common.Address
	Role    string // base role name, if the write concerns one
	Method  string

	// Invalidate and InvalidatePrefix name cache keys dropped on confirmation.
	Invalidate       []string
	InvalidatePrefix []string

	// Ledger and RecordID point at the optimistic record backing the write.
	// On confirmation it is resolved; on failure it is rolled back, or
	// removed when RemoveOnFailure is set.
	Ledger          *Ledger
	RecordID        string
	RemoveOnFailure bool
	// Approve marks the record approved before resolving it, so ledger
	// listeners observe the transition.
	Approve bool

	// Event overrides the bus event name (default EventRoleChanged).
	Event string
}

// PendingTransaction is a write awaiting confirmation.
type PendingTransaction struct {
	Handle      TxHandle
	SubmittedAt time.Time
	Status      TxStatus
	Attempt     int
	Related     Related
}

// Outcome is the terminal result of Track.
type Outcome struct {
	Handle   TxHandle
	Status   TxStatus
	Attempts int
	Receipt  Receipt
	Err      error
}

// Invalidator is a cache the tracker drops keys from. *Store[V] implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// TrackerOptions configure a Tracker. Only Gateway is required.
type TrackerOptions struct {
	Gateway      Gateway
	Invalidators []Invalidator
	Bus          *Bus
	Logger       Logger
	Hooks        Hooks

	ConfirmTimeout time.Duration // per attempt; 0 => 2m
	Backoff        Backoff       // zero => {PollInterval, MaxBackoff}
	MaxRetries     int           // 0 => 2; negative => no retries

	// Notify receives one message per failed write.
	Notify func(Notification)
	Now    func() time.Time
}

// Tracker drives submitted writes to a terminal state. Only confirmation
// waits are retried; Submit never is.
type Tracker struct {
	gw      Gateway
	invs    []Invalidator
	bus     *Bus
	log     Logger
	hooks   Hooks
	notify  func(Notification)
	now     func() time.Time
	timeout time.Duration
	backoff Backoff
	retries int

	mu      sync.Mutex
	pending map[common.Hash]*PendingTransaction

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Gateway == nil {
		return nil, ErrGatewayRequired
	}
	t := &Tracker{
		gw:      opts.Gateway,
		invs:    opts.Invalidators,
		bus:     opts.Bus,
		notify:  opts.Notify,
		pending: make(map[common.Hash]*PendingTransaction),
	}
	t.log = coalesce[Logger](opts.Logger, NopLogger{})
	t.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	t.timeout = coalesce(opts.ConfirmTimeout, DefaultConfirmTimeout)
	t.backoff = opts.Backoff
	if t.backoff.Base <= 0 {
		t.backoff.Base = DefaultPollInterval
	}
	if t.backoff.Max <= 0 {
		t.backoff.Max = DefaultMaxBackoff
	}
	switch {
	case opts.MaxRetries < 0:
		t.retries = 0
	case opts.MaxRetries == 0:
		t.retries = DefaultMaxRetries
	default:
		t.retries = opts.MaxRetries
	}
	if opts.Now != nil {
		t.now = opts.Now
	} else {
		t.now = time.Now
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Track blocks until h is confirmed or failed and applies rel's side
// effects. If ctx ends or the tracker is closed first, tracking is dropped
// without side effects and ctx's error (or ErrClosed) is returned. A hash
// that is already being tracked fails with ErrDuplicate.
func (t *Tracker) Track(ctx context.Context, h TxHandle, rel Related) (Outcome, error) {
	if t.ctx.Err() != nil {
		return Outcome{Handle: h, Status: TxPending}, ErrClosed
	}
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	if !t.begin(h, rel) {
		return Outcome{Handle: h, Status: TxPending}, fmt.Errorf("%w: %s is already tracked", ErrDuplicate, h.Hash.Hex())
	}
	defer t.forget(h.Hash)

	maxAttempts := t.retries + 1
	started := t.now()
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t.setAttempt(h.Hash, attempt)

		wctx, wcancel := context.WithTimeout(ctx, t.timeout)
		rc, err := t.gw.WaitForFinality(wctx, h)
		wcancel()

		if err == nil {
			return t.confirm(ctx, h, rel, rc, attempt), nil
		}
		if ctx.Err() != nil {
			return t.abandon(parent, h, attempt)
		}
		if !IsRetryable(err) {
			out := t.fail(h, rel, err, attempt)
			return out, err
		}
		last = err
		if attempt == maxAttempts {
			break
		}

		delay := t.backoff.Delay(attempt - 1)
		t.hooks.ConfirmationRetry(h.Hash.Hex(), attempt, delay)
		t.log.Warn("confirmation wait timed out; retrying", Fields{
			"hash": h.Hash.Hex(), "attempt": attempt, "delay": delay, "err": err,
		})
		if err := sleep(ctx, delay); err != nil {
			return t.abandon(parent, h, attempt)
		}
	}

	err := &ConfirmationTimeoutError{Handle: h, Attempts: maxAttempts, Waited: t.now().Sub(started), Last: last}
	return t.fail(h, rel, err, maxAttempts), err
}

// TrackAsync runs Track on its own goroutine; done (optional) receives the outcome.
func (t *Tracker) TrackAsync(ctx context.Context, h TxHandle, rel Related, done func(Outcome, error)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		out, err := t.Track(ctx, h, rel)
		if done != nil {
			done(out, err)
		}
	}()
}

// Tracking reports whether hash is currently awaiting confirmation.
func (t *Tracker) Tracking(hash common.Hash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[hash]
	return ok
}

// Pending returns the writes currently awaiting confirmation, oldest first.
func (t *Tracker) Pending() []PendingTransaction {
	t.mu.Lock()
	out := make([]PendingTransaction, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].Handle.Hash.Hex() < out[j].Handle.Hash.Hex()
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Close abandons every in-flight wait and blocks until async trackers exit.
func (t *Tracker) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Tracker) begin(h TxHandle, rel Related) bool {
	at := h.SubmittedAt
	if at.IsZero() {
		at = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[h.Hash]; ok {
		return false
	}
	t.pending[h.Hash] = &PendingTransaction{Handle: h, SubmittedAt: at, Status: TxPending, Related: rel}
	return true
}

func (t *Tracker) setAttempt(hash common.Hash, n int) {
	t.mu.Lock()
	if p, ok := t.pending[hash]; ok {
		p.Attempt = n
	}
	t.mu.Unlock()
}

func (t *Tracker) forget(hash common.Hash) {
	t.mu.Lock()
	delete(t.pending, hash)
	t.mu.Unlock()
}

// abandon reports why tracking stopped: ErrClosed, or the caller's
// context error (canceled vs deadline exceeded).
func (t *Tracker) abandon(parent context.Context, h TxHandle, attempt int) (Outcome, error) {
	err := parent.Err()
	switch {
	case t.ctx.Err() != nil:
		err = ErrClosed
	case err == nil:
		err = context.Canceled
	}
	t.log.Debug("tracking abandoned", Fields{"hash": h.Hash.Hex(), "attempt": attempt})
	return Outcome{Handle: h, Status: TxPending, Attempts: attempt, Err: err}, err
}

func (t *Tracker) confirm(ctx context.Context, h TxHandle, rel Related, rc Receipt, attempt int) Outcome {
	t.hooks.TxTransition(h.Hash.Hex(), TxPending, TxConfirmed)

	var errs []error
	for _, inv := range t.invs {
		for _, k := range rel.Invalidate {
			if err := inv.Invalidate(ctx, k); err != nil {
				errs = append(errs, err)
			}
		}
		for _, p := range rel.InvalidatePrefix {
			if _, err := inv.InvalidatePrefix(ctx, p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		// the write itself succeeded; entries still expire by TTL
		t.log.Warn("post-confirmation invalidation failed", Fields{"hash": h.Hash.Hex(), "err": err})
	}
	if rel.Ledger != nil && rel.RecordID != "" {
		if rel.Approve {
			rel.Ledger.Approve(rel.RecordID)
		}
		rel.Ledger.Resolve(rel.RecordID)
	}
	t.emit(rel, Event{
		Action: ActionConfirmed, Method: method(h, rel), Subject: rel.Subject,
		Role: rel.Role, Handle: h, RecordID: rel.RecordID,
	})
	t.log.Info("transaction confirmed", Fields{"hash": h.Hash.Hex(), "block": rc.BlockNumber, "attempts": attempt})
	return Outcome{Handle: h, Status: TxConfirmed, Attempts: attempt, Receipt: rc}
}

// failSubmit applies the failure side effects of a write the gateway
// refused to accept; there is no handle to track.
func (t *Tracker) failSubmit(method string, rel Related, err error) Outcome {
	return t.fail(TxHandle{Method: method}, rel, err, 0)
}

func (t *Tracker) fail(h TxHandle, rel Related, err error, attempt int) Outcome {
	if h.Hash != (common.Hash{}) {
		t.hooks.TxTransition(h.Hash.Hex(), TxPending, TxFailed)
	}

	if rel.Ledger != nil && rel.RecordID != "" {
		if rel.RemoveOnFailure {
			rel.Ledger.Remove(rel.RecordID)
		} else {
			rel.Ledger.Rollback(rel.RecordID)
		}
	}
	t.emit(rel, Event{
		Action: ActionRollback, Method: method(h, rel), Subject: rel.Subject,
		Role: rel.Role, Handle: h, RecordID: rel.RecordID, Err: err,
	})
	t.deliver(h, rel, err)
	t.log.Warn("transaction failed", Fields{"hash": h.Hash.Hex(), "attempts": attempt, "err": err})
	return Outcome{Handle: h, Status: TxFailed, Attempts: attempt, Err: err}
}

func (t *Tracker) emit(rel Related, ev Event) {
	if t.bus == nil {
		return
	}
	name := rel.Event
	if name == "" {
		name = EventRoleChanged
	}
	t.bus.Emit(name, ev)
}

// deliver sends the single user-facing message for a failed write.
func (t *Tracker) deliver(h TxHandle, rel Related, err error) {
	if t.notify == nil {
		return
	}
	n := Describe(err)
	n.Method = method(h, rel)
	n.Subject = rel.Subject
	n.Role = rel.Role
	n.Hash = h.Hash
	t.notify(n)
}

func method(h TxHandle, rel Related) string {
	if rel.Method != "" {
		return rel.Method
	}
	return h.Method
}
