package rolesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"

	gen "github.com/unkn0wn-root/rolesync/genstore"
	"github.com/unkn0wn-root/rolesync/internal/util"
)

// Cache key layout.
const (
	membersPrefix = "role-members"
	summaryPrefix = "role-summary"
	summaryKey    = summaryPrefix + ":all"
)

// MembersKey is the cache key of a role's member list.
func MembersKey(role string) string { return util.Key(membersPrefix, Normalize(role)) }

// Operation is a domain write (register asset, audit, validate...).
type Operation struct {
	Method string
	Args   []any

	Subject common.Address
	Role    string

	// Cache keys and prefixes the write makes stale.
	Invalidate       []string
	InvalidatePrefix []string
	Event            string // bus event; "" => EventRoleChanged
}

// Engine wires the resolver, caches, tracker, ledgers and bus around one
// gateway. Each Engine is independent; there is no package state.
type Engine struct {
	gw    Gateway
	log   Logger
	hooks Hooks

	resolver *Resolver
	members  *Store[[]common.Address]
	summary  *Store[RoleSummary]
	tracker  *Tracker
	bus      *Bus

	approvals      *Ledger
	requests       *Ledger
	approvalsStore *LedgerStore
	requestsStore  *LedgerStore
	unsub          []func()

	membersTTL time.Duration
	summaryTTL time.Duration

	gen    gen.GenStore
	ownGen bool

	closeOnce sync.Once
	closeErr  error
}

func newEngine(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, ErrGatewayRequired
	}
	e := &Engine{
		gw:         opts.Gateway,
		membersTTL: coalesce(opts.MembersTTL, DefaultMembersTTL),
		summaryTTL: coalesce(opts.SummaryTTL, DefaultSummaryTTL),
	}
	e.log = coalesce[Logger](opts.Logger, NopLogger{})
	e.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if opts.GenStore != nil {
		e.gen = opts.GenStore
	} else {
		e.gen = gen.NewLocalGenStore(defaultSweep, defaultGenRetention)
		e.ownGen = true
	}

	e.bus = NewBus(e.log)
	e.resolver = NewResolver(e.gw, opts.Roles, e.log)

	var err error
	e.members, err = NewStore(StoreOptions[[]common.Address]{
		Namespace:   "members",
		Provider:    opts.CacheProvider,
		Format:      opts.MembersFormat,
		GenStore:    e.gen,
		Logger:      e.log,
		Hooks:       e.hooks,
		DefaultTTL:  e.membersTTL,
		StaleFactor: opts.StaleFactor,
		Now:         opts.Now,
	})
	if err != nil {
		return nil, e.abort(ctx, err)
	}
	e.summary, err = NewStore(StoreOptions[RoleSummary]{
		Namespace:   "summary",
		Provider:    opts.CacheProvider,
		Format:      FormatJSON,
		GenStore:    e.gen,
		Logger:      e.log,
		Hooks:       e.hooks,
		DefaultTTL:  e.summaryTTL,
		StaleFactor: opts.StaleFactor,
		Now:         opts.Now,
	})
	if err != nil {
		return nil, e.abort(ctx, err)
	}

	lopts := LedgerOptions{Now: opts.Now}
	e.approvals = NewLedger(KeyApprovals, lopts)
	e.requests = NewLedger(KeyRequests, lopts)
	if opts.LedgerProvider != nil {
		sopts := LedgerStoreOptions{Codec: opts.LedgerCodec, Logger: e.log, Hooks: e.hooks}
		if e.approvalsStore, err = OpenLedgerStore(ctx, e.approvals, opts.LedgerProvider, KeyApprovals, sopts); err != nil {
			return nil, e.abort(ctx, fmt.Errorf("load %s: %w", KeyApprovals, err))
		}
		if e.requestsStore, err = OpenLedgerStore(ctx, e.requests, opts.LedgerProvider, KeyRequests, sopts); err != nil {
			return nil, e.abort(ctx, fmt.Errorf("load %s: %w", KeyRequests, err))
		}
	}
	e.unsub = append(e.unsub,
		e.approvals.OnChange(e.publish(EventApprovalsChanged, KeyApprovals)),
		e.requests.OnChange(e.publish(EventRequestsChanged, KeyRequests)),
	)

	e.tracker, err = NewTracker(TrackerOptions{
		Gateway:        e.gw,
		Invalidators:   []Invalidator{views{e}},
		Bus:            e.bus,
		Logger:         e.log,
		Hooks:          e.hooks,
		ConfirmTimeout: opts.ConfirmTimeout,
		Backoff:        Backoff{Base: opts.PollInterval, Max: opts.MaxBackoff, Jitter: opts.BackoffJitter},
		MaxRetries:     opts.MaxRetries,
		Notify:         opts.Notify,
		Now:            opts.Now,
	})
	if err != nil {
		return nil, e.abort(ctx, err)
	}
	return e, nil
}

// views routes invalidations to the store owning the key.
type views struct{ e *Engine }

func (v views) owner(key string) Invalidator {
	if strings.HasPrefix(key, membersPrefix) {
		return v.e.members
	}
	return v.e.summary
}

func (v views) Invalidate(ctx context.Context, key string) error {
	return v.owner(key).Invalidate(ctx, key)
}

// InvalidatePrefix reaches every store whose keys can share prefix.
func (v views) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	var (
		n   int
		err error
	)
	for _, st := range []struct {
		keys string
		inv  Invalidator
	}{
		{summaryPrefix, v.e.summary},
		{membersPrefix, v.e.members},
	} {
		if !overlaps(prefix, st.keys) {
			continue
		}
		m, ierr := st.inv.InvalidatePrefix(ctx, prefix)
		n += m
		err = multierr.Append(err, ierr)
	}
	return n, err
}

// overlaps reports whether some key starting with b can also start with a.
func overlaps(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// abort releases what newEngine built so far.
func (e *Engine) abort(ctx context.Context, err error) error {
	return multierr.Append(err, e.Close(ctx))
}

func (e *Engine) publish(event, ledger string) func(uint64, []Record) {
	return func(v uint64, records []Record) {
		e.bus.Emit(event, LedgerChange{Ledger: ledger, Version: v, Records: records})
	}
}

// Resolve returns the token of a role name (base or suffixed, any case).
func (e *Engine) Resolve(ctx context.Context, role string) (RoleToken, error) {
	return e.resolver.Resolve(ctx, role)
}

// GrantRole optimistically records a grant, submits it and tracks it to a
// terminal state. The record is removed on failure.
func (e *Engine) GrantRole(ctx context.Context, role string, subject common.Address) (Outcome, error) {
	return e.roleWrite(ctx, MethodGrantRole, ActionGrant, role, subject)
}

// RevokeRole is GrantRole's inverse.
func (e *Engine) RevokeRole(ctx context.Context, role string, subject common.Address) (Outcome, error) {
	return e.roleWrite(ctx, MethodRevokeRole, ActionRevoke, role, subject)
}

func (e *Engine) roleWrite(ctx context.Context, method string, action Action, role string, subject common.Address) (Outcome, error) {
	tok, err := e.resolver.Resolve(ctx, role)
	if err != nil {
		return Outcome{}, err
	}
	rec, created, err := e.approvals.Propose(subject, role, action)
	if err != nil {
		return Outcome{}, err
	}
	if !created {
		return Outcome{}, fmt.Errorf("%w: record %s (%s)", ErrDuplicate, rec.ID, rec.Status)
	}
	return e.submit(ctx, method, e.approvalRelated(method, rec), tok, subject)
}

// RequestRole records a pending request by subject for role. An existing
// open request for the same pair is returned instead (created=false).
func (e *Engine) RequestRole(ctx context.Context, role string, subject common.Address) (Record, bool, error) {
	if _, err := e.resolver.Resolve(ctx, role); err != nil {
		return Record{}, false, err
	}
	return e.requests.Add(subject, role)
}

// ApproveRequest grants the role of request id and tracks the write. On
// confirmation the request is resolved; on failure it returns to its
// previous status.
func (e *Engine) ApproveRequest(ctx context.Context, id string) (Outcome, error) {
	rec, ok := e.requests.Get(id)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != StatusPending {
		return Outcome{}, fmt.Errorf("%w: request %s is %s", ErrDuplicate, id, rec.Status)
	}
	tok, err := e.resolver.Resolve(ctx, rec.Role)
	if err != nil {
		return Outcome{}, err
	}
	rel := e.requestRelated(rec)
	return e.submit(ctx, MethodGrantRole, rel, tok, rec.SubjectAddress)
}

// RejectRequest marks request id rejected. Missing ids are ignored.
func (e *Engine) RejectRequest(id string) { e.requests.Reject(id) }

// Execute submits a domain write and tracks it.
func (e *Engine) Execute(ctx context.Context, op Operation) (Outcome, error) {
	if op.Method == "" {
		return Outcome{}, errors.New("rolesync: operation method is required")
	}
	rel := Related{
		Subject:          op.Subject,
		Role:             Normalize(op.Role),
		Method:           op.Method,
		Invalidate:       op.Invalidate,
		InvalidatePrefix: op.InvalidatePrefix,
		Event:            op.Event,
	}
	return e.submit(ctx, op.Method, rel, op.Args...)
}

// Resume tracks every processing record whose write is not being tracked,
// typically after a restart or after a caller gave up waiting. It blocks
// until each write is terminal or ctx ends. Individual failures are
// reported in the outcomes; the error is ctx's, or ErrClosed.
func (e *Engine) Resume(ctx context.Context) ([]Outcome, error) {
	type job struct {
		h   TxHandle
		rel Related
	}
	var jobs []job
	for _, rec := range e.approvals.Records() {
		if rec.Status != StatusProcessing || rec.TransactionHash == "" {
			continue
		}
		method := MethodGrantRole
		if rec.Action == ActionRevoke {
			method = MethodRevokeRole
		}
		jobs = append(jobs, job{resumeHandle(method, rec), e.approvalRelated(method, rec)})
	}
	for _, rec := range e.requests.Records() {
		if rec.Status != StatusProcessing || rec.TransactionHash == "" {
			continue
		}
		jobs = append(jobs, job{resumeHandle(MethodGrantRole, rec), e.requestRelated(rec)})
	}

	outs := make([]Outcome, len(jobs))
	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		if e.tracker.Tracking(j.h.Hash) {
			outs[i] = Outcome{Handle: j.h, Status: TxPending}
			continue
		}
		e.log.Info("resuming confirmation", Fields{"hash": j.h.Hash.Hex(), "record": j.rel.RecordID})
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = e.tracker.Track(ctx, j.h, j.rel)
		}()
	}
	wg.Wait()

	// abandoned waits stay pending; terminal failures live in their outcome
	for i, err := range errs {
		if err != nil && outs[i].Status == TxPending && !errors.Is(err, ErrDuplicate) {
			return outs, err
		}
	}
	return outs, nil
}

func resumeHandle(method string, rec Record) TxHandle {
	return TxHandle{
		Hash:        common.HexToHash(rec.TransactionHash),
		Method:      method,
		SubmittedAt: time.UnixMilli(rec.Timestamp),
	}
}

func (e *Engine) approvalRelated(method string, rec Record) Related {
	rel := e.related(method, rec)
	rel.Ledger = e.approvals
	rel.RemoveOnFailure = true
	return rel
}

func (e *Engine) requestRelated(rec Record) Related {
	rel := e.related(MethodGrantRole, rec)
	rel.Ledger = e.requests
	rel.Approve = true
	return rel
}

func (e *Engine) related(method string, rec Record) Related {
	return Related{
		Subject:          rec.SubjectAddress,
		Role:             rec.Role,
		Method:           method,
		Invalidate:       []string{MembersKey(rec.Role), summaryKey},
		InvalidatePrefix: []string{summaryPrefix},
		RecordID:         rec.ID,
	}
}

func (e *Engine) submit(ctx context.Context, method string, rel Related, args ...any) (Outcome, error) {
	h, err := e.gw.Submit(ctx, method, args...)
	if err != nil {
		e.log.Warn("submit failed", Fields{"method": method, "subject": rel.Subject.Hex(), "role": rel.Role, "err": err})
		return e.tracker.failSubmit(method, rel, err), err
	}
	if rel.Ledger != nil && rel.RecordID != "" {
		rel.Ledger.MarkProcessing(rel.RecordID, h.Hash.Hex())
	}
	e.log.Debug("submitted", Fields{"method": method, "hash": h.Hash.Hex()})
	return e.tracker.Track(ctx, h, rel)
}

// Subscribe registers fn for a bus event.
func (e *Engine) Subscribe(event string, fn Handler) (unsubscribe func()) {
	return e.bus.On(event, fn)
}

// Approvals returns the optimistic grant/revoke records.
func (e *Engine) Approvals() []Record { return e.approvals.Records() }

// Requests returns the open role requests.
func (e *Engine) Requests() []Record { return e.requests.Records() }

// Pending returns the writes awaiting confirmation.
func (e *Engine) Pending() []PendingTransaction { return e.tracker.Pending() }

// Close stops tracking, flushes the ledgers and releases owned resources.
// Providers passed in Options are left open.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var err error
		if e.tracker != nil {
			err = multierr.Append(err, e.tracker.Close())
		}
		for _, u := range e.unsub {
			u()
		}
		if e.approvalsStore != nil {
			err = multierr.Append(err, e.approvalsStore.Close(ctx))
		}
		if e.requestsStore != nil {
			err = multierr.Append(err, e.requestsStore.Close(ctx))
		}
		if e.members != nil {
			err = multierr.Append(err, e.members.Close(ctx))
		}
		if e.summary != nil {
			err = multierr.Append(err, e.summary.Close(ctx))
		}
		if e.ownGen {
			err = multierr.Append(err, e.gen.Close(ctx))
		}
		e.bus.Close()
		e.closeErr = err
	})
	return e.closeErr
}
