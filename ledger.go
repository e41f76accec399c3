package rolesync

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// RecordStatus is the lifecycle state of an optimistic record.
type RecordStatus string

const (
	StatusPending    RecordStatus = "pending"
	StatusProcessing RecordStatus = "processing"
	StatusApproved   RecordStatus = "approved"
	StatusRejected   RecordStatus = "rejected"
)

// Terminal reports whether s no longer blocks a new record for the same pair.
func (s RecordStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Action is the change an optimistic record anticipates.
type Action string

const (
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
)

// Record is a locally originated, provisional change. JSON tags are the
// persisted shape.
type Record struct {
	ID              string         `json:"id"`
	SubjectAddress  common.Address `json:"subjectAddress"`
	Role            string         `json:"role"`
	Status          RecordStatus   `json:"status"`
	PrevStatus      RecordStatus   `json:"prevStatus,omitempty"`
	Action          Action         `json:"action,omitempty"`
	CreatedAt       int64          `json:"createdAt"` // unix ms
	TransactionHash string         `json:"transactionHash,omitempty"`
	Timestamp       int64          `json:"timestamp"` // unix ms of last mutation
}

// Pair keys a record by subject and base role.
type Pair struct {
	Subject common.Address
	Role    string
}

func (r Record) Pair() Pair { return Pair{Subject: r.SubjectAddress, Role: r.Role} }

// PairSet is a set of authoritative (subject, role) memberships.
type PairSet map[Pair]struct{}

// NewPairSet builds the set of members holding role.
func NewPairSet(role string, members ...common.Address) PairSet {
	s := make(PairSet, len(members))
	base := Normalize(role)
	for _, m := range members {
		s[Pair{Subject: m, Role: base}] = struct{}{}
	}
	return s
}

func (s PairSet) Has(p Pair) bool {
	_, ok := s[p]
	return ok
}

// LedgerOptions are optional.
type LedgerOptions struct {
	Now   func() time.Time
	NewID func() string // default uuid v4
}

type listener struct {
	id uint64
	fn func(version uint64, records []Record)
}

// Ledger holds optimistic records, at most one per (subject, role) pair.
// It performs no I/O; persistence subscribes through OnChange. Operations
// on missing ids are no-ops.
type Ledger struct {
	name  string
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	records map[string]*Record
	index   map[Pair]string
	version uint64

	lmu       sync.Mutex
	listeners []listener
	nextL     uint64
}

func NewLedger(name string, opts LedgerOptions) *Ledger {
	l := &Ledger{
		name:    name,
		now:     opts.Now,
		newID:   opts.NewID,
		records: make(map[string]*Record),
		index:   make(map[Pair]string),
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	return l
}

func (l *Ledger) Name() string { return l.name }

// Add records a pending grant for (addr, role). If a non-terminal record
// for the pair exists it is returned with created=false; a terminal one is
// replaced.
func (l *Ledger) Add(addr common.Address, role string) (Record, bool, error) {
	return l.Propose(addr, role, ActionGrant)
}

// Propose is Add with an explicit action.
func (l *Ledger) Propose(addr common.Address, role string, action Action) (Record, bool, error) {
	if addr == (common.Address{}) {
		return Record{}, false, ErrInvalidAddress
	}
	base := Normalize(role)
	if base == "" {
		return Record{}, false, &ResolutionError{Role: role, Err: ErrUnknownRole}
	}

	p := Pair{Subject: addr, Role: base}
	l.mu.Lock()
	if id, ok := l.index[p]; ok {
		cur := l.records[id]
		if !cur.Status.Terminal() {
			out := *cur
			l.mu.Unlock()
			return out, false, nil
		}
		delete(l.records, id)
	}
	now := l.now().UnixMilli()
	r := &Record{
		ID:             l.newID(),
		SubjectAddress: addr,
		Role:           base,
		Status:         StatusPending,
		Action:         action,
		CreatedAt:      now,
		Timestamp:      now,
	}
	l.records[r.ID] = r
	l.index[p] = r.ID
	out := *r
	l.commit()
	return out, true, nil
}

// MarkProcessing moves a record to processing and attaches its write hash.
func (l *Ledger) MarkProcessing(id, txHash string) {
	l.update(id, func(r *Record) bool {
		if r.Status != StatusProcessing {
			r.PrevStatus = r.Status
		}
		r.Status = StatusProcessing
		r.TransactionHash = txHash
		return true
	})
}

// Rollback restores a processing record to its pre-submission status.
func (l *Ledger) Rollback(id string) {
	l.update(id, func(r *Record) bool {
		if r.Status != StatusProcessing {
			return false
		}
		r.Status = r.PrevStatus
		if r.Status == "" {
			r.Status = StatusPending
		}
		r.PrevStatus = ""
		r.TransactionHash = ""
		return true
	})
}

// Approve and Reject are terminal; the record stays visible until an
// authoritative read reconciles it away or it is removed.
func (l *Ledger) Approve(id string) { l.setStatus(id, StatusApproved) }
func (l *Ledger) Reject(id string)  { l.setStatus(id, StatusRejected) }

// Resolve drops a record whose change the authority confirmed.
func (l *Ledger) Resolve(id string) { l.Remove(id) }

// Remove drops a record.
func (l *Ledger) Remove(id string) {
	l.mu.Lock()
	r, ok := l.records[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	l.drop(r)
	l.commit()
}

// Reconcile removes every record whose pair appears in set and returns them.
// All other records are left untouched.
func (l *Ledger) Reconcile(set PairSet) []Record {
	return l.ReconcileFunc(func(r Record) bool { return set.Has(r.Pair()) })
}

// ReconcileFunc removes every record for which superseded returns true.
func (l *Ledger) ReconcileFunc(superseded func(Record) bool) []Record {
	l.mu.Lock()
	var removed []Record
	for _, r := range l.records {
		if superseded(*r) {
			removed = append(removed, *r)
		}
	}
	if len(removed) == 0 {
		l.mu.Unlock()
		return nil
	}
	for _, r := range removed {
		l.drop(l.records[r.ID])
	}
	l.commit()
	sortRecords(removed)
	return removed
}

// Get returns a record by id.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Find returns the record for (addr, role), if any.
func (l *Ledger) Find(addr common.Address, role string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.index[Pair{Subject: addr, Role: Normalize(role)}]
	if !ok {
		return Record{}, false
	}
	return *l.records[id], true
}

// Records returns every record ordered by creation.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Version increases on every mutation.
func (l *Ledger) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Snapshot returns the records together with the version they belong to.
func (l *Ledger) Snapshot() (uint64, []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version, l.snapshotLocked()
}

// Replace swaps the content for records (used on startup load) without
// notifying listeners. Records with an empty id, a zero subject or a pair
// already seen are skipped. It returns the number kept.
func (l *Ledger) Replace(records []Record) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]*Record, len(records))
	l.index = make(map[Pair]string, len(records))
	for _, in := range records {
		r := in
		r.Role = Normalize(r.Role)
		if r.ID == "" || r.SubjectAddress == (common.Address{}) || r.Role == "" {
			continue
		}
		if _, dup := l.index[r.Pair()]; dup {
			continue
		}
		if _, dup := l.records[r.ID]; dup {
			continue
		}
		l.records[r.ID] = &r
		l.index[r.Pair()] = r.ID
	}
	l.version++
	return len(l.records)
}

// OnChange registers fn to receive a snapshot after every mutation.
// Snapshots may arrive out of order under concurrent writers; version
// orders them.
func (l *Ledger) OnChange(fn func(version uint64, records []Record)) (unsubscribe func()) {
	l.lmu.Lock()
	l.nextL++
	id := l.nextL
	l.listeners = append(l.listeners, listener{id: id, fn: fn})
	l.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.lmu.Lock()
			defer l.lmu.Unlock()
			for i, ln := range l.listeners {
				if ln.id == id {
					l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *Ledger) setStatus(id string, s RecordStatus) {
	l.update(id, func(r *Record) bool {
		if r.Status == s {
			return false
		}
		r.PrevStatus = r.Status
		r.Status = s
		return true
	})
}

// update applies fn under the lock; fn reports whether it changed r.
func (l *Ledger) update(id string, fn func(r *Record) bool) {
	l.mu.Lock()
	r, ok := l.records[id]
	if !ok || !fn(r) {
		l.mu.Unlock()
		return
	}
	r.Timestamp = l.now().UnixMilli()
	l.commit()
}

func (l *Ledger) drop(r *Record) {
	delete(l.records, r.ID)
	if l.index[r.Pair()] == r.ID {
		delete(l.index, r.Pair())
	}
}

// commit bumps the version, releases l.mu and notifies listeners.
// Callers must hold l.mu.
func (l *Ledger) commit() {
	l.version++
	v := l.version
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.lmu.Lock()
	ls := make([]listener, len(l.listeners))
	copy(ls, l.listeners)
	l.lmu.Unlock()
	for _, ln := range ls {
		ln.fn(v, snap)
	}
}

func (l *Ledger) snapshotLocked() []Record {
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	sortRecords(out)
	return out
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt != rs[j].CreatedAt {
			return rs[i].CreatedAt < rs[j].CreatedAt
		}
		return rs[i].ID < rs[j].ID
	})
}
