package rolesync

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Event names emitted by the engine.
const (
	// EventRoleChanged follows every terminal tracked write. Payload: Event.
	EventRoleChanged = "role-changed"
	// EventApprovalsChanged and EventRequestsChanged follow every ledger
	// mutation. Payload: LedgerChange.
	EventApprovalsChanged = "approvals-changed"
	EventRequestsChanged  = "requests-changed"
	// EventAll subscribers receive every event.
	EventAll = "*"
)

// Actions carried by EventRoleChanged.
const (
	ActionConfirmed = "confirmed"
	ActionRollback  = "rollback"
)

// Event describes a terminal transition of a tracked write.
type Event struct {
	Action   string
	Method   string
	Subject  common.Address
	Role     string
	Handle   TxHandle
	RecordID string
	Err      error // set on rollback
}

// LedgerChange is a snapshot of a ledger after a mutation.
type LedgerChange struct {
	Ledger  string
	Version uint64
	Records []Record
}

// Handler receives an event. It runs on the emitter's goroutine.
type Handler func(name string, payload any)

type subscription struct {
	id   uint64
	name string
	fn   Handler
}

// Bus is an in-memory publish/subscribe channel. Dispatch is synchronous:
// Emit returns after every subscriber present at emit time has run.
// Nothing is queued or retained.
type Bus struct {
	log Logger

	mu     sync.Mutex
	subs   map[string][]*subscription
	nextID uint64
	closed bool
}

func NewBus(log Logger) *Bus {
	return &Bus{
		log:  coalesce[Logger](log, NopLogger{}),
		subs: make(map[string][]*subscription),
	}
}

// On subscribes fn to name (or EventAll). The returned func unsubscribes
// and is safe to call more than once.
func (b *Bus) On(name string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || fn == nil {
		return func() {}
	}
	b.nextID++
	s := &subscription{id: b.nextID, name: name, fn: fn}
	b.subs[name] = append(b.subs[name], s)

	var once sync.Once
	return func() { once.Do(func() { b.remove(s) }) }
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.name]
	for i, cur := range list {
		if cur.id == s.id {
			// copy so snapshots taken by running emits stay intact
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, s.name)
			} else {
				b.subs[s.name] = next
			}
			return
		}
	}
}

// Emit delivers payload to the current subscribers of name and of EventAll,
// returning how many handlers ran. A panicking handler is logged and skipped.
func (b *Bus) Emit(name string, payload any) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	targets := make([]*subscription, 0, len(b.subs[name])+len(b.subs[EventAll]))
	targets = append(targets, b.subs[name]...)
	if name != EventAll {
		targets = append(targets, b.subs[EventAll]...)
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.dispatch(s, name, payload)
	}
	return len(targets)
}

func (b *Bus) dispatch(s *subscription, name string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", Fields{"event": name, "panic": fmt.Sprint(r)})
		}
	}()
	s.fn(name, payload)
}

// Subscribers returns the number of handlers registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name])
}

// Close drops every subscription. Later On and Emit calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
}
