// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/rolesync"
//	"github.com/unkn0wn-root/rolesync/hooks/async"
//	"github.com/unkn0wn-root/rolesync/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    RetryEvery: 5, // sample logs: ~every 5th confirmation retry
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	eng, _ := rolesync.New(ctx, rolesync.Options{
//	    Gateway: gw,
//	    Roles:   []string{"FABRICANTE", "ESCUELA"},
//	    Hooks:   hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/rolesync"
)

type Hooks struct {
	inner   rolesync.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ rolesync.Hooks = (*Hooks)(nil)

func New(inner rolesync.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events fired after
// Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue or after Close.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// send on closed channel when Close races with a hook
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) RevalidateStarted(k string) { h.try(func() { h.inner.RevalidateStarted(k) }) }
func (h *Hooks) StaleWriteDropped(k string) { h.try(func() { h.inner.StaleWriteDropped(k) }) }
func (h *Hooks) RevalidateFailed(k string, err error) {
	h.try(func() { h.inner.RevalidateFailed(k, err) })
}
func (h *Hooks) ProviderError(op, k string, err error) {
	h.try(func() { h.inner.ProviderError(op, k, err) })
}
func (h *Hooks) TxTransition(hash string, from, to rolesync.TxStatus) {
	h.try(func() { h.inner.TxTransition(hash, from, to) })
}
func (h *Hooks) ConfirmationRetry(hash string, attempt int, d time.Duration) {
	h.try(func() { h.inner.ConfirmationRetry(hash, attempt, d) })
}
func (h *Hooks) LedgerPersistError(k string, err error) {
	h.try(func() { h.inner.LedgerPersistError(k, err) })
}
