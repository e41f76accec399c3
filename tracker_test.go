package rolesync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/rolesync"
	"github.com/unkn0wn-root/rolesync/gateway/memory"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000AD")
	alice = common.HexToAddress("0xAAA0000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xBBB0000000000000000000000000000000000002")
)

type countingInvalidator struct {
	mu       sync.Mutex
	keys     map[string]int
	prefixes map[string]int
}

func newCountingInvalidator() *countingInvalidator {
	return &countingInvalidator{keys: map[string]int{}, prefixes: map[string]int{}}
}

func (c *countingInvalidator) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	c.keys[key]++
	c.mu.Unlock()
	return nil
}

func (c *countingInvalidator) InvalidatePrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	c.prefixes[prefix]++
	c.mu.Unlock()
	return 0, nil
}

type recorder struct {
	mu     sync.Mutex
	events []rolesync.Event
	notes  []rolesync.Notification
}

func (r *recorder) handler(_ string, p any) {
	if ev, ok := p.(rolesync.Event); ok {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *recorder) notify(n rolesync.Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

type trackerFixture struct {
	auth    *memory.Authority
	tracker *rolesync.Tracker
	inv     *countingInvalidator
	rec     *recorder
	ledger  *rolesync.Ledger
}

func newTrackerFixture(t *testing.T, mutate func(*rolesync.TrackerOptions)) *trackerFixture {
	t.Helper()
	f := &trackerFixture{
		auth:   memory.New(admin),
		inv:    newCountingInvalidator(),
		rec:    &recorder{},
		ledger: rolesync.NewLedger("test", rolesync.LedgerOptions{}),
	}
	bus := rolesync.NewBus(nil)
	bus.On(rolesync.EventRoleChanged, f.rec.handler)
	opts := rolesync.TrackerOptions{
		Gateway:        f.auth,
		Invalidators:   []rolesync.Invalidator{f.inv},
		Bus:            bus,
		ConfirmTimeout: 20 * time.Millisecond,
		Backoff:        rolesync.Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
		Notify:         f.rec.notify,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := rolesync.NewTracker(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	f.tracker = tr
	return f
}

// submitGrant records an optimistic grant and submits it.
func (f *trackerFixture) submitGrant(t *testing.T, who common.Address) (rolesync.TxHandle, rolesync.Related) {
	t.Helper()
	rec, _, err := f.ledger.Add(who, "FABRICANTE")
	require.NoError(t, err)
	h, err := f.auth.Submit(context.Background(), rolesync.MethodGrantRole, memory.RoleHash("FABRICANTE"), who)
	require.NoError(t, err)
	f.ledger.MarkProcessing(rec.ID, h.Hash.Hex())
	return h, rolesync.Related{
		Subject:          who,
		Role:             "FABRICANTE",
		Invalidate:       []string{rolesync.MembersKey("FABRICANTE")},
		InvalidatePrefix: []string{"role-summary"},
		Ledger:           f.ledger,
		RecordID:         rec.ID,
	}
}

func TestTrackConfirmsAfterTwoTimeouts(t *testing.T) {
	f := newTrackerFixture(t, nil)
	h, rel := f.submitGrant(t, alice)
	f.auth.TimeoutNext(2)

	out, err := f.tracker.Track(context.Background(), h, rel)
	require.NoError(t, err)
	require.Equal(t, rolesync.TxConfirmed, out.Status)
	require.Equal(t, 3, out.Attempts)
	require.Equal(t, 3, f.auth.Counts().Finality)
	require.Equal(t, 1, f.inv.keys["role-members:FABRICANTE"])
	require.Equal(t, 1, f.inv.prefixes["role-summary"])
	require.Zero(t, f.ledger.Len())
	require.Equal(t, []string{rolesync.ActionConfirmed}, f.rec.actions())
	require.Empty(t, f.rec.notes)
	require.Empty(t, f.tracker.Pending())
}

func TestTrackRevertFailsWithoutRetry(t *testing.T) {
	f := newTrackerFixture(t, nil)
	f.auth.RevertNext("AccessControl: missing role")
	h, rel := f.submitGrant(t, alice)

	out, err := f.tracker.Track(context.Background(), h, rel)
	require.Error(t, err)
	c, _ := rolesync.CauseOf(err)
	require.Equal(t, rolesync.CauseReverted, c)
	require.Equal(t, rolesync.TxFailed, out.Status)
	require.Equal(t, 1, out.Attempts)
	require.Equal(t, 1, f.auth.Counts().Finality)

	rec, ok := f.ledger.Get(rel.RecordID)
	require.True(t, ok)
	require.Equal(t, rolesync.StatusPending, rec.Status)
	require.Empty(t, rec.TransactionHash)

	require.Equal(t, []string{rolesync.ActionRollback}, f.rec.actions())
	require.Len(t, f.rec.notes, 1)
	require.Equal(t, rolesync.NotifyRejectedByAuthority, f.rec.notes[0].Kind)
	require.Contains(t, f.rec.notes[0].Message, "check permissions")
	require.Empty(t, f.inv.keys)
}

func TestTrackExhaustedRetriesIsConfirmationTimeout(t *testing.T) {
	f := newTrackerFixture(t, func(o *rolesync.TrackerOptions) { o.MaxRetries = 1 })
	h, rel := f.submitGrant(t, alice)
	rel.RemoveOnFailure = true
	f.auth.TimeoutNext(5)

	out, err := f.tracker.Track(context.Background(), h, rel)
	var cte *rolesync.ConfirmationTimeoutError
	require.ErrorAs(t, err, &cte)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, cte.Attempts)
	require.Equal(t, rolesync.TxFailed, out.Status)
	require.Equal(t, 2, f.auth.Counts().Finality)
	require.Zero(t, f.ledger.Len())
	require.Len(t, f.rec.notes, 1)
	require.Equal(t, rolesync.NotifyTimeout, f.rec.notes[0].Kind)
	require.Equal(t, h.Hash, f.rec.notes[0].Hash)
}

func TestTrackNoRetriesWhenNegative(t *testing.T) {
	f := newTrackerFixture(t, func(o *rolesync.TrackerOptions) { o.MaxRetries = -1 })
	h, rel := f.submitGrant(t, alice)
	f.auth.TimeoutNext(1)
	_, err := f.tracker.Track(context.Background(), h, rel)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.auth.Counts().Finality)
}

func TestTrackCancelHasNoSideEffects(t *testing.T) {
	f := newTrackerFixture(t, func(o *rolesync.TrackerOptions) { o.ConfirmTimeout = time.Minute })
	h, rel := f.submitGrant(t, alice)
	f.auth.TimeoutNext(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.tracker.Track(ctx, h, rel)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.tracker.Pending()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Track did not return after cancel")
	}
	rec, ok := f.ledger.Get(rel.RecordID)
	require.True(t, ok)
	require.Equal(t, rolesync.StatusProcessing, rec.Status)
	require.Empty(t, f.rec.events)
	require.Empty(t, f.rec.notes)
	require.Empty(t, f.tracker.Pending())
}

func TestTrackDeadlineIsReportedAsDeadline(t *testing.T) {
	f := newTrackerFixture(t, func(o *rolesync.TrackerOptions) { o.ConfirmTimeout = time.Minute })
	h, rel := f.submitGrant(t, alice)
	f.auth.TimeoutNext(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	out, err := f.tracker.Track(ctx, h, rel)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, context.Canceled)
	var cte *rolesync.ConfirmationTimeoutError
	require.False(t, errors.As(err, &cte), "caller deadline is not a confirmation timeout")
	require.Equal(t, rolesync.TxPending, out.Status)
	require.Empty(t, f.rec.events)
	require.Empty(t, f.rec.notes)
}

func TestTrackSameHashTwiceIsDuplicate(t *testing.T) {
	f := newTrackerFixture(t, func(o *rolesync.TrackerOptions) { o.ConfirmTimeout = time.Minute })
	h, rel := f.submitGrant(t, alice)
	f.auth.TimeoutNext(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.tracker.Track(ctx, h, rel)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.tracker.Tracking(h.Hash) }, time.Second, time.Millisecond)

	_, err := f.tracker.Track(context.Background(), h, rel)
	require.ErrorIs(t, err, rolesync.ErrDuplicate)
	require.True(t, f.tracker.Tracking(h.Hash), "second Track must not drop the first")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, f.tracker.Tracking(h.Hash))
}

func TestTrackApproveMarksRecordBeforeResolving(t *testing.T) {
	f := newTrackerFixture(t, nil)
	h, rel := f.submitGrant(t, bob)
	rel.Approve = true

	var seen []rolesync.RecordStatus
	off := f.ledger.OnChange(func(_ uint64, records []rolesync.Record) {
		for _, r := range records {
			seen = append(seen, r.Status)
		}
	})
	defer off()

	out, err := f.tracker.Track(context.Background(), h, rel)
	require.NoError(t, err)
	require.Equal(t, rolesync.TxConfirmed, out.Status)
	require.Equal(t, []rolesync.RecordStatus{rolesync.StatusApproved}, seen)
	require.Zero(t, f.ledger.Len())
}

func TestTrackerCloseAbandonsAsyncWaits(t *testing.T) {
	f := newTrackerFixture(t, func(o *rolesync.TrackerOptions) { o.ConfirmTimeout = time.Minute })
	h, rel := f.submitGrant(t, bob)
	f.auth.TimeoutNext(1)

	var got error
	f.tracker.TrackAsync(context.Background(), h, rel, func(_ rolesync.Outcome, err error) { got = err })
	require.Eventually(t, func() bool { return len(f.tracker.Pending()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.tracker.Close())
	require.ErrorIs(t, got, rolesync.ErrClosed)
	require.Empty(t, f.rec.events)

	_, err := f.tracker.Track(context.Background(), h, rel)
	require.ErrorIs(t, err, rolesync.ErrClosed)
}

func TestTrackUserRejection(t *testing.T) {
	f := newTrackerFixture(t, nil)
	gw := rejectingGateway{f.auth}
	tr, err := rolesync.NewTracker(rolesync.TrackerOptions{Gateway: gw, Notify: f.rec.notify})
	require.NoError(t, err)
	defer tr.Close()

	h, rel := f.submitGrant(t, alice)
	_, err = tr.Track(context.Background(), h, rel)
	require.Error(t, err)
	require.Len(t, f.rec.notes, 1)
	require.Equal(t, "Transaction rejected by you.", f.rec.notes[0].Message)
}

// rejectingGateway reports every finality wait as declined by the signer.
type rejectingGateway struct{ *memory.Authority }

func (rejectingGateway) WaitForFinality(context.Context, rolesync.TxHandle) (rolesync.Receipt, error) {
	return rolesync.Receipt{}, rolesync.NewGatewayError(rolesync.CauseRejected, "grantRole", errors.New("user denied"))
}
