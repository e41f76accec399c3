package promhooks

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/rolesync"
)

func TestHooksCountByPrefix(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := New("", reg)
	require.NoError(t, err)

	h.RevalidateStarted("role-members:FABRICANTE")
	h.RevalidateStarted("role-members:ESCUELA")
	h.RevalidateStarted("role-summary:all")
	h.ProviderError("get", "role-summary:all", errors.New("down"))
	h.TxTransition("0x01", rolesync.TxPending, rolesync.TxConfirmed)
	h.ConfirmationRetry("0x01", 1, 2*time.Second)
	h.LedgerPersistError("optimistic_approvals", errors.New("disk"))

	require.Equal(t, 2.0, testutil.ToFloat64(h.revalidations.WithLabelValues("role-members")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.revalidations.WithLabelValues("role-summary")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.providerErrors.WithLabelValues("get", "role-summary")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.txTransitions.WithLabelValues("pending", "confirmed")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.retries))
	require.Equal(t, 1.0, testutil.ToFloat64(h.ledgerErrors.WithLabelValues("optimistic_approvals")))

	n, err := testutil.GatherAndCount(reg, "rolesync_cache_revalidations_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("app", reg)
	require.NoError(t, err)
	_, err = New("app", reg)
	require.Error(t, err)
}
