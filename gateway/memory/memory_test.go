package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/rolesync"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000AD")
	alice = common.HexToAddress("0xAAA0000000000000000000000000000000000001")
)

func TestRoleGetters(t *testing.T) {
	a := New(admin)
	out, err := a.Query(context.Background(), "FABRICANTE_ROLE")
	require.NoError(t, err)
	require.Equal(t, []any{RoleHash("FABRICANTE")}, out)
	require.Equal(t, common.Hash{}, RoleHash("default_admin_role"))
	require.Equal(t, 1, a.Calls("FABRICANTE_ROLE"))
}

func TestGrantTakesEffectAtFinality(t *testing.T) {
	ctx := context.Background()
	a := New(admin)
	fab := RoleHash("FABRICANTE")

	h, err := a.Submit(ctx, rolesync.MethodGrantRole, fab, alice)
	require.NoError(t, err)

	out, err := a.Query(ctx, rolesync.MethodHasRole, fab, alice)
	require.NoError(t, err)
	require.Equal(t, []any{false}, out)

	rc, err := a.WaitForFinality(ctx, h)
	require.NoError(t, err)
	require.Equal(t, h.Hash, rc.Hash)

	out, err = a.Query(ctx, rolesync.MethodGetRoleMemberCount, fab)
	require.NoError(t, err)
	require.Equal(t, 0, out[0].(*big.Int).Cmp(big.NewInt(1)))
	out, err = a.Query(ctx, rolesync.MethodGetRoleMember, fab, big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, []any{alice}, out)

	// finality is idempotent
	rc2, err := a.WaitForFinality(ctx, h)
	require.NoError(t, err)
	require.Equal(t, rc, rc2)
}

func TestMissingAdminRoleReverts(t *testing.T) {
	ctx := context.Background()
	a := New(admin)
	a.SetSender(alice)
	h, err := a.Submit(ctx, rolesync.MethodGrantRole, RoleHash("ESCUELA"), alice)
	require.NoError(t, err)
	_, err = a.WaitForFinality(ctx, h)
	c, ok := rolesync.CauseOf(err)
	require.True(t, ok)
	require.Equal(t, rolesync.CauseReverted, c)
	require.Empty(t, a.Members(RoleHash("ESCUELA")))
}

func TestInjectedFaults(t *testing.T) {
	ctx := context.Background()
	a := New(admin)

	rej := rolesync.NewGatewayError(rolesync.CauseRejected, rolesync.MethodGrantRole, errors.New("user rejected"))
	a.FailNext(rolesync.MethodGrantRole, rej)
	_, err := a.Submit(ctx, rolesync.MethodGrantRole, RoleHash("AUDITOR_HW"), alice)
	require.ErrorIs(t, err, rej)

	a.TimeoutNext(1)
	h, err := a.Submit(ctx, rolesync.MethodGrantRole, RoleHash("AUDITOR_HW"), alice)
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	_, err = a.WaitForFinality(wctx, h)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = a.WaitForFinality(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 2, a.Counts().Finality)

	a.RevertNext("paused")
	h, err = a.Submit(ctx, rolesync.MethodRevokeRole, RoleHash("AUDITOR_HW"), alice)
	require.NoError(t, err)
	_, err = a.WaitForFinality(ctx, h)
	var ge *rolesync.GatewayError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, "paused", ge.Reason)
	require.Equal(t, []common.Address{alice}, a.Members(RoleHash("AUDITOR_HW")))
}

func TestCustomWrite(t *testing.T) {
	ctx := context.Background()
	a := New(admin)
	var registered []string
	a.RegisterWrite("registerAsset", func(from common.Address, args []any) error {
		if from != admin {
			return errors.New("not a manufacturer")
		}
		registered = append(registered, args[0].(string))
		return nil
	})
	a.RegisterQuery("assetCount", func([]any) ([]any, error) {
		return []any{big.NewInt(int64(len(registered)))}, nil
	})

	h, err := a.Submit(ctx, "registerAsset", "SN-1")
	require.NoError(t, err)
	_, err = a.WaitForFinality(ctx, h)
	require.NoError(t, err)
	out, err := a.Query(ctx, "assetCount")
	require.NoError(t, err)
	require.Equal(t, int64(1), out[0].(*big.Int).Int64())

	_, err = a.Submit(ctx, "burnEverything")
	require.Error(t, err)
}
