package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/rolesync"
)

var contractAddr = common.HexToAddress("0xC0FFEE0000000000000000000000000000000001")

// fakeBackend answers eth_call from canned outputs and serves receipts
// after a number of polls. Unused ContractBackend methods panic.
type fakeBackend struct {
	bind.ContractBackend

	mu         sync.Mutex
	call       func(data []byte) ([]byte, error)
	receipt    *types.Receipt
	pendingFor int
	receiptErr error
	polls      int
	sent       []*types.Transaction
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.call(msg.Data)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.polls <= f.pendingFor {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func newTestGateway(t *testing.T, fb *fakeBackend, signer bind.SignerFn) *Gateway {
	t.Helper()
	g, err := New(Config{
		Backend:      fb,
		Address:      contractAddr,
		Signer:       signer,
		ExtraABI:     `[{"type":"function","name":"registerAsset","stateMutability":"nonpayable","inputs":[{"name":"serial","type":"string"}],"outputs":[]}]`,
		PollInterval: time.Millisecond,
		GasLimit:     100000,
		GasPrice:     big.NewInt(1),
	})
	require.NoError(t, err)
	return g
}

func TestABIHasRoleGettersAndExtras(t *testing.T) {
	parsed, err := buildABI([]string{"DEFAULT_ADMIN", "fabricante_role", "ESCUELA"}, "")
	require.NoError(t, err)
	for _, m := range []string{"FABRICANTE_ROLE", "ESCUELA_ROLE", "hasRole", "grantRole", "getRoleMember"} {
		require.Contains(t, parsed.Methods, m)
	}
	require.NotContains(t, parsed.Methods, "DEFAULT_ADMIN_ROLE_ROLE")

	_, err = buildABI(nil, "not json")
	require.Error(t, err)
}

func TestQueryRoleGetterAndHasRole(t *testing.T) {
	tok := common.HexToHash("0x1234")
	var g *Gateway
	fb := &fakeBackend{}
	fb.call = func(data []byte) ([]byte, error) {
		parsed := g.ABI()
		m, err := parsed.MethodById(data[:4])
		if err != nil {
			return nil, err
		}
		switch m.Name {
		case "FABRICANTE_ROLE":
			return m.Outputs.Pack([32]byte(tok))
		case "hasRole":
			return m.Outputs.Pack(true)
		}
		return nil, errors.New("unexpected " + m.Name)
	}
	g = newTestGateway(t, fb, nil)

	out, err := g.Query(context.Background(), "FABRICANTE_ROLE")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, [32]byte(tok), out[0])

	out, err = g.Query(context.Background(), rolesync.MethodHasRole, tok, contractAddr)
	require.NoError(t, err)
	require.Equal(t, []any{true}, out)
}

func TestQueryClassifiesErrors(t *testing.T) {
	fb := &fakeBackend{call: func([]byte) ([]byte, error) {
		return nil, errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	}}
	g := newTestGateway(t, fb, nil)
	_, err := g.Query(context.Background(), rolesync.MethodHasRole, common.Hash{}, contractAddr)
	c, ok := rolesync.CauseOf(err)
	require.True(t, ok)
	require.Equal(t, rolesync.CauseNetwork, c)
}

func TestSubmitSignsOnceAndReturnsHandle(t *testing.T) {
	fb := &fakeBackend{}
	signs := 0
	signer := func(_ common.Address, tx *types.Transaction) (*types.Transaction, error) {
		signs++
		return tx, nil
	}
	g := newTestGateway(t, fb, signer)

	h, err := g.Submit(context.Background(), "registerAsset", "SN-1")
	require.NoError(t, err)
	require.Equal(t, 1, signs)
	require.Len(t, fb.sent, 1)
	require.Equal(t, fb.sent[0].Hash(), h.Hash)
	require.Equal(t, "registerAsset", h.Method)
	require.Equal(t, uint64(7), fb.sent[0].Nonce())
}

func TestSubmitSignerRejection(t *testing.T) {
	fb := &fakeBackend{}
	g := newTestGateway(t, fb, func(common.Address, *types.Transaction) (*types.Transaction, error) {
		return nil, ErrSignerRejected
	})
	_, err := g.Submit(context.Background(), rolesync.MethodGrantRole, common.Hash{}, contractAddr)
	c, _ := rolesync.CauseOf(err)
	require.Equal(t, rolesync.CauseRejected, c)
	require.Empty(t, fb.sent)

	ro := newTestGateway(t, fb, nil)
	_, err = ro.Submit(context.Background(), rolesync.MethodGrantRole, common.Hash{}, contractAddr)
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestWaitForFinalityPollsUntilReceipt(t *testing.T) {
	fb := &fakeBackend{
		pendingFor: 3,
		receipt:    &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42), GasUsed: 50000},
	}
	g := newTestGateway(t, fb, nil)
	h := rolesync.TxHandle{Hash: common.HexToHash("0xabc"), Method: "grantRole"}

	rc, err := g.WaitForFinality(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, uint64(42), rc.BlockNumber)
	require.Equal(t, 4, fb.polls)
}

func TestWaitForFinalityRevertedAndTimeout(t *testing.T) {
	fb := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}}
	g := newTestGateway(t, fb, nil)
	h := rolesync.TxHandle{Hash: common.HexToHash("0xabc"), Method: "grantRole"}

	_, err := g.WaitForFinality(context.Background(), h)
	c, _ := rolesync.CauseOf(err)
	require.Equal(t, rolesync.CauseReverted, c)

	pending := &fakeBackend{pendingFor: 1 << 30}
	g = newTestGateway(t, pending, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.WaitForFinality(ctx, h)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, isGateway := rolesync.CauseOf(err)
	require.False(t, isGateway)
}

type dataErr struct{ data string }

func (e dataErr) Error() string          { return "execution reverted: AccessControl: missing role" }
func (e dataErr) ErrorData() interface{} { return e.data }

func TestClassifyRevertReason(t *testing.T) {
	// Error(string) selector + abi encoded "paused"
	str, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: str}}.Pack("paused")
	require.NoError(t, err)
	data := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)

	err = classify("grantRole", dataErr{data: hexutil.Encode(data)})
	var ge *rolesync.GatewayError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, rolesync.CauseReverted, ge.Cause)
	require.Equal(t, "paused", ge.Reason)

	cases := []struct {
		msg  string
		want rolesync.Cause
	}{
		{"MetaMask Tx Signature: User denied transaction signature.", rolesync.CauseRejected},
		{"AccessControl: account 0x1 is missing role 0x2", rolesync.CauseReverted},
		{"i/o timeout", rolesync.CauseNetwork},
	}
	for _, tc := range cases {
		c, _ := rolesync.CauseOf(classify("x", errors.New(tc.msg)))
		require.Equal(t, tc.want, c, tc.msg)
	}
}
