// Package eth implements rolesync.Gateway over an Ethereum JSON-RPC
// endpoint with go-ethereum's bound contracts. Reads are eth_call; writes
// are signed by a caller supplied SignerFn and finalized by polling for
// the receipt.
package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/unkn0wn-root/rolesync"
)

// ErrSignerRejected is returned by a SignerFn when the user declines to sign.
var ErrSignerRejected = errors.New("eth: signature request rejected")

var ErrNoSigner = errors.New("eth: no signer configured")

// Backend is what the gateway needs from a node. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	Backend Backend
	Address common.Address // contract
	From    common.Address // signing account
	Signer  bind.SignerFn  // nil => read only

	Roles    []string // role constants exposed as <BASE>_ROLE(); nil => rolesync.DefaultRoles
	ExtraABI string   // JSON ABI of domain methods (registerAsset, audit...)

	PollInterval time.Duration // receipt polling; 0 => 2s
	GasLimit     uint64        // 0 => estimate
	GasPrice     *big.Int      // nil => node suggestion / EIP-1559
	Now          func() time.Time
}

type Gateway struct {
	backend  Backend
	contract *bind.BoundContract
	abi      abi.ABI
	from     common.Address
	signer   bind.SignerFn
	poll     time.Duration
	gasLimit uint64
	gasPrice *big.Int
	now      func() time.Time
	client   *ethclient.Client // set by Dial
}

var _ rolesync.Gateway = (*Gateway)(nil)

// Dial connects to url and returns a gateway that owns the client.
func Dial(ctx context.Context, url string, cfg Config) (*Gateway, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, rolesync.NewGatewayError(rolesync.CauseNetwork, "dial", err)
	}
	cfg.Backend = c
	g, err := New(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	g.client = c
	return g, nil
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Backend == nil {
		return nil, errors.New("eth: backend is required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, errors.New("eth: contract address is required")
	}
	roles := cfg.Roles
	if len(roles) == 0 {
		roles = rolesync.DefaultRoles
	}
	parsed, err := buildABI(roles, cfg.ExtraABI)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		backend:  cfg.Backend,
		contract: bind.NewBoundContract(cfg.Address, parsed, cfg.Backend, cfg.Backend, cfg.Backend),
		abi:      parsed,
		from:     cfg.From,
		signer:   cfg.Signer,
		poll:     cfg.PollInterval,
		gasLimit: cfg.GasLimit,
		gasPrice: cfg.GasPrice,
		now:      cfg.Now,
	}
	if g.poll <= 0 {
		g.poll = rolesync.DefaultPollInterval
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// ABI returns the merged contract ABI.
func (g *Gateway) ABI() abi.ABI { return g.abi }

func (g *Gateway) Query(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	err := g.contract.Call(&bind.CallOpts{Context: ctx, From: g.from}, &out, method, args...)
	if err != nil {
		return nil, classify(method, err)
	}
	return out, nil
}

// Submit signs and broadcasts the write once. It never retries.
func (g *Gateway) Submit(ctx context.Context, method string, args ...any) (rolesync.TxHandle, error) {
	if g.signer == nil {
		return rolesync.TxHandle{}, rolesync.NewGatewayError(rolesync.CauseRejected, method, ErrNoSigner)
	}
	opts := &bind.TransactOpts{
		From:     g.from,
		Signer:   g.signer,
		Context:  ctx,
		GasLimit: g.gasLimit,
		GasPrice: g.gasPrice,
	}
	tx, err := g.contract.Transact(opts, method, args...)
	if err != nil {
		return rolesync.TxHandle{}, classify(method, err)
	}
	return rolesync.TxHandle{Hash: tx.Hash(), Method: method, SubmittedAt: g.now()}, nil
}

// WaitForFinality polls for h's receipt every PollInterval.
func (g *Gateway) WaitForFinality(ctx context.Context, h rolesync.TxHandle) (rolesync.Receipt, error) {
	t := time.NewTicker(g.poll)
	defer t.Stop()
	for {
		rc, err := g.backend.TransactionReceipt(ctx, h.Hash)
		switch {
		case err == nil:
			if rc.Status == types.ReceiptStatusFailed {
				ge := rolesync.NewGatewayError(rolesync.CauseReverted, h.Method, errors.New("execution reverted"))
				return rolesync.Receipt{}, ge
			}
			out := rolesync.Receipt{Hash: h.Hash, GasUsed: rc.GasUsed}
			if rc.BlockNumber != nil {
				out.BlockNumber = rc.BlockNumber.Uint64()
			}
			return out, nil
		case errors.Is(err, ethereum.NotFound):
			// pending
		case ctx.Err() != nil:
			return rolesync.Receipt{}, ctx.Err()
		default:
			return rolesync.Receipt{}, classify(h.Method, err)
		}

		select {
		case <-ctx.Done():
			return rolesync.Receipt{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Close releases the client when the gateway dialed it.
func (g *Gateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

var (
	rejectMarkers = []string{"user rejected", "user denied", "denied transaction", "rejected by user"}
	revertMarkers = []string{"execution reverted", "missing role", "accesscontrol"}
)

// classify maps a go-ethereum error to a rolesync.GatewayError.
func classify(op string, err error) error {
	var ge *rolesync.GatewayError
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, ErrSignerRejected) {
		return rolesync.NewGatewayError(rolesync.CauseRejected, op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rejectMarkers {
		if strings.Contains(msg, m) {
			return rolesync.NewGatewayError(rolesync.CauseRejected, op, err)
		}
	}
	for _, m := range revertMarkers {
		if strings.Contains(msg, m) {
			ge := rolesync.NewGatewayError(rolesync.CauseReverted, op, err)
			ge.Reason = revertReason(err)
			return ge
		}
	}
	return rolesync.NewGatewayError(rolesync.CauseNetwork, op, err)
}

// revertReason decodes Error(string) revert data carried by an RPC error.
func revertReason(err error) string {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return ""
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return ""
	}
	data, derr := hexutil.Decode(s)
	if derr != nil {
		return ""
	}
	reason, uerr := abi.UnpackRevert(data)
	if uerr != nil {
		return fmt.Sprintf("custom error 0x%x", data[:min(4, len(data))])
	}
	return reason
}
