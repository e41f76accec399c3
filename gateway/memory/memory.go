// Package memory is an in-process AccessControlEnumerable authority for
// tests and local development. Writes take effect at finality, when role
// admin checks run; a failed check is reported as a reverted receipt.
// Faults can be injected per method (errors), per finality check
// (timeouts) and per write (reverts).
package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/unkn0wn-root/rolesync"
)

// AdminRole is DEFAULT_ADMIN_ROLE.
var AdminRole = common.Hash{}

// QueryFunc implements a custom read.
type QueryFunc func(args []any) ([]any, error)

// WriteFunc implements a custom write. It runs at finality; a non-nil
// error reverts the write with err's message as reason.
type WriteFunc func(from common.Address, args []any) error

type role struct {
	admin   common.Hash
	members []common.Address
	index   map[common.Address]int
}

type tx struct {
	handle  rolesync.TxHandle
	from    common.Address
	args    []any
	revert  string // injected revert reason
	done    bool
	receipt rolesync.Receipt
	err     error
}

// Authority is safe for concurrent use.
type Authority struct {
	mu       sync.Mutex
	sender   common.Address
	labels   map[string]common.Hash
	roles    map[common.Hash]*role
	txs      map[common.Hash]*tx
	nonce    uint64
	block    uint64
	faults   map[string][]error
	timeouts int
	reverts  []string
	queries  map[string]QueryFunc
	writes   map[string]WriteFunc
	delay    time.Duration
	now      func() time.Time

	nQuery    atomic.Int64
	nSubmit   atomic.Int64
	nFinality atomic.Int64
	perMethod sync.Map // method -> *atomic.Int64
}

var _ rolesync.Gateway = (*Authority)(nil)

// RoleHash returns keccak256("<BASE>_ROLE"), or the zero hash for the admin role.
func RoleHash(name string) common.Hash {
	base := rolesync.Normalize(name)
	if base == rolesync.AdminRole {
		return AdminRole
	}
	return crypto.Keccak256Hash([]byte(base + "_ROLE"))
}

// New returns an authority exposing a constant getter per role and holding
// admin as DEFAULT_ADMIN. admin is also the initial sender.
func New(admin common.Address, roles ...string) *Authority {
	if len(roles) == 0 {
		roles = rolesync.DefaultRoles
	}
	a := &Authority{
		sender:  admin,
		labels:  make(map[string]common.Hash),
		roles:   make(map[common.Hash]*role),
		txs:     make(map[common.Hash]*tx),
		faults:  make(map[string][]error),
		queries: make(map[string]QueryFunc),
		writes:  make(map[string]WriteFunc),
		now:     time.Now,
	}
	for _, r := range roles {
		base := rolesync.Normalize(r)
		a.labels[base+"_ROLE"] = RoleHash(base)
		a.roleLocked(RoleHash(base))
	}
	a.grantLocked(AdminRole, admin)
	return a
}

// SetSender changes the account that signs subsequent writes.
func (a *Authority) SetSender(addr common.Address) {
	a.mu.Lock()
	a.sender = addr
	a.mu.Unlock()
}

// SetQueryDelay makes every Query take d (or until ctx is done).
func (a *Authority) SetQueryDelay(d time.Duration) {
	a.mu.Lock()
	a.delay = d
	a.mu.Unlock()
}

// SetRoleAdmin makes admin the role required to grant and revoke r.
func (a *Authority) SetRoleAdmin(r, admin common.Hash) {
	a.mu.Lock()
	a.roleLocked(r).admin = admin
	a.mu.Unlock()
}

// Grant and Revoke change membership directly, bypassing admin checks.
func (a *Authority) Grant(r common.Hash, account common.Address) {
	a.mu.Lock()
	a.grantLocked(r, account)
	a.mu.Unlock()
}

func (a *Authority) Revoke(r common.Hash, account common.Address) {
	a.mu.Lock()
	a.revokeLocked(r, account)
	a.mu.Unlock()
}

// Members returns the holders of r in grant order.
func (a *Authority) Members(r common.Hash) []common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	rl, ok := a.roles[r]
	if !ok {
		return nil
	}
	return append([]common.Address(nil), rl.members...)
}

// FailNext makes the next call of method (query or submit) return err.
// Calls queue up.
func (a *Authority) FailNext(method string, err error) {
	a.mu.Lock()
	a.faults[method] = append(a.faults[method], err)
	a.mu.Unlock()
}

// TimeoutNext makes the next n finality checks block until their context
// is done.
func (a *Authority) TimeoutNext(n int) {
	a.mu.Lock()
	a.timeouts += n
	a.mu.Unlock()
}

// RevertNext makes the next submitted write revert at finality with reason.
func (a *Authority) RevertNext(reason string) {
	a.mu.Lock()
	a.reverts = append(a.reverts, reason)
	a.mu.Unlock()
}

// RegisterQuery and RegisterWrite add domain methods (asset registration,
// audits, validations).
func (a *Authority) RegisterQuery(method string, fn QueryFunc) {
	a.mu.Lock()
	a.queries[method] = fn
	a.mu.Unlock()
}

func (a *Authority) RegisterWrite(method string, fn WriteFunc) {
	a.mu.Lock()
	a.writes[method] = fn
	a.mu.Unlock()
}

// Counts reports how many gateway calls were made.
type Counts struct {
	Queries  int
	Submits  int
	Finality int
}

func (a *Authority) Counts() Counts {
	return Counts{
		Queries:  int(a.nQuery.Load()),
		Submits:  int(a.nSubmit.Load()),
		Finality: int(a.nFinality.Load()),
	}
}

// Calls reports how many times method was queried or submitted.
func (a *Authority) Calls(method string) int {
	if v, ok := a.perMethod.Load(method); ok {
		return int(v.(*atomic.Int64).Load())
	}
	return 0
}

func (a *Authority) count(method string) {
	v, _ := a.perMethod.LoadOrStore(method, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (a *Authority) Query(ctx context.Context, method string, args ...any) ([]any, error) {
	a.nQuery.Add(1)
	a.count(method)

	a.mu.Lock()
	delay := a.delay
	err := a.faultLocked(method)
	a.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, rolesync.NewGatewayError(rolesync.CauseNetwork, method, ctx.Err())
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	fn, custom := a.queries[method]
	a.mu.Unlock()
	if custom {
		return fn(args)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.labels[method]; ok {
		return []any{h}, nil
	}
	switch method {
	case "DEFAULT_ADMIN_ROLE":
		return []any{AdminRole}, nil
	case rolesync.MethodHasRole:
		r, acct, err := roleAccount(method, args)
		if err != nil {
			return nil, err
		}
		rl, ok := a.roles[r]
		if !ok {
			return []any{false}, nil
		}
		_, has := rl.index[acct]
		return []any{has}, nil
	case rolesync.MethodGetRoleAdmin:
		r, err := hashArg(method, args, 0)
		if err != nil {
			return nil, err
		}
		return []any{a.roleLocked(r).admin}, nil
	case rolesync.MethodGetRoleMemberCount:
		r, err := hashArg(method, args, 0)
		if err != nil {
			return nil, err
		}
		n := 0
		if rl, ok := a.roles[r]; ok {
			n = len(rl.members)
		}
		return []any{big.NewInt(int64(n))}, nil
	case rolesync.MethodGetRoleMember:
		r, err := hashArg(method, args, 0)
		if err != nil {
			return nil, err
		}
		i, err := indexArg(method, args, 1)
		if err != nil {
			return nil, err
		}
		rl, ok := a.roles[r]
		if !ok || i >= len(rl.members) {
			return nil, reverted(method, "EnumerableSet: index out of bounds")
		}
		return []any{rl.members[i]}, nil
	}
	return nil, reverted(method, "unknown method "+method)
}

// Submit accepts the write for processing. Nothing changes until finality.
func (a *Authority) Submit(ctx context.Context, method string, args ...any) (rolesync.TxHandle, error) {
	a.nSubmit.Add(1)
	a.count(method)
	if err := ctx.Err(); err != nil {
		return rolesync.TxHandle{}, rolesync.NewGatewayError(rolesync.CauseNetwork, method, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.faultLocked(method); err != nil {
		return rolesync.TxHandle{}, err
	}
	switch method {
	case rolesync.MethodGrantRole, rolesync.MethodRevokeRole:
		if _, _, err := roleAccount(method, args); err != nil {
			return rolesync.TxHandle{}, err
		}
	default:
		if _, ok := a.writes[method]; !ok {
			return rolesync.TxHandle{}, reverted(method, "unknown method "+method)
		}
	}

	a.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], a.nonce)
	h := rolesync.TxHandle{
		Hash:        crypto.Keccak256Hash(a.sender.Bytes(), buf[:], []byte(method)),
		Method:      method,
		SubmittedAt: a.now(),
	}
	t := &tx{handle: h, from: a.sender, args: append([]any(nil), args...)}
	if len(a.reverts) > 0 {
		t.revert = a.reverts[0]
		a.reverts = a.reverts[1:]
	}
	a.txs[h.Hash] = t
	return h, nil
}

// WaitForFinality executes the write on first call and returns the stored
// result afterwards.
func (a *Authority) WaitForFinality(ctx context.Context, h rolesync.TxHandle) (rolesync.Receipt, error) {
	a.nFinality.Add(1)

	a.mu.Lock()
	if a.timeouts > 0 {
		a.timeouts--
		a.mu.Unlock()
		<-ctx.Done()
		return rolesync.Receipt{}, ctx.Err()
	}
	t, ok := a.txs[h.Hash]
	if !ok {
		a.mu.Unlock()
		return rolesync.Receipt{}, rolesync.NewGatewayError(rolesync.CauseNetwork, h.Method,
			fmt.Errorf("unknown transaction %s", h.Hash.Hex()))
	}
	if t.done {
		defer a.mu.Unlock()
		return t.receipt, t.err
	}
	fn := a.writes[h.Method]
	a.mu.Unlock()

	var err error
	switch {
	case t.revert != "":
		err = reverted(h.Method, t.revert)
	case h.Method == rolesync.MethodGrantRole || h.Method == rolesync.MethodRevokeRole:
		err = a.applyRole(h.Method, t)
	case fn != nil:
		if ferr := fn(t.from, t.args); ferr != nil {
			err = reverted(h.Method, ferr.Error())
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !t.done {
		a.block++
		t.done = true
		t.err = err
		t.receipt = rolesync.Receipt{Hash: h.Hash, BlockNumber: a.block, GasUsed: 21000}
		if err != nil {
			t.receipt = rolesync.Receipt{}
		}
	}
	return t.receipt, t.err
}

func (a *Authority) applyRole(method string, t *tx) error {
	r, acct, err := roleAccount(method, t.args)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	admin := a.roleLocked(r).admin
	if _, ok := a.roleLocked(admin).index[t.from]; !ok {
		return reverted(method, fmt.Sprintf("AccessControl: account %s is missing role %s",
			t.from.Hex(), admin.Hex()))
	}
	if method == rolesync.MethodGrantRole {
		a.grantLocked(r, acct)
	} else {
		a.revokeLocked(r, acct)
	}
	return nil
}

func (a *Authority) faultLocked(method string) error {
	q := a.faults[method]
	if len(q) == 0 {
		return nil
	}
	a.faults[method] = q[1:]
	return q[0]
}

func (a *Authority) roleLocked(r common.Hash) *role {
	rl, ok := a.roles[r]
	if !ok {
		rl = &role{admin: AdminRole, index: make(map[common.Address]int)}
		a.roles[r] = rl
	}
	return rl
}

func (a *Authority) grantLocked(r common.Hash, acct common.Address) {
	rl := a.roleLocked(r)
	if _, ok := rl.index[acct]; ok {
		return
	}
	rl.index[acct] = len(rl.members)
	rl.members = append(rl.members, acct)
}

func (a *Authority) revokeLocked(r common.Hash, acct common.Address) {
	rl := a.roleLocked(r)
	i, ok := rl.index[acct]
	if !ok {
		return
	}
	// swap-and-pop, as EnumerableSet does
	last := len(rl.members) - 1
	rl.members[i] = rl.members[last]
	rl.index[rl.members[i]] = i
	rl.members = rl.members[:last]
	delete(rl.index, acct)
}

func reverted(method, reason string) error {
	ge := rolesync.NewGatewayError(rolesync.CauseReverted, method, errors.New("execution reverted"))
	ge.Reason = reason
	return ge
}

func badArgs(method string, format string, v ...any) error {
	return rolesync.NewGatewayError(rolesync.CauseReverted, method, fmt.Errorf(format, v...))
}

func hashArg(method string, args []any, i int) (common.Hash, error) {
	if len(args) <= i {
		return common.Hash{}, badArgs(method, "missing argument %d", i)
	}
	switch v := args[i].(type) {
	case common.Hash:
		return v, nil
	case [32]byte:
		return common.Hash(v), nil
	}
	return common.Hash{}, badArgs(method, "argument %d: expected bytes32, got %T", i, args[i])
}

func addrArg(method string, args []any, i int) (common.Address, error) {
	if len(args) <= i {
		return common.Address{}, badArgs(method, "missing argument %d", i)
	}
	if v, ok := args[i].(common.Address); ok {
		return v, nil
	}
	return common.Address{}, badArgs(method, "argument %d: expected address, got %T", i, args[i])
}

func indexArg(method string, args []any, i int) (int, error) {
	if len(args) <= i {
		return 0, badArgs(method, "missing argument %d", i)
	}
	switch v := args[i].(type) {
	case *big.Int:
		if v.IsInt64() && v.Sign() >= 0 {
			return int(v.Int64()), nil
		}
	case int:
		if v >= 0 {
			return v, nil
		}
	case uint64:
		return int(v), nil
	}
	return 0, badArgs(method, "argument %d: bad index %v", i, args[i])
}

func roleAccount(method string, args []any) (common.Hash, common.Address, error) {
	r, err := hashArg(method, args, 0)
	if err != nil {
		return common.Hash{}, common.Address{}, err
	}
	acct, err := addrArg(method, args, 1)
	return r, acct, err
}
