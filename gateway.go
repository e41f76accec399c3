package rolesync

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoleToken is the authority's immutable identifier for a role
// (keccak256 of the role label for AccessControl contracts).
type RoleToken = common.Hash

// Contract methods used by the engine. Domain writes (asset registration,
// audits, validations) go through Engine.Execute with their own names.
const (
	MethodHasRole            = "hasRole"
	MethodGrantRole          = "grantRole"
	MethodRevokeRole         = "revokeRole"
	MethodGetRoleAdmin       = "getRoleAdmin"
	MethodGetRoleMemberCount = "getRoleMemberCount"
	MethodGetRoleMember      = "getRoleMember"
)

// TxHandle identifies a submitted write.
type TxHandle struct {
	Hash        common.Hash
	Method      string
	SubmittedAt time.Time
}

// Receipt is the finalized result of a successful write.
type Receipt struct {
	Hash        common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway is the thin boundary to the authority. It has no cache and never
// retries; Submit in particular must not be retried by implementations.
type Gateway interface {
	// Query performs a read-only call and returns the decoded outputs.
	Query(ctx context.Context, method string, args ...any) ([]any, error)

	// Submit sends a state-changing call and returns its handle once the
	// authority accepted it for processing.
	Submit(ctx context.Context, method string, args ...any) (TxHandle, error)

	// WaitForFinality blocks until h is final or ctx is done. A final but
	// failed write is a *GatewayError with CauseReverted; ctx expiry is
	// returned as ctx.Err().
	WaitForFinality(ctx context.Context, h TxHandle) (Receipt, error)
}

func asHash(v any) (common.Hash, error) {
	switch t := v.(type) {
	case common.Hash:
		return t, nil
	case [32]byte:
		return common.Hash(t), nil
	case []byte:
		if len(t) != common.HashLength {
			return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(t))
		}
		return common.BytesToHash(t), nil
	default:
		return common.Hash{}, fmt.Errorf("expected bytes32, got %T", v)
	}
}

func asAddress(v any) (common.Address, error) {
	switch t := v.(type) {
	case common.Address:
		return t, nil
	case [20]byte:
		return common.Address(t), nil
	default:
		return common.Address{}, fmt.Errorf("expected address, got %T", v)
	}
}

func asUint(v any) (uint64, error) {
	switch t := v.(type) {
	case *big.Int:
		if t == nil || !t.IsUint64() {
			return 0, fmt.Errorf("uint256 out of range: %v", t)
		}
		return t.Uint64(), nil
	case uint64:
		return t, nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("negative count %d", t)
		}
		return uint64(t), nil
	default:
		return 0, fmt.Errorf("expected uint256, got %T", v)
	}
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

// single returns the only output of a query.
func single(method string, out []any) (any, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected 1 output, got %d", method, len(out))
	}
	return out[0], nil
}
