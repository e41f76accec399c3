package eth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/unkn0wn-root/rolesync"
)

// accessControlABI is the AccessControlEnumerable surface the engine uses.
const accessControlABI = `[
 {"type":"function","name":"DEFAULT_ADMIN_ROLE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getRoleAdmin","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"}],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"getRoleMemberCount","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getRoleMember","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"grantRole","stateMutability":"nonpayable","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[]},
 {"type":"function","name":"revokeRole","stateMutability":"nonpayable","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[]},
 {"type":"function","name":"renounceRole","stateMutability":"nonpayable","inputs":[{"name":"role","type":"bytes32"},{"name":"callerConfirmation","type":"address"}],"outputs":[]}
]`

const roleGetter = `{"type":"function","name":"%s_ROLE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]}`

// buildABI returns the access control ABI, a bytes32 getter per role and
// the methods of extra (a JSON ABI) merged together.
func buildABI(roles []string, extra string) (abi.ABI, error) {
	base, err := abi.JSON(strings.NewReader(accessControlABI))
	if err != nil {
		return abi.ABI{}, err
	}

	getters := make([]string, 0, len(roles))
	for _, r := range roles {
		b := rolesync.Normalize(r)
		if b == "" || b == rolesync.AdminRole {
			continue
		}
		getters = append(getters, fmt.Sprintf(roleGetter, b))
	}
	parts := []string{"[" + strings.Join(getters, ",") + "]"}
	if strings.TrimSpace(extra) != "" {
		parts = append(parts, extra)
	}
	for _, p := range parts {
		more, err := abi.JSON(strings.NewReader(p))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
		}
		for name, m := range more.Methods {
			base.Methods[name] = m
		}
		for name, e := range more.Errors {
			base.Errors[name] = e
		}
		for name, e := range more.Events {
			base.Events[name] = e
		}
	}
	return base, nil
}
