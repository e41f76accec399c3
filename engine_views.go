package rolesync

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// RoleMembership is one role's entry in a RoleSummary.
type RoleMembership struct {
	Token   RoleToken        `json:"token"`
	Count   uint64           `json:"count"`
	Members []common.Address `json:"members"`
}

// RoleSummary maps base role names to their membership. It is replaced
// wholesale on every refresh.
type RoleSummary map[string]RoleMembership

// HasRole asks the authority whether subject holds role. Errors are
// returned, never folded into false.
func (e *Engine) HasRole(ctx context.Context, role string, subject common.Address) (bool, error) {
	tok, err := e.resolver.Resolve(ctx, role)
	if err != nil {
		return false, err
	}
	out, err := e.gw.Query(ctx, MethodHasRole, tok, subject)
	if err != nil {
		return false, err
	}
	v, err := single(MethodHasRole, out)
	if err != nil {
		return false, err
	}
	return asBool(v)
}

// RoleMembers returns the holders of role through the cache. Every
// authoritative read reconciles both ledgers against the result.
func (e *Engine) RoleMembers(ctx context.Context, role string) ([]common.Address, error) {
	tok, err := e.resolver.Resolve(ctx, role)
	if err != nil {
		return nil, err
	}
	base := Normalize(role)
	return e.members.Fetch(ctx, MembersKey(base), e.membersTTL, func(ctx context.Context) ([]common.Address, error) {
		members, err := e.fetchMembers(ctx, tok)
		if err != nil {
			return nil, err
		}
		e.reconcile(base, members)
		return members, nil
	})
}

// RolesSummary returns every known role's membership through the cache.
// A refresh is one concurrent batch of reads.
func (e *Engine) RolesSummary(ctx context.Context) (RoleSummary, error) {
	return e.summary.Fetch(ctx, summaryKey, e.summaryTTL, func(ctx context.Context) (RoleSummary, error) {
		tokens, err := e.resolver.ResolveAll(ctx)
		if err != nil {
			return nil, err
		}
		type result struct {
			base string
			m    RoleMembership
		}
		results := make([]result, 0, len(tokens))
		for base := range tokens {
			results = append(results, result{base: base})
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := range results {
			r := &results[i]
			tok := tokens[r.base]
			g.Go(func() error {
				members, err := e.fetchMembers(gctx, tok)
				if err != nil {
					return fmt.Errorf("%s: %w", r.base, err)
				}
				r.m = RoleMembership{Token: tok, Count: uint64(len(members)), Members: members}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		out := make(RoleSummary, len(results))
		for _, r := range results {
			out[r.base] = r.m
			e.reconcile(r.base, r.m.Members)
		}
		e.log.Debug("role summary refreshed", Fields{"roles": len(out)})
		return out, nil
	})
}

// fetchMembers reads the member count, then every member concurrently.
func (e *Engine) fetchMembers(ctx context.Context, tok RoleToken) ([]common.Address, error) {
	out, err := e.gw.Query(ctx, MethodGetRoleMemberCount, tok)
	if err != nil {
		return nil, err
	}
	v, err := single(MethodGetRoleMemberCount, out)
	if err != nil {
		return nil, err
	}
	n, err := asUint(v)
	if err != nil {
		return nil, err
	}

	members := make([]common.Address, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range members {
		g.Go(func() error {
			out, err := e.gw.Query(gctx, MethodGetRoleMember, tok, big.NewInt(int64(i)))
			if err != nil {
				return err
			}
			v, err := single(MethodGetRoleMember, out)
			if err != nil {
				return err
			}
			members[i], err = asAddress(v)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return members, nil
}

// reconcile drops optimistic records superseded by an authoritative read of
// base's members: requests and grants whose pair is present, revokes whose
// pair is absent.
func (e *Engine) reconcile(base string, members []common.Address) {
	set := NewPairSet(base, members...)
	if gone := e.requests.Reconcile(set); len(gone) > 0 {
		e.log.Debug("requests reconciled", Fields{"role": base, "removed": len(gone)})
	}
	gone := e.approvals.ReconcileFunc(func(r Record) bool {
		if r.Role != base {
			return false
		}
		if r.Action == ActionRevoke {
			return !set.Has(r.Pair())
		}
		return set.Has(r.Pair())
	})
	if len(gone) > 0 {
		e.log.Debug("approvals reconciled", Fields{"role": base, "removed": len(gone)})
	}
}
