// Package rolesync implements the transaction lifecycle and optimistic-state
// reconciliation engine of a role-based asset-tracking ledger client.
// The authority (an AccessControl contract) is the source of truth; this
// package keeps a stale-while-revalidate view of it and provisional local
// records that are discarded as soon as authoritative reads catch up.
//
// Components:
//   - Resolver: role name -> RoleToken, resolved once per process.
//   - Gateway: Query/Submit/WaitForFinality against the authority (e.g. gateway/eth).
//   - Store[V]: TTL cache with a per-key revalidating flag and single-flight refresh.
//     Optional byte persistence through a provider.Provider.
//   - Tracker: submitted -> awaiting confirmation -> confirmed|failed with
//     bounded, backed-off confirmation retries.
//   - Ledger: optimistic records, deduplicated per (address, role).
//   - Bus: synchronous in-process publish/subscribe.
//
// Engine wires them together:
//
//	eng, _ := rolesync.New(ctx, rolesync.Options{
//	    Gateway:        gw,
//	    LedgerProvider: boltProvider, // survives restarts
//	})
//	defer eng.Close(ctx)
//
//	off := eng.Subscribe(rolesync.EventRoleChanged, func(name string, p any) { ... })
//	defer off()
//
//	out, err := eng.GrantRole(ctx, "FABRICANTE", addr)
//
//	// settle writes left processing by a restart or an abandoned wait
//	outs, err := eng.Resume(ctx)
//
// Cache keys:
//
//	role-members:<ROLE>  - members of a single role
//	role-summary:all     - every configured role with counts
package rolesync
