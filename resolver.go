package rolesync

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	roleSuffix = "_ROLE"
	// AdminRole is OpenZeppelin's DEFAULT_ADMIN_ROLE; its token is the zero hash.
	AdminRole = "DEFAULT_ADMIN"
)

// DefaultRoles are the roles of the asset-tracking contract.
var DefaultRoles = []string{AdminRole, "FABRICANTE", "AUDITOR_HW", "TECNICO_SW", "ESCUELA"}

// Normalize returns the base form of a role label: upper case, trimmed,
// without the "_ROLE" suffix. "fabricante_role" and "FABRICANTE" both
// normalize to "FABRICANTE".
func Normalize(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	return strings.TrimSuffix(n, roleSuffix)
}

// Resolver maps role names to RoleTokens. All known roles are resolved in
// one concurrent batch on the first call and memoized for the life of the
// process; tokens never change for a deployed authority.
type Resolver struct {
	gw    Gateway
	log   Logger
	roles []string
	known map[string]struct{}

	mu     sync.Mutex // serializes the cold batch
	tokens map[string]RoleToken
}

func NewResolver(gw Gateway, roles []string, log Logger) *Resolver {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	r := &Resolver{
		gw:    gw,
		log:   coalesce[Logger](log, NopLogger{}),
		known: make(map[string]struct{}, len(roles)),
	}
	for _, name := range roles {
		base := Normalize(name)
		if _, dup := r.known[base]; dup || base == "" {
			continue
		}
		r.known[base] = struct{}{}
		r.roles = append(r.roles, base)
	}
	return r
}

// Known returns the configured base role names in configuration order.
func (r *Resolver) Known() []string {
	out := make([]string, len(r.roles))
	copy(out, r.roles)
	return out
}

// Resolve returns the token for name, accepting the base or suffixed form
// in any case.
func (r *Resolver) Resolve(ctx context.Context, name string) (RoleToken, error) {
	base := Normalize(name)
	if _, ok := r.known[base]; !ok {
		return RoleToken{}, &ResolutionError{Role: name, Err: ErrUnknownRole}
	}
	tokens, err := r.load(ctx)
	if err != nil {
		return RoleToken{}, &ResolutionError{Role: name, Err: err}
	}
	return tokens[base], nil
}

// ResolveAll returns every known token keyed by base name.
func (r *Resolver) ResolveAll(ctx context.Context) (map[string]RoleToken, error) {
	tokens, err := r.load(ctx)
	if err != nil {
		return nil, &ResolutionError{Role: "*", Err: err}
	}
	out := make(map[string]RoleToken, len(tokens))
	for k, v := range tokens {
		out[k] = v
	}
	return out, nil
}

func (r *Resolver) load(ctx context.Context) (map[string]RoleToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens != nil {
		return r.tokens, nil
	}

	resolved := make([]RoleToken, len(r.roles))
	g, gctx := errgroup.WithContext(ctx)
	for i, base := range r.roles {
		if base == AdminRole {
			continue // zero hash
		}
		g.Go(func() error {
			method := base + roleSuffix
			out, err := r.gw.Query(gctx, method)
			if err != nil {
				return err
			}
			v, err := single(method, out)
			if err != nil {
				return err
			}
			tok, err := asHash(v)
			if err != nil {
				return err
			}
			resolved[i] = tok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("role token batch failed", Fields{"roles": len(r.roles), "err": err})
		return nil, err
	}

	tokens := make(map[string]RoleToken, len(r.roles))
	for i, base := range r.roles {
		tokens[base] = resolved[i]
	}
	r.tokens = tokens
	r.log.Debug("role tokens resolved", Fields{"roles": len(tokens)})
	return tokens, nil
}
