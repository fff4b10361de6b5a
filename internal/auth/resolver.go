package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// PermissionSet is a deduplicated set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names, ignoring blanks.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// EffectivePermissions is the union of the permissions of every active role.
// Role order and overlap never change the result.
func EffectivePermissions(roles ...Role) PermissionSet {
	set := make(PermissionSet)
	for _, r := range roles {
		if !r.IsActive {
			continue
		}
		for _, n := range r.Permissions {
			if n = strings.TrimSpace(n); n != "" {
				set[n] = struct{}{}
			}
		}
	}
	return set
}

func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s PermissionSet) HasAny(names ...string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

func (s PermissionSet) HasAll(names ...string) bool {
	return len(s.Missing(names...)) == 0
}

// Missing returns the names not in the set, in argument order.
func (s PermissionSet) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if !s.Has(n) {
			missing = append(missing, n)
		}
	}
	return missing
}

// Names returns the sorted contents.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolver composes a principal's roles from the live graph.
type Resolver struct {
	users CredentialStore
	roles RoleStore
}

func NewResolver(users CredentialStore, roles RoleStore) *Resolver {
	return &Resolver{users: users, roles: roles}
}

// Roles loads the primary role followed by the additional roles. Roles that
// disappeared from the graph are skipped.
func (r *Resolver) Roles(ctx context.Context, user User) ([]Role, error) {
	out := make([]Role, 0, 1+len(user.AdditionalRoleIDs))
	for _, id := range user.RoleIDs() {
		role, err := r.roles.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// Resolve returns the current effective permissions of user.
func (r *Resolver) Resolve(ctx context.Context, user User) (PermissionSet, error) {
	roles, err := r.Roles(ctx, user)
	if err != nil {
		return nil, err
	}
	return EffectivePermissions(roles...), nil
}

func (r *Resolver) resolveByID(ctx context.Context, userID string) (PermissionSet, error) {
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, user)
}

// HasPermission rechecks a single permission against the live graph.
func (r *Resolver) HasPermission(ctx context.Context, userID, name string) (bool, error) {
	set, err := r.resolveByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.Has(name), nil
}

func (r *Resolver) HasAnyPermission(ctx context.Context, userID string, names ...string) (bool, error) {
	set, err := r.resolveByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.HasAny(names...), nil
}

func (r *Resolver) HasAllPermissions(ctx context.Context, userID string, names ...string) (bool, error) {
	set, err := r.resolveByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return set.HasAll(names...), nil
}
