// Package memory is a process-local implementation of every auth store,
// used when no database is configured and throughout the tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"aegis.dev/internal/auth"
	"aegis.dev/internal/ids"
)

var (
	_ auth.CredentialStore = (*Store)(nil)
	_ auth.RoleStore       = (*Store)(nil)
	_ auth.PermissionStore = (*Store)(nil)
	_ auth.RevocationStore = (*Store)(nil)
	_ auth.AuditStore      = (*Store)(nil)
)

type Store struct {
	mu          sync.RWMutex
	users       map[string]auth.User
	roles       map[string]auth.Role
	permissions map[string]auth.Permission
	revocations map[string]auth.Revocation
	audit       []auth.AuditRecord
	now         func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		users:       map[string]auth.User{},
		roles:       map[string]auth.Role{},
		permissions: map[string]auth.Permission{},
		revocations: map[string]auth.Revocation{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stamp() time.Time { return s.now().UTC() }

// --- users ---

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return auth.User{}, auth.ErrConflict
		}
	}
	if u.RoleID != "" {
		if _, ok := s.roles[u.RoleID]; !ok {
			return auth.User{}, auth.ErrNotFound
		}
	}
	if u.ID == "" {
		u.ID = ids.NewPrefixed(ids.User)
	}
	if _, ok := s.users[u.ID]; ok {
		return auth.User{}, auth.ErrConflict
	}
	if u.Status == "" {
		u.Status = auth.StatusActive
	}
	now := s.stamp()
	u.CreatedAt, u.UpdatedAt = now, now
	u.AdditionalRoleIDs = append([]string(nil), u.AdditionalRoleIDs...)
	s.users[u.ID] = u
	return cloneUser(u), nil
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context, filter auth.UserFilter) ([]auth.User, error) {
	s.mu.RLock()
	out := make([]auth.User, 0, len(s.users))
	for _, u := range s.users {
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		if filter.RoleID != "" && !u.HasRole(filter.RoleID) {
			continue
		}
		out = append(out, cloneUser(u))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) mutateUser(id string, fn func(u *auth.User) error) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	if err := fn(&u); err != nil {
		return auth.User{}, err
	}
	s.users[id] = u
	return cloneUser(u), nil
}

func (s *Store) UpdateProfile(_ context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	return s.mutateUser(id, func(u *auth.User) error {
		if upd.Email != nil {
			email := strings.ToLower(strings.TrimSpace(*upd.Email))
			for otherID, other := range s.users {
				if otherID != id && other.Email == email {
					return auth.ErrConflict
				}
			}
			u.Email = email
		}
		if upd.Name != nil {
			u.Name = *upd.Name
		}
		u.UpdatedAt = s.stamp()
		return nil
	})
}

func (s *Store) UpdatePassword(_ context.Context, id, passwordHash string) error {
	_, err := s.mutateUser(id, func(u *auth.User) error {
		u.PasswordHash = passwordHash
		u.UpdatedAt = s.stamp()
		return nil
	})
	return err
}

func (s *Store) SetStatus(_ context.Context, id string, status auth.Status) (auth.User, error) {
	return s.mutateUser(id, func(u *auth.User) error {
		u.Status = status
		u.UpdatedAt = s.stamp()
		return nil
	})
}

func (s *Store) SetPrimaryRole(_ context.Context, id, roleID string) (auth.User, error) {
	return s.mutateUser(id, func(u *auth.User) error {
		if _, ok := s.roles[roleID]; !ok {
			return auth.ErrNotFound
		}
		u.RoleID = roleID
		u.UpdatedAt = s.stamp()
		return nil
	})
}

func (s *Store) AddAdditionalRole(_ context.Context, id, roleID string) (auth.User, error) {
	return s.mutateUser(id, func(u *auth.User) error {
		if _, ok := s.roles[roleID]; !ok {
			return auth.ErrNotFound
		}
		for _, existing := range u.AdditionalRoleIDs {
			if existing == roleID {
				return auth.ErrConflict
			}
		}
		u.AdditionalRoleIDs = append(append([]string(nil), u.AdditionalRoleIDs...), roleID)
		u.UpdatedAt = s.stamp()
		return nil
	})
}

func (s *Store) RemoveAdditionalRole(_ context.Context, id, roleID string) (auth.User, error) {
	return s.mutateUser(id, func(u *auth.User) error {
		kept := make([]string, 0, len(u.AdditionalRoleIDs))
		for _, existing := range u.AdditionalRoleIDs {
			if existing != roleID {
				kept = append(kept, existing)
			}
		}
		if len(kept) == len(u.AdditionalRoleIDs) {
			return auth.ErrNotFound
		}
		u.AdditionalRoleIDs = kept
		u.UpdatedAt = s.stamp()
		return nil
	})
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *Store) CountUsersWithRole(_ context.Context, roleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.users {
		if u.HasRole(roleID) {
			n++
		}
	}
	return n, nil
}

func (s *Store) IncrementFailedAttempts(_ context.Context, id string) (int, error) {
	u, err := s.mutateUser(id, func(u *auth.User) error {
		u.FailedAttempts++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return u.FailedAttempts, nil
}

func (s *Store) SetLockUntil(_ context.Context, id string, until time.Time) error {
	_, err := s.mutateUser(id, func(u *auth.User) error {
		t := until.UTC()
		u.LockUntil = &t
		return nil
	})
	return err
}

func (s *Store) RestartFailureCycle(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	if u.LockUntil == nil || u.LockUntil.After(now) {
		return false, nil
	}
	u.FailedAttempts = 1
	u.LockUntil = nil
	s.users[id] = u
	return true, nil
}

func (s *Store) ClearFailures(_ context.Context, id string, now time.Time) error {
	_, err := s.mutateUser(id, func(u *auth.User) error {
		t := now.UTC()
		u.FailedAttempts = 0
		u.LockUntil = nil
		u.LastLoginAt = &t
		return nil
	})
	return err
}

// --- roles ---

func (s *Store) CreateRole(_ context.Context, r auth.Role) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if strings.EqualFold(existing.Name, r.Name) {
			return auth.Role{}, auth.ErrConflict
		}
	}
	if r.ID == "" {
		r.ID = ids.NewPrefixed(ids.Role)
	}
	now := s.stamp()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Permissions = sortedCopy(r.Permissions)
	s.roles[r.ID] = r
	return s.viewRole(r), nil
}

func (s *Store) GetRole(_ context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	return s.viewRole(r), nil
}

func (s *Store) GetRoleByName(_ context.Context, name string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if strings.EqualFold(r.Name, name) {
			return s.viewRole(r), nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, s.viewRole(r))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) UpdateRole(_ context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	if upd.Name != nil {
		for otherID, other := range s.roles {
			if otherID != id && strings.EqualFold(other.Name, *upd.Name) {
				return auth.Role{}, auth.ErrConflict
			}
		}
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.Level != nil {
		r.Level = *upd.Level
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	r.UpdatedAt = s.stamp()
	s.roles[id] = r
	return s.viewRole(r), nil
}

func (s *Store) SetRolePermissions(_ context.Context, id string, names []string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return auth.Role{}, auth.ErrNotFound
	}
	r.Permissions = sortedCopy(names)
	r.UpdatedAt = s.stamp()
	s.roles[id] = r
	return s.viewRole(r), nil
}

func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	for _, u := range s.users {
		if u.HasRole(id) {
			return auth.ErrConflict
		}
	}
	delete(s.roles, id)
	return nil
}

// --- permissions ---

func (s *Store) CreatePermission(_ context.Context, p auth.Permission) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Name == p.Name || (existing.Resource == p.Resource && existing.Action == p.Action) {
			return auth.Permission{}, auth.ErrConflict
		}
	}
	if p.ID == "" {
		p.ID = ids.NewPrefixed(ids.Permission)
	}
	p.CreatedAt = s.stamp()
	s.permissions[p.ID] = p
	return p, nil
}

func (s *Store) GetPermission(_ context.Context, id string) (auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPermissionByName(_ context.Context, name string) (auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return auth.Permission{}, auth.ErrNotFound
}

func (s *Store) ListPermissions(_ context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	out := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) UpdatePermission(_ context.Context, id string, upd auth.PermissionUpdate) (auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return auth.Permission{}, auth.ErrNotFound
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	s.permissions[id] = p
	return p, nil
}

// --- revocations ---

func (s *Store) InsertRevocation(_ context.Context, r auth.Revocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revocations[r.Token]; ok {
		return auth.ErrConflict
	}
	s.revocations[r.Token] = r
	return nil
}

func (s *Store) RevocationExists(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revocations[token]
	return ok, nil
}

func (s *Store) DeleteExpiredRevocations(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, r := range s.revocations {
		if !r.ExpiresAt.After(now) {
			delete(s.revocations, token)
			n++
		}
	}
	return n, nil
}

// --- audit ---

func (s *Store) AppendAudit(_ context.Context, rec auth.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = ids.NewPrefixed(ids.Audit)
	}
	s.audit = append(s.audit, rec)
	return nil
}

// ListAudit returns matching records newest first.
func (s *Store) ListAudit(_ context.Context, f auth.AuditFilter) ([]auth.AuditRecord, error) {
	s.mu.RLock()
	var out []auth.AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		rec := s.audit[i]
		if matchesAudit(rec, f) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *Store) DeleteAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var n int64
	for _, rec := range s.audit {
		if rec.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.audit = kept
	return n, nil
}

func matchesAudit(rec auth.AuditRecord, f auth.AuditFilter) bool {
	switch {
	case f.UserID != "" && rec.UserID != f.UserID:
		return false
	case f.Action != "" && rec.Action != f.Action:
		return false
	case f.Resource != "" && rec.Resource != f.Resource:
		return false
	case f.Outcome != "" && rec.Outcome != f.Outcome:
		return false
	case f.Severity != "" && rec.Severity != f.Severity:
		return false
	case !f.Since.IsZero() && rec.CreatedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && !rec.CreatedAt.Before(f.Until):
		return false
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneUser(u auth.User) auth.User {
	u.AdditionalRoleIDs = append([]string{}, u.AdditionalRoleIDs...)
	if u.LockUntil != nil {
		t := *u.LockUntil
		u.LockUntil = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	return u
}

// viewRole copies r and hides permissions the catalog marks inactive.
// Callers hold s.mu.
func (s *Store) viewRole(r auth.Role) auth.Role {
	inactive := map[string]bool{}
	for _, p := range s.permissions {
		if !p.IsActive {
			inactive[p.Name] = true
		}
	}
	out := make([]string, 0, len(r.Permissions))
	for _, name := range r.Permissions {
		if !inactive[name] {
			out = append(out, name)
		}
	}
	r.Permissions = out
	return r
}

func sortedCopy(values []string) []string {
	out := append([]string{}, values...)
	sort.Strings(out)
	return out
}
