package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RBACService administers the directory: users, roles and the permission catalog.
// The acting principal is taken from the context for audit attribution.
type RBACService struct {
	users   CredentialStore
	roles   RoleStore
	perms   PermissionStore
	hasher  PasswordHasher
	auditor Auditor
}

type RBACOption func(*RBACService)

func WithRBACAuditor(a Auditor) RBACOption {
	return func(s *RBACService) {
		if a != nil {
			s.auditor = a
		}
	}
}

func WithRBACHasher(h PasswordHasher) RBACOption {
	return func(s *RBACService) {
		if h != nil {
			s.hasher = h
		}
	}
}

func NewRBACService(users CredentialStore, roles RoleStore, perms PermissionStore, opts ...RBACOption) (*RBACService, error) {
	if users == nil || roles == nil || perms == nil {
		return nil, errors.New("rbac stores are required")
	}
	s := &RBACService{users: users, roles: roles, perms: perms, hasher: BcryptHasher{}, auditor: nopAuditor{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RBACService) record(ctx context.Context, action AuditAction, resource AuditResource, details map[string]any) {
	ev := AuditEvent{Action: action, Resource: resource, Details: details}
	if actor, ok := PrincipalFromContext(ctx); ok {
		ev.UserID = actor.User.ID
	}
	switch action {
	case AuditUserDelete, AuditRoleDelete, AuditStatusChange, AuditRoleChange:
		ev.Severity = SeverityMedium
	}
	s.auditor.Record(ctx, ev)
}

// NewUser is an administrative account creation request.
type NewUser struct {
	Name     string
	Email    string
	Password string
	RoleID   string
	Status   Status
}

func (s *RBACService) CreateUser(ctx context.Context, in NewUser) (User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	email := normalizeEmail(in.Email)
	if !validEmail(email) {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if err := validatePassword(in.Password); err != nil {
		return User{}, err
	}
	status := in.Status
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		return User{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	role, err := s.assignableRole(ctx, in.RoleID)
	if err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return User{}, err
	}
	user, err := s.users.CreateUser(ctx, User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		RoleID:       role.ID,
		Status:       status,
	})
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditUserCreate, ResourceUser, map[string]any{"target_user_id": user.ID, "email": user.Email, "role": role.Name})
	return user, nil
}

func (s *RBACService) ListUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidInput)
	}
	return s.users.ListUsers(ctx, filter)
}

func (s *RBACService) GetUser(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.users.GetUser(ctx, userID)
}

func (s *RBACService) UpdateProfile(ctx context.Context, userID string, upd UserUpdate) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	changed := []string{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		upd.Name = &name
		changed = append(changed, "name")
	}
	if upd.Email != nil {
		email := normalizeEmail(*upd.Email)
		if !validEmail(email) {
			return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &email
		changed = append(changed, "email")
	}
	if len(changed) == 0 {
		return User{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	user, err := s.users.UpdateProfile(ctx, userID, upd)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditProfileUpdate, ResourceUser, map[string]any{"target_user_id": userID, "fields": changed})
	return user, nil
}

func (s *RBACService) SetStatus(ctx context.Context, userID string, status Status) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if !status.Valid() {
		return User{}, fmt.Errorf("%w: unsupported status %s", ErrInvalidInput, status)
	}
	if actor, ok := PrincipalFromContext(ctx); ok && actor.User.ID == userID && status != StatusActive {
		return User{}, fmt.Errorf("%w: cannot deactivate your own account", ErrForbidden)
	}
	before, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	user, err := s.users.SetStatus(ctx, userID, status)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditStatusChange, ResourceUser, map[string]any{"target_user_id": userID, "from": string(before.Status), "to": string(status)})
	return user, nil
}

func (s *RBACService) DeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if actor, ok := PrincipalFromContext(ctx); ok && actor.User.ID == userID {
		return fmt.Errorf("%w: cannot delete your own account", ErrForbidden)
	}
	if err := s.users.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, AuditUserDelete, ResourceUser, map[string]any{"target_user_id": userID})
	return nil
}

// SetPrimaryRole replaces the primary role. A role held as an additional role
// is dropped from that list, keeping the two disjoint.
func (s *RBACService) SetPrimaryRole(ctx context.Context, userID, roleID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	role, err := s.assignableRole(ctx, roleID)
	if err != nil {
		return User{}, err
	}
	before, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if before.RoleID == role.ID {
		return before, nil
	}
	if containsString(before.AdditionalRoleIDs, role.ID) {
		if _, err := s.users.RemoveAdditionalRole(ctx, userID, role.ID); err != nil {
			return User{}, err
		}
	}
	user, err := s.users.SetPrimaryRole(ctx, userID, role.ID)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditRoleChange, ResourceUser, map[string]any{"target_user_id": userID, "from": before.RoleID, "to": role.ID})
	return user, nil
}

// AddRole grants an additional role. Granting the primary role or a role
// already held is a conflict.
func (s *RBACService) AddRole(ctx context.Context, userID, roleID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	role, err := s.assignableRole(ctx, roleID)
	if err != nil {
		return User{}, err
	}
	before, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if before.HasRole(role.ID) {
		return User{}, fmt.Errorf("%w: user already holds role %s", ErrConflict, role.Name)
	}
	user, err := s.users.AddAdditionalRole(ctx, userID, role.ID)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditRoleAdded, ResourceUser, map[string]any{"target_user_id": userID, "role_id": role.ID, "role": role.Name})
	return user, nil
}

func (s *RBACService) RemoveRole(ctx context.Context, userID, roleID string) (User, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return User{}, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	before, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if before.RoleID == roleID {
		return User{}, fmt.Errorf("%w: the primary role cannot be removed, replace it instead", ErrInvalidInput)
	}
	if !containsString(before.AdditionalRoleIDs, roleID) {
		return User{}, fmt.Errorf("%w: user does not hold role %s", ErrNotFound, roleID)
	}
	user, err := s.users.RemoveAdditionalRole(ctx, userID, roleID)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditRoleRemoved, ResourceUser, map[string]any{"target_user_id": userID, "role_id": roleID})
	return user, nil
}

func (s *RBACService) assignableRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.roles.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Role{}, fmt.Errorf("%w: unknown role %s", ErrInvalidInput, roleID)
		}
		return Role{}, err
	}
	if !role.IsActive {
		return Role{}, fmt.Errorf("%w: role %s is inactive", ErrInvalidInput, role.Name)
	}
	return role, nil
}

// NewRole is a role creation request.
type NewRole struct {
	Name        string
	Description string
	Level       int
	Permissions []string
}

func (s *RBACService) CreateRole(ctx context.Context, in NewRole) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if err := validateLevel(in.Level); err != nil {
		return Role{}, err
	}
	names, err := s.knownPermissions(ctx, in.Permissions)
	if err != nil {
		return Role{}, err
	}
	role, err := s.roles.CreateRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Level:       in.Level,
		Permissions: names,
		IsActive:    true,
	})
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, AuditRoleCreate, ResourceRole, map[string]any{"role_id": role.ID, "name": role.Name, "level": role.Level, "permissions": names})
	return role, nil
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.roles.ListRoles(ctx)
}

func (s *RBACService) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.roles.GetRole(ctx, roleID)
}

func (s *RBACService) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	if upd.Level != nil {
		if err := validateLevel(*upd.Level); err != nil {
			return Role{}, err
		}
	}
	updated, err := s.roles.UpdateRole(ctx, role.ID, upd)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, AuditRoleUpdate, ResourceRole, map[string]any{"role_id": role.ID, "name": updated.Name})
	return updated, nil
}

func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissions []string) (Role, error) {
	role, err := s.mutableRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	names, err := s.knownPermissions(ctx, permissions)
	if err != nil {
		return Role{}, err
	}
	updated, err := s.roles.SetRolePermissions(ctx, role.ID, names)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, AuditRoleUpdate, ResourceRole, map[string]any{"role_id": role.ID, "from": role.Permissions, "to": names})
	return updated, nil
}

// DeleteRole removes a non-system role that no principal references.
func (s *RBACService) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.mutableRole(ctx, roleID)
	if errors.Is(err, ErrSystemRole) {
		return ErrSystemRoleDelete
	}
	if err != nil {
		return err
	}
	n, err := s.users.CountUsersWithRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: role %s is assigned to %d user(s)", ErrConflict, role.Name, n)
	}
	if err := s.roles.DeleteRole(ctx, role.ID); err != nil {
		return err
	}
	s.record(ctx, AuditRoleDelete, ResourceRole, map[string]any{"role_id": role.ID, "name": role.Name})
	return nil
}

func (s *RBACService) mutableRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.roles.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, ErrSystemRole
	}
	return role, nil
}

// knownPermissions dedupes names and rejects any not in the catalog or
// switched off there.
func (s *RBACService) knownPermissions(ctx context.Context, names []string) ([]string, error) {
	keys := dedupeStrings(names)
	var unknown, inactive []string
	for _, n := range keys {
		p, err := s.perms.GetPermissionByName(ctx, n)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				unknown = append(unknown, n)
				continue
			}
			return nil, err
		}
		if !p.IsActive {
			inactive = append(inactive, n)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown permissions %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	if len(inactive) > 0 {
		return nil, fmt.Errorf("%w: inactive permissions %s", ErrInvalidInput, strings.Join(inactive, ", "))
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// NewPermission is a catalog extension request. An empty Name is derived
// from resource and action.
type NewPermission struct {
	Name        string
	Description string
	Category    string
	Resource    string
	Action      Action
}

func (s *RBACService) CreatePermission(ctx context.Context, in NewPermission) (Permission, error) {
	resource := strings.ToLower(strings.TrimSpace(in.Resource))
	if resource == "" {
		return Permission{}, fmt.Errorf("%w: resource is required", ErrInvalidInput)
	}
	action := Action(strings.ToLower(strings.TrimSpace(string(in.Action))))
	if !action.Valid() {
		return Permission{}, fmt.Errorf("%w: unsupported action %s", ErrInvalidInput, in.Action)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = PermissionName(resource, action)
	}
	category := strings.TrimSpace(in.Category)
	if category == "" {
		category = resource
	}
	p, err := s.perms.CreatePermission(ctx, Permission{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Category:    category,
		Resource:    resource,
		Action:      action,
		IsActive:    true,
	})
	if err != nil {
		return Permission{}, err
	}
	s.record(ctx, AuditPermissionCreate, ResourcePermission, map[string]any{"permission_id": p.ID, "name": p.Name})
	return p, nil
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.perms.ListPermissions(ctx)
}

func (s *RBACService) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	if upd.Description == nil && upd.IsActive == nil {
		return Permission{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	p, err := s.perms.UpdatePermission(ctx, id, upd)
	if err != nil {
		return Permission{}, err
	}
	details := map[string]any{"permission_id": p.ID, "name": p.Name}
	if upd.IsActive != nil {
		details["is_active"] = *upd.IsActive
	}
	s.record(ctx, AuditPermissionChange, ResourcePermission, details)
	return p, nil
}

func validateLevel(level int) error {
	if level < MinRoleLevel || level > MaxRoleLevel {
		return fmt.Errorf("%w: level must be between %d and %d", ErrInvalidInput, MinRoleLevel, MaxRoleLevel)
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
