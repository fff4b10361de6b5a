package auth

const (
	PermUserCreate = "user:create"
	PermUserRead   = "user:read"
	PermUserUpdate = "user:update"
	PermUserDelete = "user:delete"
	PermUserManage = "user:manage"

	PermRoleCreate = "role:create"
	PermRoleRead   = "role:read"
	PermRoleUpdate = "role:update"
	PermRoleDelete = "role:delete"

	PermPermissionCreate = "permission:create"
	PermPermissionRead   = "permission:read"
	PermPermissionUpdate = "permission:update"

	PermAuditRead = "audit:read"

	PermProfileView   = "profile:view"
	PermProfileUpdate = "profile:update"
)

// System role names seeded by Bootstrap.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleEditor     = "editor"
	RoleUser       = "user"
)

var BuiltinPermissions = []Permission{
	{Name: PermUserCreate, Category: "users", Resource: "user", Action: ActionCreate, Description: "Create user accounts"},
	{Name: PermUserRead, Category: "users", Resource: "user", Action: ActionRead, Description: "List and read user accounts"},
	{Name: PermUserUpdate, Category: "users", Resource: "user", Action: ActionUpdate, Description: "Edit user profiles and roles"},
	{Name: PermUserDelete, Category: "users", Resource: "user", Action: ActionDelete, Description: "Delete user accounts"},
	{Name: PermUserManage, Category: "users", Resource: "user", Action: ActionManage, Description: "Change account status and revoke sessions"},
	{Name: PermRoleCreate, Category: "roles", Resource: "role", Action: ActionCreate, Description: "Create roles"},
	{Name: PermRoleRead, Category: "roles", Resource: "role", Action: ActionRead, Description: "List and read roles"},
	{Name: PermRoleUpdate, Category: "roles", Resource: "role", Action: ActionUpdate, Description: "Edit roles and their permissions"},
	{Name: PermRoleDelete, Category: "roles", Resource: "role", Action: ActionDelete, Description: "Delete unused roles"},
	{Name: PermPermissionCreate, Category: "permissions", Resource: "permission", Action: ActionCreate, Description: "Extend the permission catalog"},
	{Name: PermPermissionRead, Category: "permissions", Resource: "permission", Action: ActionRead, Description: "Read the permission catalog"},
	{Name: PermPermissionUpdate, Category: "permissions", Resource: "permission", Action: ActionUpdate, Description: "Edit or deactivate permissions"},
	{Name: PermAuditRead, Category: "audit", Resource: "audit", Action: ActionRead, Description: "Query the audit trail"},
	{Name: PermProfileView, Category: "profile", Resource: "profile", Action: ActionView, Description: "View own profile"},
	{Name: PermProfileUpdate, Category: "profile", Resource: "profile", Action: ActionUpdate, Description: "Edit own profile"},
}

// BuiltinRoles are the immutable system roles.
var BuiltinRoles = []Role{
	{
		Name:        RoleSuperAdmin,
		Description: "Unrestricted administrator",
		Level:       100,
		Permissions: builtinNames(),
	},
	{
		Name:        RoleAdmin,
		Description: "Administers users and reads the audit trail",
		Level:       90,
		Permissions: []string{
			PermUserCreate, PermUserRead, PermUserUpdate, PermUserDelete, PermUserManage,
			PermRoleCreate, PermRoleRead, PermRoleUpdate,
			PermPermissionRead, PermAuditRead,
			PermProfileView, PermProfileUpdate,
		},
	},
	{
		Name:        RoleEditor,
		Description: "Reads the directory",
		Level:       50,
		Permissions: []string{PermUserRead, PermRoleRead, PermProfileView, PermProfileUpdate},
	},
	{
		Name:        RoleUser,
		Description: "Default role for self-registered accounts",
		Level:       10,
		Permissions: []string{PermProfileView, PermProfileUpdate},
	},
}

func builtinNames() []string {
	out := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		out = append(out, p.Name)
	}
	return out
}
