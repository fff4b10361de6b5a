package auth

import (
	"fmt"
	"strings"
)

type requirementKind int

const (
	kindAuthenticated requirementKind = iota
	kindPermission
	kindAnyPermission
	kindAllPermissions
	kindRoles
	kindSuperAdmin
)

// Requirement is the predicate the gate evaluates after authentication.
type Requirement struct {
	kind  requirementKind
	names []string
}

// Authenticated admits any principal that passes authentication.
func Authenticated() Requirement { return Requirement{kind: kindAuthenticated} }

func RequirePermission(name string) Requirement {
	return Requirement{kind: kindPermission, names: []string{name}}
}

func RequireAny(names ...string) Requirement {
	return Requirement{kind: kindAnyPermission, names: names}
}

func RequireAll(names ...string) Requirement {
	return Requirement{kind: kindAllPermissions, names: names}
}

// RequireRoles is the legacy allow-list on the primary role name.
func RequireRoles(names ...string) Requirement {
	return Requirement{kind: kindRoles, names: names}
}

// RequireSuperAdmin admits principals whose primary role level is at least SuperAdminLevel.
func RequireSuperAdmin() Requirement { return Requirement{kind: kindSuperAdmin} }

func (r Requirement) needsRoleLevel() bool { return r.kind == kindSuperAdmin }

func (r Requirement) String() string {
	switch r.kind {
	case kindPermission:
		return "permission:" + strings.Join(r.names, ",")
	case kindAnyPermission:
		return "any:" + strings.Join(r.names, ",")
	case kindAllPermissions:
		return "all:" + strings.Join(r.names, ",")
	case kindRoles:
		return "roles:" + strings.Join(r.names, ",")
	case kindSuperAdmin:
		return fmt.Sprintf("level>=%d", SuperAdminLevel)
	default:
		return "authenticated"
	}
}

// Evaluate checks p against the requirement using the permission snapshot it carries.
func (r Requirement) Evaluate(p Principal) error {
	switch r.kind {
	case kindPermission, kindAllPermissions:
		if missing := p.Permissions.Missing(r.names...); len(missing) > 0 {
			return deny(CodeInsufficientPermissions, "insufficient permissions", missing...)
		}
	case kindAnyPermission:
		if len(r.names) > 0 && !p.Permissions.HasAny(r.names...) {
			return deny(CodeInsufficientPermissions, "insufficient permissions", r.names...)
		}
	case kindRoles:
		for _, name := range r.names {
			if strings.EqualFold(name, p.Role) {
				return nil
			}
		}
		return deny(CodeInsufficientRole, "role is not allowed", r.names...)
	case kindSuperAdmin:
		if p.RoleLevel < SuperAdminLevel {
			return deny(CodeRequiresSuperAdmin, "super administrator privileges required")
		}
	}
	return nil
}
