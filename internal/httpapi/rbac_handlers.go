package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"aegis.dev/internal/auth"
)

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	RoleID   string `json:"role_id"`
	Status   string `json:"status"`
}

type updateUserRequest struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

type roleRequest struct {
	RoleID string `json:"role_id"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Level       *int    `json:"level"`
	IsActive    *bool   `json:"is_active"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
}

type updatePermissionRequest struct {
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// --- users ---

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "limit: "+err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "offset: "+err.Error())
		return
	}
	users, err := a.deps.RBAC.ListUsers(r.Context(), auth.UserFilter{
		RoleID: q.Get("role_id"),
		Status: auth.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[auth.User]{Items: users, Limit: limit, Offset: offset})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	user, err := a.deps.RBAC.CreateUser(r.Context(), auth.NewUser{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		RoleID:   req.RoleID,
		Status:   auth.Status(req.Status),
	})
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.deps.RBAC.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	user, err := a.deps.RBAC.UpdateProfile(r.Context(), chi.URLParam(r, "id"), auth.UserUpdate{Name: req.Name, Email: req.Email})
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.RBAC.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetPrimaryRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	user, err := a.deps.RBAC.SetPrimaryRole(r.Context(), chi.URLParam(r, "id"), req.RoleID)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleAddRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	user, err := a.deps.RBAC.AddRole(r.Context(), chi.URLParam(r, "id"), req.RoleID)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	user, err := a.deps.RBAC.RemoveRole(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "roleID"))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	user, err := a.deps.RBAC.SetStatus(r.Context(), chi.URLParam(r, "id"), auth.Status(req.Status))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- roles ---

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.deps.RBAC.ListRoles(r.Context())
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[auth.Role]{Items: roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	role, err := a.deps.RBAC.CreateRole(r.Context(), auth.NewRole{
		Name:        req.Name,
		Description: req.Description,
		Level:       req.Level,
		Permissions: req.Permissions,
	})
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.deps.RBAC.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	role, err := a.deps.RBAC.UpdateRole(r.Context(), chi.URLParam(r, "id"), auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		Level:       req.Level,
		IsActive:    req.IsActive,
	})
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.RBAC.DeleteRole(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	role, err := a.deps.RBAC.SetRolePermissions(r.Context(), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// --- permissions ---

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.deps.RBAC.ListPermissions(r.Context())
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[auth.Permission]{Items: perms})
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	p, err := a.deps.RBAC.CreatePermission(r.Context(), auth.NewPermission{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Resource:    req.Resource,
		Action:      auth.Action(req.Action),
	})
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	p, err := a.deps.RBAC.UpdatePermission(r.Context(), chi.URLParam(r, "id"), auth.PermissionUpdate{
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, strconv.ErrRange
	}
	return v, nil
}
