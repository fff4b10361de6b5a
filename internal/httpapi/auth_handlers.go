package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"aegis.dev/internal/audit"
	"aegis.dev/internal/auth"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type revokeRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type meResponse struct {
	User        auth.User `json:"user"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	TokenID     string    `json:"token_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	sess, err := a.deps.Service.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	}, audit.OriginFromContext(r.Context()))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+sess.User.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	sess, err := a.deps.Service.Login(r.Context(), req.Email, req.Password, audit.OriginFromContext(r.Context()))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, token, ok := a.caller(w, r)
	if !ok {
		return
	}
	if err := a.deps.Service.Logout(r.Context(), p, token, audit.OriginFromContext(r.Context())); err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _, ok := a.caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:        p.User,
		Role:        p.Role,
		Permissions: p.Permissions.Names(),
		TokenID:     p.TokenID,
		ExpiresAt:   p.ExpiresAt.UTC(),
	})
}

// handleMyPermissions answers from the token snapshot unless live=true asks
// for the current role graph.
func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	p, _, ok := a.caller(w, r)
	if !ok {
		return
	}
	live := false
	if raw := r.URL.Query().Get("live"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "live must be a boolean")
			return
		}
		live = v
	}
	perms, err := a.deps.Service.Permissions(r.Context(), p, live)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": perms,
		"live":        live,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, token, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	err := a.deps.Service.ChangePassword(r.Context(), p, token, req.CurrentPassword, req.NewPassword, audit.OriginFromContext(r.Context()))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	p, _, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	err := a.deps.Service.RevokeToken(r.Context(), p, req.Token, auth.RevocationReason(req.Reason), audit.OriginFromContext(r.Context()))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// caller returns what guard attached to the request.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (auth.Principal, string, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, string(auth.CodeTokenInvalid), "missing principal")
		return auth.Principal{}, "", false
	}
	token, _ := auth.TokenFromContext(r.Context())
	return p, token, true
}
