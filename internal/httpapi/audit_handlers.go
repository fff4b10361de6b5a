package httpapi

import (
	"net/http"
	"time"

	"aegis.dev/internal/auth"
)

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := auth.AuditFilter{
		UserID:   q.Get("user_id"),
		Action:   auth.AuditAction(q.Get("action")),
		Resource: auth.AuditResource(q.Get("resource")),
		Outcome:  auth.AuditOutcome(q.Get("outcome")),
		Severity: auth.AuditSeverity(q.Get("severity")),
	}
	if filter.Action != "" && !filter.Action.Valid() {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "unknown action")
		return
	}
	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "since must be RFC3339")
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "until must be RFC3339")
		return
	}
	if filter.Limit, err = parsePositiveInt(q.Get("limit"), 100, 1, 1000); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "limit: "+err.Error())
		return
	}
	if filter.Offset, err = parsePositiveInt(q.Get("offset"), 0, 0, 1<<30); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "offset: "+err.Error())
		return
	}
	records, err := a.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[auth.AuditRecord]{Items: records, Limit: filter.Limit, Offset: filter.Offset})
}

// handleRetention runs one retention sweep on demand.
func (a *API) handleRetention(w http.ResponseWriter, r *http.Request) {
	if a.deps.Janitor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "retention janitor not configured")
		return
	}
	res, err := a.deps.Janitor.RunOnce(r.Context())
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
