package httpapi

import (
	"net/http"
	"strings"

	"carelock.org/internal/audit"
	"carelock.org/internal/policy"
)

// handleAuditEvents serves GET (query) and POST (append) on the event trail.
func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.auditQuery(w, r)
	case http.MethodPost:
		a.auditAppend(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// auditAppend lets trusted callers log application events into the trail.
// Append never fails on storage trouble; the ledger diverts those itself.
func (a *API) auditAppend(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requirePermission(r, policy.PermAuditRead); err != nil {
		writeError(w, r, http.StatusForbidden, "audit access required")
		return
	}
	var e audit.Event
	if err := decodeJSON(w, r, &e); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if e.EventType == "" || e.Actor.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "event_type and actor.user_id are required")
		return
	}
	id, err := a.ledger.Append(r.Context(), e)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "appending event failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event_id": id})
}

func (a *API) auditQuery(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requirePermission(r, policy.PermAuditRead); err != nil {
		writeError(w, r, http.StatusForbidden, "audit access required")
		return
	}

	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
		return
	}
	offset, err := parseBoundedInt(q.Get("offset"), 0, 0, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset out of range")
		return
	}
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
		return
	}

	res, err := a.ledger.Query(r.Context(), audit.Filter{
		ActorUserID:   q.Get("actor"),
		PatientID:     q.Get("patient"),
		EventType:     q.Get("type"),
		EventCategory: audit.EventCategory(q.Get("category")),
		Outcome:       audit.Outcome(q.Get("outcome")),
		RiskLevel:     audit.RiskLevel(q.Get("risk")),
		PHIOnly:       q.Get("phi_only") == "true",
		From:          from,
		To:            to,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "querying audit trail failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleAuditStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.requirePermission(r, policy.PermAuditRead); err != nil {
		writeError(w, r, http.StatusForbidden, "audit access required")
		return
	}

	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
		return
	}
	topN, err := parseBoundedInt(q.Get("top"), 5, 1, 50)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "top must be an integer between 1 and 50")
		return
	}

	stats, err := a.ledger.Statistics(r.Context(), from, to, topN)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "computing statistics failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handlePatientHistory serves /v1/audit/patients/{patientID}.
func (a *API) handlePatientHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.requirePermission(r, policy.PermAuditRead); err != nil {
		writeError(w, r, http.StatusForbidden, "audit access required")
		return
	}
	patientID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/audit/patients/"), "/")
	if patientID == "" || strings.Contains(patientID, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
		return
	}
	offset, err := parseBoundedInt(q.Get("offset"), 0, 0, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset out of range")
		return
	}

	res, err := a.ledger.PatientAccessHistory(r.Context(), patientID, limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "querying patient history failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUserActivity serves /v1/audit/users/{userID}.
func (a *API) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.requirePermission(r, policy.PermAuditRead); err != nil {
		writeError(w, r, http.StatusForbidden, "audit access required")
		return
	}
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/audit/users/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
		return
	}

	activity, err := a.ledger.UserActivity(r.Context(), userID, from, to)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "querying user activity failed")
		return
	}
	writeJSON(w, http.StatusOK, activity)
}
