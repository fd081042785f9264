package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"carelock.org/internal/alert"
	"carelock.org/internal/anomaly"
	"carelock.org/internal/policy"
)

// handleAlerts serves GET (dashboard listing) and POST (manual raise).
func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.alertList(w, r)
	case http.MethodPost:
		a.alertRaise(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) alertRaise(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requirePermission(r, policy.PermAlertManage); err != nil {
		writeError(w, r, http.StatusForbidden, "alert access required")
		return
	}
	var req struct {
		Type          string            `json:"type"`
		Severity      string            `json:"severity"`
		Summary       string            `json:"summary"`
		Indicators    map[string]string `json:"indicators"`
		SubjectUserID string            `json:"subject_user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	raised, err := a.alerts.Raise(r.Context(), alert.Alert{
		Type:          req.Type,
		Severity:      alert.Severity(req.Severity),
		Summary:       req.Summary,
		Indicators:    req.Indicators,
		SubjectUserID: req.SubjectUserID,
	})
	if err != nil {
		writeAlertError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, raised)
}

func (a *API) alertList(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requirePermission(r, policy.PermAlertManage); err != nil {
		writeError(w, r, http.StatusForbidden, "alert access required")
		return
	}

	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
		return
	}

	alerts, err := a.alerts.List(r.Context(), alert.Filter{
		Status:   alert.Status(q.Get("status")),
		Severity: alert.Severity(q.Get("severity")),
		Type:     q.Get("type"),
		UserID:   q.Get("user_id"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "listing alerts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// handleAlertResource serves /v1/alerts/{id}/ack and /v1/alerts/{id}/resolve.
func (a *API) handleAlertResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/alerts/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, err := a.requirePermission(r, policy.PermAlertManage)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "alert access required")
		return
	}
	id := parts[0]

	switch parts[1] {
	case "ack":
		var req struct {
			AssignedTo string `json:"assigned_to"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.AssignedTo == "" {
			req.AssignedTo = p.UserID
		}
		updated, err := a.alerts.Acknowledge(r.Context(), id, req.AssignedTo)
		if err != nil {
			writeAlertError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	case "resolve":
		var req struct {
			Resolution string `json:"resolution"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.alerts.Resolve(r.Context(), id, req.Resolution)
		if err != nil {
			writeAlertError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)

	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func writeAlertError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "alert not found")
	case errors.Is(err, alert.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "invalid status transition")
	case errors.Is(err, alert.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid input")
	default:
		writeError(w, r, http.StatusInternalServerError, "alert operation failed")
	}
}

func (a *API) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.requirePermission(r, policy.PermComplianceRead); err != nil {
		writeError(w, r, http.StatusForbidden, "compliance access required")
		return
	}
	writeJSON(w, http.StatusOK, a.compliance.Run(r.Context()))
}

func (a *API) handleBreachEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, err := a.requirePermission(r, policy.PermAlertManage); err != nil {
		writeError(w, r, http.StatusForbidden, "alert access required")
		return
	}
	var req struct {
		UserID     string             `json:"user_id"`
		Indicators anomaly.Indicators `json:"indicators"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	assessment, err := a.detector.DetectBreach(r.Context(), req.UserID, req.Indicators)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "breach evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (a *API) handleAnomalyScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, err := a.requirePermission(r, policy.PermAlertManage); err != nil {
		writeError(w, r, http.StatusForbidden, "alert access required")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	alerts := a.detector.ScanUser(r.Context(), req.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"alerts":  alerts,
		"count":   len(alerts),
	})
}
