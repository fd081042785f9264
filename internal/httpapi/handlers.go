package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"carelock.org/internal/policy"
)

func (a *API) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		ActorID             string   `json:"actor_id"`
		ActorRole           string   `json:"actor_role"`
		ActorName           string   `json:"actor_name"`
		RequiredPermissions []string `json:"required_permissions"`
		Action              string   `json:"action"`
		ResourceType        string   `json:"resource_type"`
		ResourceID          string   `json:"resource_id"`
		ResourceOwnerID     string   `json:"resource_owner_id"`
		PatientID           string   `json:"patient_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ActorID == "" || req.ActorRole == "" {
		writeError(w, r, http.StatusBadRequest, "actor_id and actor_role are required")
		return
	}
	role := policy.ParseRole(req.ActorRole)
	if role == "" {
		writeError(w, r, http.StatusBadRequest, "unknown actor_role")
		return
	}

	d := a.engine.Decide(r.Context(), policy.Input{
		ActorID:             req.ActorID,
		ActorRole:           role,
		ActorName:           req.ActorName,
		RequiredPermissions: req.RequiredPermissions,
		Action:              req.Action,
		ResourceType:        req.ResourceType,
		ResourceID:          req.ResourceID,
		ResourceOwnerID:     req.ResourceOwnerID,
		PatientID:           req.PatientID,
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleEmergencyRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		ActorID       string `json:"actor_id"`
		ActorRole     string `json:"actor_role"`
		ResourceType  string `json:"resource_type"`
		ResourceID    string `json:"resource_id"`
		PatientID     string `json:"patient_id"`
		Justification string `json:"justification"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	d, ar, err := a.engine.RequestEmergencyAccess(r.Context(), policy.EmergencyInput{
		ActorID:       req.ActorID,
		ActorRole:     policy.ParseRole(req.ActorRole),
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		PatientID:     req.PatientID,
		Justification: req.Justification,
	})
	switch {
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "actor_id and justification are required")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "emergency access failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"decision": d,
		"request":  ar,
	})
}

func (a *API) handleEmergencyPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.requirePermission(r, policy.PermAuditRead); err != nil {
		writeError(w, r, http.StatusForbidden, "audit access required")
		return
	}
	pending, err := a.engine.PendingEmergencyReviews(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "listing pending reviews failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

func (a *API) handleEmergencyReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, err := a.requirePermission(r, policy.PermAuditRead)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "audit access required")
		return
	}
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		writeError(w, r, http.StatusBadRequest, "request_id is required")
		return
	}
	switch err := a.engine.ReviewEmergencyAccess(r.Context(), req.RequestID, p.UserID); {
	case errors.Is(err, policy.ErrAccessRequestNotFound):
		writeError(w, r, http.StatusNotFound, "access request not found")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "review failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"request_id":  req.RequestID,
			"reviewed_by": p.UserID,
		})
	}
}

func (a *API) handleConsents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		PatientID     string `json:"patient_id"`
		GranteeUserID string `json:"grantee_user_id"`
		TTLHours      int    `json:"ttl_hours"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	g, err := a.engine.GrantConsent(r.Context(), req.PatientID, req.GranteeUserID,
		time.Duration(req.TTLHours)*time.Hour)
	switch {
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "patient_id, grantee_user_id and a positive ttl_hours are required")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "storing consent failed")
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleConsentResource serves /v1/consents/{patientID} (GET list) and
// /v1/consents/{patientID}/{granteeID} (DELETE revoke).
func (a *API) handleConsentResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/consents/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] != "":
		grants, err := a.engine.ConsentsForPatient(r.Context(), parts[0])
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "listing consents failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"patient_id": parts[0],
			"consents":   grants,
			"count":      len(grants),
		})

	case r.Method == http.MethodDelete && len(parts) == 2 && parts[0] != "" && parts[1] != "":
		switch err := a.engine.RevokeConsent(r.Context(), parts[0], parts[1]); {
		case errors.Is(err, policy.ErrConsentNotFound):
			writeError(w, r, http.StatusNotFound, "consent grant not found")
		case err != nil:
			writeError(w, r, http.StatusInternalServerError, "revoking consent failed")
		default:
			w.WriteHeader(http.StatusNoContent)
		}

	case r.Method != http.MethodGet && r.Method != http.MethodDelete:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)

	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}
