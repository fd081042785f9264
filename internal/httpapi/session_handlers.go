package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"carelock.org/internal/session"
)

func (a *API) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID            string `json:"user_id"`
		IP                string `json:"ip"`
		UserAgent         string `json:"user_agent"`
		DeviceFingerprint string `json:"device_fingerprint"`
		MFAVerified       bool   `json:"mfa_verified"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	sess, err := a.sessions.Create(r.Context(), session.CreateInput{
		UserID:            req.UserID,
		IP:                req.IP,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		MFAVerified:       req.MFAVerified,
	})
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "creating session failed")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleSessionValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := a.sessions.Validate(r.Context(), req.Token)
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, r, http.StatusUnauthorized, "session expired")
		return
	case errors.Is(err, session.ErrSessionInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid session token")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "validating session failed")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleSessionTerminate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch err := a.sessions.Terminate(r.Context(), req.Token, session.ReasonLogout); {
	case errors.Is(err, session.ErrSessionInvalid):
		writeError(w, r, http.StatusNotFound, "session not found")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "terminating session failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleUserSessions serves /v1/sessions/user/{userID}: GET lists the user's
// active sessions, DELETE revokes all of them. Targeting another user goes
// through the same user management check as the two-factor handlers.
func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/user/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if _, err := a.targetUser(r, userID); err != nil {
		writeAuthzError(w, r, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sessions, err := a.sessions.ListForUser(r.Context(), userID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "listing sessions failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":  userID,
			"sessions": sessions,
			"count":    len(sessions),
		})

	case http.MethodDelete:
		n, err := a.sessions.TerminateAllForUser(r.Context(), userID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "terminating sessions failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":    userID,
			"terminated": n,
		})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		Identifier    string `json:"identifier"`
		Action        string `json:"action"`
		MaxAttempts   int    `json:"max_attempts"`
		WindowMinutes int    `json:"window_minutes"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Identifier == "" || req.Action == "" {
		writeError(w, r, http.StatusBadRequest, "identifier and action are required")
		return
	}
	if req.MaxAttempts <= 0 || req.WindowMinutes <= 0 {
		writeError(w, r, http.StatusBadRequest, "max_attempts and window_minutes must be positive")
		return
	}

	res := a.limiter.Check(r.Context(), req.Identifier, req.Action, req.MaxAttempts, req.WindowMinutes)
	code := http.StatusOK
	if !res.Allowed {
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, res)
}
