package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"carelock.org/internal/policy"
	"carelock.org/internal/twofactor"
)

// ErrCrossUserDenied is returned when a caller targets another user's
// credentials without holding the user management permission.
var ErrCrossUserDenied = errors.New("httpapi: cross-user operation denied")

// targetUser resolves which user an operation acts on. Callers always act on
// themselves; acting on another user's credentials requires the user
// management permission, checked through the decision engine so the attempt
// is audited whichever way it goes.
func (a *API) targetUser(r *http.Request, bodyUserID string) (string, error) {
	p, ok := a.principal(r)
	if !ok {
		return "", ErrUnauthorized
	}
	if bodyUserID == "" || bodyUserID == p.UserID {
		return p.UserID, nil
	}
	d := a.engine.Decide(r.Context(), policy.Input{
		ActorID:             p.UserID,
		ActorRole:           p.Role,
		ActorName:           p.Name,
		RequiredPermissions: []string{policy.PermUserManage},
		Action:              r.Method + " " + r.URL.Path,
	})
	if !d.Allowed {
		return "", ErrCrossUserDenied
	}
	return bodyUserID, nil
}

func writeAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrCrossUserDenied) {
		writeError(w, r, http.StatusForbidden, "user management permission required")
		return
	}
	writeError(w, r, http.StatusUnauthorized, "unauthorized")
}

func writeTwoFactorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, twofactor.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid input")
	case errors.Is(err, twofactor.ErrNotEnrolled):
		writeError(w, r, http.StatusNotFound, "not enrolled")
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		writeError(w, r, http.StatusConflict, "already enabled")
	case errors.Is(err, twofactor.ErrNotEnabled):
		writeError(w, r, http.StatusConflict, "not enabled")
	case errors.Is(err, twofactor.ErrCodeExpired):
		writeError(w, r, http.StatusUnauthorized, "code expired")
	case errors.Is(err, twofactor.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, "invalid code")
	default:
		writeError(w, r, http.StatusInternalServerError, "two-factor operation failed")
	}
}

func (a *API) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.targetUser(r, req.UserID)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}

	result, err := a.twoFactor.Setup(r.Context(), userID)
	if err != nil {
		writeTwoFactorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.targetUser(r, req.UserID)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}

	if err := a.twoFactor.Enable(r.Context(), userID, req.Code); err != nil {
		writeTwoFactorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"enabled": true,
	})
}

func (a *API) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.targetUser(r, req.UserID)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}

	if err := a.twoFactor.Disable(r.Context(), userID); err != nil {
		writeTwoFactorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTwoFactorVerify checks a code against the requested method, one of
// MethodTOTP (the default), MethodBackup or MethodSMS, case-insensitively.
func (a *API) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
		Method string `json:"method"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.targetUser(r, req.UserID)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}

	method := twofactor.Method(strings.ToUpper(strings.TrimSpace(req.Method)))
	switch method {
	case "", twofactor.MethodTOTP:
		err = a.twoFactor.VerifyTOTP(r.Context(), userID, req.Code)
	case twofactor.MethodBackup:
		err = a.twoFactor.VerifyBackupCode(r.Context(), userID, req.Code)
	case twofactor.MethodSMS:
		err = a.twoFactor.VerifySMSCode(r.Context(), userID, req.Code)
	default:
		writeError(w, r, http.StatusBadRequest, "method must be totp, backup or sms")
		return
	}
	if err != nil {
		writeTwoFactorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"verified": true,
	})
}

func (a *API) handleBackupRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.targetUser(r, req.UserID)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}

	codes, err := a.twoFactor.RegenerateBackupCodes(r.Context(), userID)
	if err != nil {
		writeTwoFactorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"backup_codes": codes,
	})
}

func (a *API) handleSMSEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID      string `json:"user_id"`
		PhoneNumber string `json:"phone_number"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.targetUser(r, req.UserID)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}

	if err := a.twoFactor.EnrollSMS(r.Context(), userID, req.PhoneNumber); err != nil {
		writeTwoFactorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSMSSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := a.targetUser(r, req.UserID)
	if err != nil {
		writeAuthzError(w, r, err)
		return
	}

	if err := a.twoFactor.SendSMSCode(r.Context(), userID); err != nil {
		writeTwoFactorError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
