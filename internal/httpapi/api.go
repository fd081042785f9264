package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carelock.org/internal/alert"
	"carelock.org/internal/anomaly"
	"carelock.org/internal/audit"
	"carelock.org/internal/obs"
	"carelock.org/internal/policy"
	"carelock.org/internal/ratelimit"
	"carelock.org/internal/session"
	"carelock.org/internal/stream"
	"carelock.org/internal/twofactor"
)

// ReadyProbe checks backing-store readiness (DB ping when one is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries every service the HTTP layer exposes. All construction happens
// in main; the API holds references only.
type Deps struct {
	Engine     *policy.Engine
	Ledger     *audit.Ledger
	Sessions   *session.Manager
	Limiter    *ratelimit.Limiter
	TwoFactor  *twofactor.Service
	Alerts     *alert.Service
	Detector   *anomaly.Detector
	Compliance *anomaly.Compliance
	Stream     *stream.Stream
	Auth       *Authenticator
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	rateBurst  int
	ratePerSec int

	engine     *policy.Engine
	ledger     *audit.Ledger
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	twoFactor  *twofactor.Service
	alerts     *alert.Service
	detector   *anomaly.Detector
	compliance *anomaly.Compliance
	stream     *stream.Stream
	auth       *Authenticator
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		rateBurst:  100,
		ratePerSec: 50,
		engine:     deps.Engine,
		ledger:     deps.Ledger,
		sessions:   deps.Sessions,
		limiter:    deps.Limiter,
		twoFactor:  deps.TwoFactor,
		alerts:     deps.Alerts,
		detector:   deps.Detector,
		compliance: deps.Compliance,
		stream:     deps.Stream,
		auth:       deps.Auth,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// access decisions
	a.mux.HandleFunc("/v1/access/decide", a.handleDecide)
	a.mux.HandleFunc("/v1/access/emergency", a.handleEmergencyRequest)
	a.mux.HandleFunc("/v1/access/emergency/pending", a.handleEmergencyPending)
	a.mux.HandleFunc("/v1/access/emergency/review", a.handleEmergencyReview)
	a.mux.HandleFunc("/v1/consents", a.handleConsents)
	a.mux.HandleFunc("/v1/consents/", a.handleConsentResource)

	// audit trail
	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)
	a.mux.HandleFunc("/v1/audit/statistics", a.handleAuditStatistics)
	a.mux.HandleFunc("/v1/audit/patients/", a.handlePatientHistory)
	a.mux.HandleFunc("/v1/audit/users/", a.handleUserActivity)

	// sessions
	a.mux.HandleFunc("/v1/sessions", a.handleSessionCreate)
	a.mux.HandleFunc("/v1/sessions/validate", a.handleSessionValidate)
	a.mux.HandleFunc("/v1/sessions/terminate", a.handleSessionTerminate)
	a.mux.HandleFunc("/v1/sessions/user/", a.handleUserSessions)

	// rate limiting
	a.mux.HandleFunc("/v1/ratelimit/check", a.handleRateLimitCheck)

	// two-factor
	a.mux.HandleFunc("/v1/2fa/setup", a.handleTwoFactorSetup)
	a.mux.HandleFunc("/v1/2fa/enable", a.handleTwoFactorEnable)
	a.mux.HandleFunc("/v1/2fa/disable", a.handleTwoFactorDisable)
	a.mux.HandleFunc("/v1/2fa/verify", a.handleTwoFactorVerify)
	a.mux.HandleFunc("/v1/2fa/backup/regenerate", a.handleBackupRegenerate)
	a.mux.HandleFunc("/v1/2fa/sms/enroll", a.handleSMSEnroll)
	a.mux.HandleFunc("/v1/2fa/sms/send", a.handleSMSSend)

	// alerts and monitoring
	a.mux.HandleFunc("/v1/alerts", a.handleAlerts)
	a.mux.HandleFunc("/v1/alerts/stream", a.AlertStream)
	a.mux.HandleFunc("/v1/alerts/", a.handleAlertResource)
	a.mux.HandleFunc("/v1/compliance/report", a.handleComplianceReport)
	a.mux.HandleFunc("/v1/breach/evaluate", a.handleBreachEvaluate)
	a.mux.HandleFunc("/v1/anomaly/scan", a.handleAnomalyScan)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return obs.Instrument(RequestID(h))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "carelock-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "carelock-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseBoundedInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
