package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"carelock.org/internal/alert"
	"carelock.org/internal/anomaly"
	"carelock.org/internal/audit"
	"carelock.org/internal/httpapi"
	"carelock.org/internal/obs"
	"carelock.org/internal/policy"
	"carelock.org/internal/ratelimit"
	"carelock.org/internal/secrets"
	"carelock.org/internal/session"
	"carelock.org/internal/sms"
	"carelock.org/internal/store/pg"
	"carelock.org/internal/stream"
	"carelock.org/internal/twofactor"
)

// Overridable via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "0.3.0"
	commit  = "dev"
)

// config is everything the process reads from the environment, validated
// before any service is constructed.
type config struct {
	addr          string
	pgDSN         string
	encryptionKey string
	authSecret    string
	ipBlacklist   []string
	devNoAuth     bool
}

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		addr:          getenv("CARELOCK_ADDR"),
		pgDSN:         getenv("CARELOCK_PG_DSN"),
		encryptionKey: getenv("CARELOCK_ENCRYPTION_KEY"),
		authSecret:    getenv("CARELOCK_AUTH_SECRET"),
		ipBlacklist:   splitList(getenv("CARELOCK_IP_BLACKLIST")),
		devNoAuth:     getenv("CARELOCK_DEV_NO_AUTH") == "1",
	}
	if cfg.addr == "" {
		cfg.addr = ":8080"
	}
	if cfg.encryptionKey == "" {
		return config{}, errors.New("CARELOCK_ENCRYPTION_KEY is required (64 hex characters)")
	}
	if cfg.authSecret == "" && !cfg.devNoAuth {
		return config{}, errors.New("CARELOCK_AUTH_SECRET is required; set CARELOCK_DEV_NO_AUTH=1 to run without API authentication")
	}
	return cfg, nil
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Backing stores: Postgres when a DSN is configured, in-memory otherwise.
	var (
		pgStore      *pg.Store
		auditStore   audit.Store
		sessionStore session.Store
		credStore    twofactor.Store
		alertStore   alert.Store
		consentStore policy.ConsentStore
		requestStore policy.AccessRequestStore
	)
	if cfg.pgDSN != "" {
		pgStore, err = pg.Open(cfg.pgDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		auditStore = pgStore.Audit()
		sessionStore = pgStore.Sessions()
		credStore = pgStore.Credentials()
		alertStore = pgStore.Alerts()
		consentStore = pgStore.Consents()
		requestStore = pgStore.AccessRequests()
	} else {
		log.Println("CARELOCK_PG_DSN not set, using in-memory stores")
		auditStore = audit.NewInMemory()
		sessionStore = session.NewInMemory()
		credStore = twofactor.NewInMemory()
		alertStore = alert.NewInMemory()
		consentStore = policy.NewInMemoryConsents()
		requestStore = policy.NewInMemoryAccessRequests()
	}

	encryptor, err := secrets.NewAESGCM(cfg.encryptionKey)
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}

	// Services. Everything is wired here explicitly; none of the packages
	// hold process-global state.
	ledger := audit.NewLedger(auditStore)
	alertStream := stream.New()
	alerts := alert.NewService(alertStore, ledger, alert.WithPublisher(alertStream))
	engine := policy.NewEngine(consentStore, requestStore, ledger)
	blacklist := session.NewIPBlacklist(cfg.ipBlacklist...)
	sessions := session.NewManager(sessionStore, ledger, blacklist)
	limiter := ratelimit.New(ratelimit.WithAlerts(alerts))
	twoFactor := twofactor.NewService(credStore, encryptor, ledger, sms.LogGateway{})
	detector := anomaly.NewDetector(ledger, alerts)
	compliance := anomaly.NewCompliance(ledger, alerts, sessionStore)

	auth := httpapi.NewAuthenticator([]byte(cfg.authSecret))
	if !auth.Enabled() {
		log.Println("CARELOCK_DEV_NO_AUTH=1, API authentication is DISABLED")
	}

	readyDB := httpapi.ReadyProbe{}
	if pgStore != nil {
		readyDB.DB = pgStore.DB()
	}
	api := httpapi.New(readyDB, version, httpapi.Deps{
		Engine:     engine,
		Ledger:     ledger,
		Sessions:   sessions,
		Limiter:    limiter,
		TwoFactor:  twoFactor,
		Alerts:     alerts,
		Detector:   detector,
		Compliance: compliance,
		Stream:     alertStream,
		Auth:       auth,
	})

	// Background sweeps.
	bg, cancelBG := context.WithCancel(context.Background())
	go sweep(bg, 5*time.Minute, func(ctx context.Context) {
		if n, err := sessions.CleanupExpired(ctx); err != nil {
			log.Printf("session cleanup: %v", err)
		} else if n > 0 {
			log.Printf("session cleanup: swept %d", n)
		}
		limiter.EvictExpired()
	})
	go sweep(bg, time.Minute, func(ctx context.Context) {
		if n := ledger.FlushFallback(ctx); n > 0 {
			log.Printf("audit fallback: replayed %d events", n)
		}
	})
	go sweep(bg, 24*time.Hour, func(ctx context.Context) {
		if n, err := ledger.PurgeExpired(ctx); err != nil {
			log.Printf("retention purge: %v", err)
		} else if n > 0 {
			log.Printf("retention purge: removed %d events", n)
		}
	})
	go sweep(bg, 10*time.Minute, func(ctx context.Context) {
		for _, userID := range recentActors(ctx, ledger) {
			if raised := detector.ScanUser(ctx, userID); len(raised) > 0 {
				log.Printf("anomaly scan: %d alerts for user %s", len(raised), userID)
			}
		}
	})

	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting carelock-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancelBG()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func sweep(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// recentActors collects the distinct users active in the last hour, capped
// at one query page.
func recentActors(ctx context.Context, ledger *audit.Ledger) []string {
	res, err := ledger.Query(ctx, audit.Filter{
		From:  time.Now().UTC().Add(-1 * time.Hour),
		Limit: 500,
	})
	if err != nil {
		log.Printf("anomaly scan: query recent events: %v", err)
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range res.Events {
		if e.Actor.UserID == "" {
			continue
		}
		if _, ok := seen[e.Actor.UserID]; ok {
			continue
		}
		seen[e.Actor.UserID] = struct{}{}
		out = append(out, e.Actor.UserID)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
