// Command gatewayd runs the AI-agent API gateway: the HTTP surface
// that authenticates agents, resolves their scoped services, assesses
// risk, routes to human approval when required, injects credentials,
// and forwards the call.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/api"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/approval"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/audit"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/auth"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/config"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/credentials"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/forwarder"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/idempotency"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/orchestrator"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/ratelimit"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/risk"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/scope"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/vault"
)

// approvalSweepInterval is how often expired PENDING entries are swept
// to EXPIRED in the background.
const approvalSweepInterval = 5 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("[gatewayd] config: %v", err)
		return 1
	}

	ctx := context.Background()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Printf("[gatewayd] db open: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		log.Printf("[gatewayd] db ping: %v", err)
		return 1
	}

	st := store.New(db)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Printf("[gatewayd] schema: %v", err)
		return 1
	}
	log.Println("[gatewayd] postgres: connected")

	v, err := vault.New(cfg.EncryptionSecret, cfg.EncryptionSalt)
	if err != nil {
		log.Printf("[gatewayd] vault: %v", err)
		return 1
	}

	scopeResolver := scope.New(st)
	injector := credentials.New(st, v)
	idem := idempotency.New(db)
	riskAssessor := risk.New(cfg.JudgeBaseURL, cfg.JudgeAPIKey, risk.WithThreshold(cfg.RiskThreshold), risk.WithJudgeTimeout(cfg.JudgeTimeout))
	approvals := approval.New(db).WithTTL(cfg.ApprovalExecuteTTL)
	fwd := forwarder.New()
	auditWriter := audit.New(db)

	orch := orchestrator.New(st, scopeResolver, injector, idem, riskAssessor, approvals, fwd, auditWriter)

	agentAuthn := auth.NewAgentAuthenticator(st)
	jwtValidator := auth.NewJWTValidator(cfg.DashboardJWTSecret)

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitRPS, cfg.RateLimitBurst)
		log.Printf("[gatewayd] rate limiting: redis at %s", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		log.Println("[gatewayd] rate limiting: in-process (no REDIS_ADDR configured)")
	}

	handler := api.NewHandler(orch, approvals, st)

	proxyMux := http.NewServeMux()
	handler.RegisterRoutes(proxyMux)

	var rootHandler http.Handler = proxyMux
	rootHandler = ratelimit.Middleware(limiter)(rootHandler)
	rootHandler = agentOrDashboardAuth(agentAuthn, st, jwtValidator)(rootHandler)
	rootHandler = auth.CORSMiddleware(cfg.CORSOrigins)(rootHandler)
	rootHandler = auth.RequestIDMiddleware(rootHandler)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthMux.Handle("/", rootHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: healthMux,
	}

	go sweepExpiredApprovals(ctx, approvals)

	go func() {
		log.Printf("[gatewayd] listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gatewayd] server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[gatewayd] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gatewayd] shutdown: %v", err)
		return 1
	}
	return 0
}

// agentOrDashboardAuth picks the authentication middleware appropriate
// to the request's path: agent-key auth for the proxy surface, bearer
// JWT for the dashboard's approval-management surface.
func agentOrDashboardAuth(agentAuthn *auth.AgentAuthenticator, st *store.Store, jwtValidator *auth.JWTValidator) func(http.Handler) http.Handler {
	agentMiddleware := auth.AgentKeyMiddleware(agentAuthn, st)
	dashboardMiddleware := auth.DashboardAuthMiddleware(jwtValidator)

	return func(next http.Handler) http.Handler {
		agentNext := agentMiddleware(next)
		dashboardNext := dashboardMiddleware(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isDashboardPath(r.URL.Path) {
				dashboardNext.ServeHTTP(w, r)
				return
			}
			agentNext.ServeHTTP(w, r)
		})
	}
}

func isDashboardPath(path string) bool {
	return strings.HasPrefix(path, "/v1/approvals")
}

func sweepExpiredApprovals(ctx context.Context, approvals *approval.Queue) {
	ticker := time.NewTicker(approvalSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		n, err := approvals.SweepExpired(ctx)
		if err != nil {
			slog.Error("gatewayd: sweep expired approvals failed", "error", err)
			continue
		}
		if n > 0 {
			slog.Info("gatewayd: swept expired approvals", "count", n)
		}
	}
}
