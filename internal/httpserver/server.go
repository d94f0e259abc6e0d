package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"survey-dispatch/internal/ai"
	"survey-dispatch/internal/credit"
	"survey-dispatch/internal/dispatch"
	"survey-dispatch/internal/metrics"
	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/quota"
	"survey-dispatch/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// Dispatcher runs dispatch requests.
type Dispatcher interface {
	Handle(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// Quotas is the quota and dispatch-limit surface.
type Quotas interface {
	CheckQuota(ctx context.Context, surveyID string, d quota.Demographics) quota.CheckResult
	Admit(ctx context.Context, surveyID string, d quota.Demographics) quota.CheckResult
	IncrementQuota(ctx context.Context, surveyID string, d quota.Demographics) (bool, error)
	ConfigureQuota(ctx context.Context, surveyID string, category quota.Category, option string, target int) (quota.BucketStatus, error)
	ResetQuota(ctx context.Context, surveyID string, category quota.Category, option string) error
	ListQuotas(ctx context.Context, surveyID string) ([]quota.BucketStatus, error)
	CheckDispatchLimit(ctx context.Context, surveyID string, ch provider.Channel, count int) (quota.LimitResult, error)
	ConfigureDispatchLimit(ctx context.Context, surveyID string, ch provider.Channel, max int) (*repo.DispatchLimit, error)
}

// Wallet is the credit surface.
type Wallet interface {
	Balance(ctx context.Context, userID string) (*repo.CreditBalance, error)
	Purchase(ctx context.Context, userID string, amount int64, referenceID string) (*repo.CreditTransaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]repo.CreditTransaction, error)
	Verify(ctx context.Context, userID string) (credit.Verification, error)
}

// Generator produces AI completions.
type Generator interface {
	Generate(ctx context.Context, req ai.GenerateRequest) (*ai.Generation, error)
	Providers() []ai.ProviderInfo
}

// LogStore lists recorded dispatch attempts.
type LogStore interface {
	ListDispatchLogs(ctx context.Context, campaignID string, limit int) ([]repo.DispatchLog, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core services to handlers. Nil services answer 503.
type Dependencies struct {
	Dispatcher Dispatcher
	Quotas     Quotas
	Wallet     Wallet
	Generator  Generator
	Logs       LogStore
	Database   Pinger
	Registry   *provider.Registry
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with the API, health and metrics endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	handler := mountWithBasePath(server.basePath, server.routes())

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler returns the root handler, base path included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/campaigns/{campaignID}/logs", s.handleDispatchLogs)
	mux.HandleFunc("GET /api/providers", s.handleProviders)

	mux.HandleFunc("POST /api/quotas/check", s.handleQuotaCheck)
	mux.HandleFunc("POST /api/quotas/admit", s.handleQuotaAdmit)
	mux.HandleFunc("POST /api/quotas/increment", s.handleQuotaIncrement)
	mux.HandleFunc("PUT /api/surveys/{surveyID}/quotas", s.handleQuotaConfigure)
	mux.HandleFunc("GET /api/surveys/{surveyID}/quotas", s.handleQuotaList)
	mux.HandleFunc("POST /api/surveys/{surveyID}/quotas/reset", s.handleQuotaReset)

	mux.HandleFunc("POST /api/dispatch-limits/check", s.handleLimitCheck)
	mux.HandleFunc("PUT /api/surveys/{surveyID}/dispatch-limits", s.handleLimitConfigure)

	mux.HandleFunc("GET /api/credits/{userID}", s.handleCreditBalance)
	mux.HandleFunc("GET /api/credits/{userID}/transactions", s.handleCreditTransactions)
	mux.HandleFunc("GET /api/credits/{userID}/verify", s.handleCreditVerify)
	mux.HandleFunc("POST /api/credits/{userID}/purchase", s.handleCreditPurchase)

	mux.HandleFunc("POST /api/ai/generate", s.handleGenerate)
	return mux
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Database.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	body := map[string]any{"success": false, "error": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSONStatus(w, status, body)
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
