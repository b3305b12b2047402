package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/automations/automation"
	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/internal/metrics"
	"github.com/liamcoop/automations/internal/natsintake"
)

// pinger is satisfied by *sql.DB
type pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	db             pinger
	dispatcher     *automation.Dispatcher
	registry       *prometheus.Registry
	router         *chi.Mux
	maxBodyBytes   int64
	requestTimeout time.Duration
}

// NewServer wires the Postgres-backed dispatcher and the HTTP routes
func NewServer(cfg *config.Config, db *sql.DB) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}
	if err := metrics.RegisterLogCounters(registry); err != nil {
		return nil, err
	}

	var rules automation.RuleStore = automation.NewPostgresRuleStore(db)
	if cfg.Automation.RuleCacheTTL > 0 {
		cacheCfg := automation.DefaultCacheConfig()
		cacheCfg.TTL = cfg.Automation.RuleCacheTTL
		rules = automation.NewCachedRuleStore(rules, automation.NewInMemoryRulesCache(cacheCfg))
	}

	opts := []automation.Option{automation.WithMetrics(m)}
	if cfg.Automation.RecordRuns {
		opts = append(opts, automation.WithRunRecorder(automation.NewPostgresRunRecorder(db)))
	}

	dispatcher, err := automation.NewDispatcher(automation.Config{
		WatchedEntity: cfg.Automation.WatchedEntity,
		Comparison:    cfg.ComparisonMode(),
	}, rules, automation.NewPostgresTaskStore(db), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	return newServer(db, dispatcher, registry, cfg.Server.MaxBodyBytes, cfg.Server.RequestTimeout), nil
}

func newServer(db pinger, dispatcher *automation.Dispatcher, registry *prometheus.Registry, maxBodyBytes int64, requestTimeout time.Duration) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	s := &Server{
		db:             db,
		dispatcher:     dispatcher,
		registry:       registry,
		maxBodyBytes:   maxBodyBytes,
		requestTimeout: requestTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Get("/api/v1/health", s.handleHealth)

	// Change event webhook
	r.Post("/api/v1/webhooks/tasks", s.handleWebhook)

	// Rule inspection for the rule-management surface
	r.Get("/api/v1/organizations/{organizationId}/rules", s.handleListRules)
	r.Post("/api/v1/rules/validate", s.handleValidateRule)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// Webhook handler: one change event per request
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondJSON(w, http.StatusRequestEntityTooLarge, automation.ErrorBody{Error: "request body too large"})
			return
		}
		respondJSON(w, http.StatusBadRequest, automation.ErrorBody{Error: "failed to read request body"})
		return
	}

	event, err := automation.DecodeChangeEvent(body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, automation.ErrorBody{Error: err.Error()})
		return
	}

	result := s.dispatcher.Process(r.Context(), event)
	respondJSON(w, statusFor(result), result.Body())
}

// statusFor maps a dispatch result to an HTTP status
func statusFor(result *automation.ProcessResult) int {
	if result.Status != automation.StatusFailed {
		return http.StatusOK
	}
	var validationErr *automation.ValidationError
	if errors.As(result.Err, &validationErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// List rules handler: the rules an event in this scope would be checked against
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	scope := automation.Scope{
		OrganizationID: chi.URLParam(r, "organizationId"),
		ProjectID:      r.URL.Query().Get("projectId"),
	}

	rules, err := s.dispatcher.Selector().Select(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if rules == nil {
		rules = []*automation.AutomationRule{}
	}

	respondJSON(w, http.StatusOK, RulesListResponse{
		OrganizationID: scope.OrganizationID,
		ProjectID:      scope.ProjectID,
		Rules:          rules,
	})
}

// Validate rule handler
func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	var rule automation.AutomationRule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes)).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := automation.ValidateRule(&rule, s.dispatcher.Evaluator())
	if err == nil {
		respondJSON(w, http.StatusOK, ValidateRuleResponse{Valid: true})
		return
	}

	respondJSON(w, http.StatusUnprocessableEntity, ValidateRuleResponse{
		Valid:  false,
		Errors: errorMessages(err),
	})
}

// errorMessages flattens a joined error into its messages
func errorMessages(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	logger.HTTPStatus(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Failed to encode response", "status", status, "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("AUTOMATIONS_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logger.Setup(ctx, logger.Options{
		Level:           cfg.Log.Level,
		ErrorSampleRate: cfg.Log.ErrorSampleRate,
		OTELEnabled:     cfg.OTEL.Enabled,
		ServiceName:     cfg.OTEL.ServiceName,
	}); err != nil {
		logger.Warn("Logger setup degraded", "error", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	server, err := NewServer(cfg, db)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.OTEL.ServiceName))
		if err != nil {
			logger.Fatal("Failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
		}
		defer nc.Drain()

		intake := natsintake.NewSubscriber(nc, server.dispatcher, cfg.NATS.Subject, cfg.NATS.Queue)
		if err := intake.Start(ctx); err != nil {
			logger.Fatal("Failed to start NATS intake", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port,
			"watched_entity", cfg.Automation.WatchedEntity, "comparison", cfg.Automation.Comparison)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}

	logger.Info("Server stopped")
}
