// Package server exposes podium over HTTP: plan submission, task polling,
// leaderboard browsing, moderation, maintenance, and the operational
// endpoints. It is a thin JSON layer; all decisions live in the dispatcher,
// store, and worker.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"podium/internal/config"
	"podium/internal/dispatch"
	"podium/internal/evaluator"
	"podium/internal/metrics"
	"podium/internal/queue"
	"podium/internal/store"
	"podium/internal/types"
)

// healthCheckTimeout bounds each dependency probe on /health.
const healthCheckTimeout = 2 * time.Second

// depthPollInterval is how often the queue depth gauge refreshes.
const depthPollInterval = 15 * time.Second

// Server is the HTTP face of podium.
type Server struct {
	store      *store.Store
	queue      queue.Queue
	dispatcher *dispatch.Dispatcher
	eval       evaluator.Evaluator
	metrics    *metrics.Metrics
	logger     *zap.Logger

	listen        string
	adminToken    string
	corsOrigins   []string
	readTimeout   time.Duration
	writeTimeout  time.Duration
	shutdownGrace time.Duration
	workers       int
	started       time.Time
}

// New wires the HTTP layer. A nil metrics gets a private registry.
func New(st *store.Store, q queue.Queue, disp *dispatch.Dispatcher, eval evaluator.Evaluator,
	m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	return &Server{
		store:         st,
		queue:         q,
		dispatcher:    disp,
		eval:          eval,
		metrics:       m,
		logger:        logger,
		listen:        cfg.Server.Listen,
		adminToken:    cfg.Server.AdminToken,
		corsOrigins:   cfg.Server.CORSOrigins,
		readTimeout:   cfg.GetReadTimeout(),
		writeTimeout:  cfg.GetWriteTimeout(),
		shutdownGrace: cfg.GetShutdownGrace(),
		workers:       cfg.Worker.Concurrency,
		started:       time.Now(),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/evaluate", s.handleEvaluate)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Patch("/tasks/{taskID}", s.handlePatchTask)

		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/leaderboard/categories", s.handleCategories)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/leaderboard/quarantine", s.handleQuarantine)
			r.Post("/leaderboard/restore", s.handleRestore)
			r.Delete("/leaderboard/{rowID}", s.handleDeleteRow)
			r.Get("/admin/audit", s.handleAudit)
			r.Post("/maintenance/cleanup", s.handleCleanup)
		})

		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
	})

	r.Handle("/metrics", s.metrics.Handler())

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pollQueueDepth(runCtx)

	srv := &http.Server{
		Addr:         s.listen,
		Handler:      s.Router(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.logger.Info("api listening", zap.String("addr", s.listen))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	s.logger.Info("api stopped")
	return nil
}

// pollQueueDepth keeps the queue depth gauge current while the server runs.
func (s *Server) pollQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			n, err := s.queue.Depth(pollCtx)
			cancel()
			if err == nil {
				s.metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}

// requestLogger logs one line per request with the chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote", r.RemoteAddr))
	})
}

// requireAdmin guards moderation routes. An empty configured token leaves
// them open: single-trust-zone deployments.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdmin(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAdmin(r *http.Request) bool {
	if s.adminToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

// audit records an admin mutation. Failures are logged, not surfaced: the
// mutation already happened.
func (s *Server) audit(ctx context.Context, action, resource, resourceID string, detail interface{}) {
	if err := s.store.AppendAudit(ctx, action, resource, resourceID, detail); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("action", action),
			zap.String("resource", resource),
			zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"kind": kind, "error": msg})
}

// writeFailure maps a classified error onto HTTP.
func writeFailure(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	if kind == "" {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeError(w, statusForKind(kind), string(kind), err.Error())
}

func statusForKind(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict, types.KindDuplicateInFlight, types.KindCancelled:
		return http.StatusConflict
	case types.KindStorageUnavailable, types.KindQueueUnavailable:
		return http.StatusServiceUnavailable
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindCredentialsMissing:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
