package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cuemby/showrunner/pkg/audit"
	"github.com/cuemby/showrunner/pkg/channels"
	"github.com/cuemby/showrunner/pkg/events"
	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/metrics"
	"github.com/cuemby/showrunner/pkg/reconciler"
	"github.com/cuemby/showrunner/pkg/security"
	"github.com/cuemby/showrunner/pkg/storage"
	"github.com/cuemby/showrunner/pkg/workspace"
)

// Config holds server configuration.
type Config struct {
	Addr string

	// WebhookSecret is the shared HMAC secret for the planning webhook.
	// Empty disables the webhook endpoint.
	WebhookSecret string

	// AllowedOrigins for CORS. Empty means same-origin only.
	AllowedOrigins []string
}

// Server is the HTTP control surface: health, metrics, the planning
// webhook, and the review/retry/inspection API.
type Server struct {
	cfg        Config
	store      *storage.Store
	registry   *channels.Registry
	recorder   *audit.Recorder
	reconciler *reconciler.Reconciler
	broker     *events.Broker
	ws         *workspace.Workspace
	httpServer *http.Server
}

// NewServer wires the server.
func NewServer(cfg Config, store *storage.Store, registry *channels.Registry,
	recorder *audit.Recorder, rec *reconciler.Reconciler, broker *events.Broker,
	ws *workspace.Workspace) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		recorder:   recorder,
		reconciler: rec,
		broker:     broker,
		ws:         ws,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/webhook/planning-db", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/channels", s.handleListChannels)
		r.Get("/channels/{id}/quota", s.handleChannelQuota)
		r.Post("/channels/{id}/pause", s.handleChannelPause)
		r.Post("/channels/{id}/resume", s.handleChannelResume)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/approve", s.handleApprove)
		r.Post("/tasks/{id}/reject", s.handleReject)
		r.Post("/tasks/{id}/retry", s.handleRetry)
		r.Get("/audit", s.handleAudit)
	})
	return r
}

// observe records request metrics and logs slow requests.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", ww.Status())).Inc()
		if d := time.Since(start); d > time.Second {
			log.WithComponent("api").Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", d).
				Msg("slow request")
		}
	})
}

// Start begins serving in a goroutine.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.cfg.Addr).Msg("http server starting")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("api").Error().Err(err).Msg("http server failed")
		}
	}()
	return nil
}

// Stop drains and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("failed to encode response")
	}
}

// writeError writes the uniform error shape.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// readJSON decodes a request body with a size cap.
func readJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// verifyWebhook checks the HMAC signature before any parsing happens.
func (s *Server) verifyWebhook(r *http.Request, body []byte) bool {
	sig := r.Header.Get("X-Notion-Signature")
	if sig == "" {
		return false
	}
	return security.VerifySignature([]byte(s.cfg.WebhookSecret), body, sig)
}
