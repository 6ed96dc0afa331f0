// Package api implements the HTTP layer of the mass-mail backend.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nyashahama/massmail-backend/internal/email"
	"github.com/nyashahama/massmail-backend/internal/history"
	"github.com/nyashahama/massmail-backend/internal/metrics"
	"github.com/nyashahama/massmail-backend/internal/worker"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production", "staging", or "development".
	Env string

	// MaxBodyBytes caps request bodies. Attachments travel base64-encoded
	// inside the JSON, so this is much larger than a typical API limit.
	MaxBodyBytes int64

	// DeliveryTimeout bounds the single test delivery.
	DeliveryTimeout time.Duration

	// TestSendRecordsHistory makes a successful test delivery count as sent
	// for future delta filtering.
	TestSendRecordsHistory bool

	// TestSendRatePerMinute is the per-client-IP budget for test deliveries.
	// 0 disables the limit.
	TestSendRatePerMinute int
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	// jobs is the single-job send pipeline.
	jobs worker.Controller

	// mailer delivers single test messages outside the pipeline.
	mailer email.Sender

	// ledger is the send history, read for export and lookups.
	ledger history.Ledger

	// testLimiter throttles POST /api/send-email; nil when disabled.
	testLimiter *ipLimiter

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to an http.Server.
func NewServer(
	jobs worker.Controller,
	mailer email.Sender,
	ledger history.Ledger,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 25 << 20
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}

	s := &Server{
		jobs:   jobs,
		mailer: mailer,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.TestSendRatePerMinute > 0 {
		s.testLimiter = newIPLimiter(cfg.TestSendRatePerMinute)
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))

	// ── Health & metrics ──────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Mass send, one job at a time.
		r.Route("/send", func(r chi.Router) {
			r.Post("/start", s.handleStartSend)
			r.Get("/status", s.handleSendStatus)
			r.Post("/stop", s.handleStopSend)
		})

		// Single test delivery outside the pipeline.
		r.With(s.rateLimitTestSends).Post("/send-email", s.handleTestSend)

		// Send history (read-only).
		r.Get("/history", s.handleExportHistory)
		r.Get("/history/contains", s.handleHistoryContains)
	})

	return r
}
