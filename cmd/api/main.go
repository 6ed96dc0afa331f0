package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nyashahama/massmail-backend/internal/api"
	"github.com/nyashahama/massmail-backend/internal/config"
	"github.com/nyashahama/massmail-backend/internal/email"
	"github.com/nyashahama/massmail-backend/internal/history"
	"github.com/nyashahama/massmail-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"transport", cfg.MailTransport,
		"history", cfg.HistoryBackend,
	)
	if cfg.SMTPProfile != "" {
		logger.Info("smtp profile applied",
			"profile", cfg.SMTPProfile,
			"host", cfg.SMTPHost,
			"recommended_delay", cfg.RecommendedDelay,
		)
	}

	// Root context cancelled by OS signal.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── History ledger ────────────────────────────────────────────────────────
	ledger, err := history.Open(ctx, history.Options{
		Backend:     cfg.HistoryBackend,
		FilePath:    cfg.HistoryFile,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.RedisKeyPrefix,
	}, logger)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer ledger.Close()

	// ── Mail transport ────────────────────────────────────────────────────────
	mailer := newSender(cfg, logger)

	// ── Worker ────────────────────────────────────────────────────────────────
	runner := worker.NewRunner(mailer, ledger, worker.RunnerConfig{
		DeliveryTimeout:  cfg.DeliveryTimeout,
		MaxParallel:      cfg.MaxParallel,
		RecommendedDelay: cfg.RecommendedDelay,
	}, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(
		runner, // *Runner satisfies worker.Controller
		mailer,
		ledger,
		api.Config{
			Env:                    cfg.Env,
			MaxBodyBytes:           cfg.MaxBodyBytes,
			DeliveryTimeout:        cfg.DeliveryTimeout,
			TestSendRecordsHistory: cfg.TestSendRecordsHistory,
			TestSendRatePerMinute:  cfg.TestSendRatePerMinute,
		},
		logger,
	)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second, // large attachment uploads
		WriteTimeout: 90 * time.Second, // a test delivery can take the full delivery timeout
		IdleTimeout:  120 * time.Second,
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// ── Listener (HTTP and gRPC share one port) ───────────────────────────────
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := cmux.New(ln)
	grpcL := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := mux.Match(cmux.Any())

	serverErr := make(chan error, 3)
	go func() {
		if err := grpcSrv.Serve(grpcL); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, cmux.ErrListenerClosed) {
			serverErr <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := srv.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			serverErr <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("server listening", "addr", ln.Addr().String())
		if err := mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
			serverErr <- fmt.Errorf("cmux: %w", err)
		}
	}()

	// Block until either a signal arrives or a server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	healthSrv.Shutdown()

	// Give the running job and in-flight requests up to 20 seconds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	grpcSrv.GracefulStop()
	mux.Close()

	logger.Info("shutdown complete")
	return nil
}

// newSender builds the configured mail transport.
func newSender(cfg *config.Config, logger *slog.Logger) email.Sender {
	if cfg.MailTransport == config.TransportResend {
		return email.NewResendSender(email.ResendConfig{
			APIKey:      cfg.ResendAPIKey,
			FromAddr:    cfg.EmailFromAddr,
			FromName:    cfg.EmailFromName,
			ReplyToAddr: cfg.EmailReplyToAddr,
			ReplyToName: cfg.EmailReplyToName,
		}, logger)
	}

	return email.NewSMTPSender(email.SMTPConfig{
		Host:               cfg.SMTPHost,
		Port:               cfg.SMTPPort,
		Username:           cfg.SMTPUser,
		Password:           cfg.SMTPPass,
		ImplicitTLS:        cfg.SMTPSecure,
		InsecureSkipVerify: cfg.SMTPInsecureSkipVerify,
		FromAddr:           cfg.EmailFromAddr,
		FromName:           cfg.EmailFromName,
		ReplyToAddr:        cfg.EmailReplyToAddr,
		ReplyToName:        cfg.EmailReplyToName,
		ConnectTimeout:     cfg.SMTPConnectTimeout,
		DeliveryTimeout:    cfg.DeliveryTimeout,
	}, logger)
}
