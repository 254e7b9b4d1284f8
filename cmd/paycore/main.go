package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"paycore"
	"paycore/internal/audit"
	"paycore/internal/charge"
	chargeapi "paycore/internal/charge/api"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	natsclient "paycore/internal/common/nats"
	"paycore/internal/dispute"
	disputeapi "paycore/internal/dispute/api"
	"paycore/internal/fraud"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	ledgerapi "paycore/internal/ledger/api"
	ledgerstore "paycore/internal/ledger/store"
	"paycore/internal/payout"
	payoutapi "paycore/internal/payout/api"
	"paycore/internal/processor"
	"paycore/internal/settlement"
	"paycore/internal/timeline"
	"paycore/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	AdminToken     string `envconfig:"ADMIN_TOKEN" required:"true"`
	WebhookSecret  string `envconfig:"WEBHOOK_SECRET"`
	SettlementDays int    `envconfig:"SETTLEMENT_DAYS" default:"7"`

	Database   database.Config
	NATS       natsclient.Config
	Processor  processor.Config
	Charge     charge.Config
	Fraud      fraud.Config
	Settlement settlement.Config
	Payout     payout.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Processor.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid processor config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply migrations and connect to database
	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database, paycore.Migrations, "migrations", logger); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS
	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	publisher := natsclient.NewPublisher(nc, logger)

	// Select the processor backend
	var proc processor.Processor
	switch cfg.Processor.Mode {
	case processor.ModeLive:
		proc = processor.NewLive(cfg.Processor, logger)
	default:
		proc = processor.NewSimulated()
	}

	// Create services
	ledgerService := ledger.New(ledgerstore.New(db), cfg.SettlementDays, logger)
	idemGate := idempotency.NewGate(db)
	fraudGate := fraud.NewThresholdGate(cfg.Fraud)

	chargeService := charge.New(charge.NewStore(db), ledgerService, idemGate, proc, fraudGate,
		publisher, cfg.Charge, logger)

	settlementStore := settlement.NewPGStore(db)
	settlementService := settlement.New(ledgerService, publisher, cfg.Settlement, logger)

	disputeService := dispute.New(dispute.NewPGStore(db), ledgerService, publisher, logger)

	payoutService := payout.New(payout.NewPGStore(db), ledgerService, idemGate, proc,
		publisher, cfg.Payout, logger)

	auditor := audit.New(ledgerService, logger)

	reconciler := webhook.New(ledgerService, disputeService, payoutService, idemGate, logger)

	timelineStore := timeline.NewPGStore(db)
	recorder := timeline.NewRecorder(timelineStore, logger)
	if err := timeline.Start(ctx, nc, recorder, logger); err != nil {
		logger.Error("failed to start timeline subscriber", "error", err)
		os.Exit(1)
	}

	// Schedule settlement sweeps and automatic payouts
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Settlement.Cron, func() {
		if _, err := settlementService.RunOnce(ctx, time.Now().UTC()); err != nil {
			logger.Error("settlement run failed", "error", err)
		}
	}); err != nil {
		logger.Error("invalid settlement cron expression", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc(cfg.Payout.Cron, func() {
		if _, err := payoutService.RunAuto(ctx, time.Now().UTC()); err != nil {
			logger.Error("auto payout run failed", "error", err)
		}
	}); err != nil {
		logger.Error("invalid payout cron expression", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Create handlers
	chargeHandler := chargeapi.NewHandler(chargeService)
	ledgerHandler := ledgerapi.NewHandler(ledgerService, auditor)
	disputeHandler := disputeapi.NewHandler(disputeService)
	payoutHandler := payoutapi.NewHandler(payoutService)
	settlementHandler := settlement.NewHandler(settlementStore)
	timelineHandler := timeline.NewHandler(timelineStore)
	webhookHandler := webhook.NewHandler(reconciler, cfg.WebhookSecret)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.ProviderExtractor)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"database"}`))
			return
		}
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"nats"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Processor webhooks: signature-verified, no provider header
	r.Mount("/webhooks", webhookHandler.Routes())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireProvider)
			r.Mount("/invoices", chargeHandler.InvoiceRoutes())
			r.Mount("/subscriptions", chargeHandler.SubscriptionRoutes())
			r.Mount("/terminal", chargeHandler.TerminalRoutes())
			r.Mount("/refunds", chargeHandler.RefundRoutes())
			r.Mount("/ledger", ledgerHandler.Routes())
			r.Mount("/payouts", payoutHandler.Routes())
			r.Mount("/disputes", disputeHandler.Routes())
			r.Mount("/settlement", settlementHandler.Routes())
			r.Mount("/timeline", timelineHandler.Routes())
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminOnly(cfg.AdminToken))
			r.Mount("/ledger/provider", ledgerHandler.AdminRoutes())
			r.Mount("/disputes", disputeHandler.AdminRoutes())
		})
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting paycore service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"processor_mode", cfg.Processor.Mode,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
