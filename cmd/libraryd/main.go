package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/libraryhub/services/library/internal/auth"
	"github.com/libraryhub/services/library/internal/config"
	"github.com/libraryhub/services/library/internal/db"
	"github.com/libraryhub/services/library/internal/events"
	"github.com/libraryhub/services/library/internal/httpapi"
	"github.com/libraryhub/services/library/internal/loans"
	"github.com/libraryhub/services/library/internal/metrics"
	"github.com/libraryhub/services/library/internal/repo"
	"github.com/libraryhub/services/library/pkg/logger"
)

const tokenTTL = 24 * time.Hour

func main() {
	cfg := config.Load()

	log := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Library service starting")

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	catalogRepo := repo.NewCatalogRepository(database, log)
	settingsRepo := repo.NewSettingsRepository(database, log)
	notificationRepo := repo.NewNotificationRepository(database, log)

	m := metrics.New(prometheus.DefaultRegisterer)
	ledger := loans.NewLedger(database, log)
	loanService := loans.NewService(database, ledger, settingsRepo, m, log)

	log.Info("Connecting to RabbitMQ")
	var publisher events.Publisher
	publisher, err = events.NewAMQPPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Warn("RabbitMQ unavailable, event delivery disabled", zap.Error(err))
		publisher = events.NoopPublisher{}
	}
	defer publisher.Close()

	authService := auth.NewService(cfg.JWTSecret, tokenTTL)

	server := httpapi.NewServer(httpapi.Options{
		Catalog:        catalogRepo,
		Settings:       settingsRepo,
		Notifications:  notificationRepo,
		Loans:          loanService,
		Publisher:      publisher,
		Auth:           authService,
		Log:            log,
		LoanPeriodDays: cfg.LoanPeriodDays,
	})

	go func() {
		addr := fmt.Sprintf(":%s", cfg.HTTPPort)
		log.Info("Starting HTTP server", zap.String("address", addr))
		if err := server.Listen(addr); err != nil {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Side server for health and metrics
	sideMux := http.NewServeMux()
	sideMux.HandleFunc("/healthz", healthHandler(database, publisher, log))
	sideMux.Handle("/metrics", promhttp.Handler())

	sideServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPHealthPort),
		Handler:      sideMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting health server", zap.String("address", sideServer.Addr))
		if err := sideServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve health endpoint", zap.Error(err))
		}
	}()

	// Periodic counter reconciliation against the ledger
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-reconcileCtx.Done():
				return
			case <-ticker.C:
				if _, err := loanService.Reconcile(reconcileCtx); err != nil {
					log.Error("Reconciliation failed", zap.Error(err))
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopReconcile()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sideServer.Shutdown(ctx); err != nil {
		log.Error("Health server shutdown error", zap.Error(err))
	}
	if err := server.Shutdown(); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Server stopped")
}

func healthHandler(database *db.DB, publisher events.Publisher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := database.Ping(); err != nil {
			log.Error("Database health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: database connection failed"))
			return
		}

		if !publisher.IsHealthy() {
			log.Error("RabbitMQ health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: rabbitmq connection failed"))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	}
}
