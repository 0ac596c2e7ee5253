package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/veloretail/be-approvals/internal/client"
	"github.com/veloretail/be-approvals/internal/config"
	"github.com/veloretail/be-approvals/internal/database"
	"github.com/veloretail/be-approvals/internal/handler"
	"github.com/veloretail/be-approvals/internal/logging"
	"github.com/veloretail/be-approvals/internal/middleware"
	"github.com/veloretail/be-approvals/internal/repository"
	"github.com/veloretail/be-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logging.New(logging.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting approval workflow service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS event publisher (optional)
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Info().Msg("NATS not configured; lifecycle events disabled")
	}
	events := client.NewEventPublisher(natsConn, log)

	// Initialize membership directory client
	directory := client.NewDirectoryHTTPClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	log.Info().Str("base_url", cfg.Directory.BaseURL).Msg("Membership directory client initialized")

	// Initialize repositories
	workflowRepo := repository.NewWorkflowRepository(db)
	orgRepo := repository.NewOrganizationRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize service
	approvalService := service.NewApprovalService(workflowRepo, orgRepo, auditRepo, directory, events, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	httpHandler.Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(log)(h)
	h = middleware.Logger(log)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
