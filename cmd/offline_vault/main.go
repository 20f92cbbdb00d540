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

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/offline_vault/internal/cleanup"
	"github.com/italolelis/offline_vault/internal/config"
	"github.com/italolelis/offline_vault/internal/drm"
	"github.com/italolelis/offline_vault/internal/fetch"
	"github.com/italolelis/offline_vault/internal/http/rest"
	"github.com/italolelis/offline_vault/internal/logctx"
	"github.com/italolelis/offline_vault/internal/manifest"
	"github.com/italolelis/offline_vault/internal/notifier"
	"github.com/italolelis/offline_vault/internal/offline"
	"github.com/italolelis/offline_vault/internal/session"
	"github.com/italolelis/offline_vault/internal/store/sqlite"
	"github.com/italolelis/offline_vault/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("offline vault starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedContentRepository(database, tel)

	// =========================================================================
	// Start License Manager
	oracle := drm.NewStaticOracle(cfg.Capabilities())
	licenseClient := drm.NewHTTPClient(cfg.LicenseServerURL, cfg.FetchTimeout, cfg.LicenseToken)
	licenses := drm.NewManager(oracle, licenseClient, repo, tel)

	// =========================================================================
	// Start Session Coordinator
	coord := session.NewCoordinator(
		manifest.NewHTTPResolver(cfg.FetchTimeout, cfg.CDNToken),
		fetch.NewHTTPFetcher(cfg.FetchTimeout, cfg.CDNToken),
		licenses,
		repo,
		tel,
		cfg.MaxParallel,
		cfg.FetchRetries,
		cfg.FetchRetryInterval,
	)
	defer coord.Close()

	storage := offline.New(repo, coord, licenses, tel)
	storage.Configure(offline.Options{UsePersistentLicense: cfg.UsePersistentLicense})

	// =========================================================================
	// Start Notification
	setupNotification(ctx, coord, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, repo, licenses, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, storage, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("offline vault ready",
		"db_path", cfg.DBPath,
		"max_parallel", cfg.MaxParallel,
		"cleanup_interval", cfg.CleanupInterval.String(),
	)

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

func setupNotification(ctx context.Context, coord *session.Coordinator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	go func() {
		for event := range coord.OnSessionFailed {
			logger.Error("download session failed", "source", event.Source, "err", event.Err)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"❌ Store failed for " + event.Source + ": " + event.Err.Error(),
			); notifyErr != nil {
				logger.Error("failed to send notification", "err", notifyErr)
			}
		}
	}()

	go func() {
		for rec := range coord.OnSessionFinished {
			logger.Info("download session finished", "source", rec.Source, "offline_uri", rec.OfflineURI)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"✅ Stored " + rec.Source + " as " + rec.OfflineURI,
			); notifyErr != nil {
				logger.Error("failed to send notification", "offline_uri", rec.OfflineURI, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, storage *offline.Storage, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/v1", rest.NewContentHandler(storage, tel).Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !storage.Support(r.Context()) {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, repo *sqlite.InstrumentedContentRepository, licenses *drm.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := cleanup.ReleaseExpiredLicenses(ctx, repo, licenses); err != nil {
					logger.Error("failed to release expired licenses", "err", err)
				}
			}
		}
	}()
}
