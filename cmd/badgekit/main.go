package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/educredentials/badgekit/pkg/api"
	"github.com/educredentials/badgekit/pkg/config"
	"github.com/educredentials/badgekit/pkg/enrollment"
	"github.com/educredentials/badgekit/pkg/mail"
	"github.com/educredentials/badgekit/pkg/observability"
	"github.com/educredentials/badgekit/pkg/sso"
	"github.com/educredentials/badgekit/pkg/storage"
)

func main() {
	startup := setupStartupLogger()
	startup.Info("Starting badgekit server")

	cfg, err := config.LoadConfig()
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenPostgres(ctx, cfg.Storage)
	if err != nil {
		startup.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		startup.Fatalf("Failed to apply migrations: %v", err)
	}
	startup.Info("Database migrations applied")

	redisClient, err := storage.NewRedisClient(ctx, cfg.Storage)
	if err != nil {
		startup.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	apps, err := config.LoadAppRegistry(cfg.Apps.RegistryPath, cfg.Apps.DefaultAppID)
	if err != nil {
		startup.Fatalf("Failed to load app registry: %v", err)
	}
	startup.Infof("Loaded %d front-end apps from %s", apps.Len(), cfg.Apps.RegistryPath)

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	metrics := observability.NewMetrics(nil)

	provider, err := sso.NewProvider(ctx, cfg.OIDC, cfg.CallbackURL())
	if err != nil {
		startup.Fatalf("Failed to configure federation provider: %v", err)
	}

	var notifier enrollment.Notifier
	notifier, err = mail.NewMessages(mail.NewMailer(cfg.Mail, logger), apps, metrics, logger)
	if err != nil {
		startup.Fatalf("Failed to load mail templates: %v", err)
	}

	server := api.NewServer(cfg, api.Dependencies{
		DB:       db,
		Redis:    redisClient,
		Provider: provider,
		Apps:     apps,
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.Handle("/health", server.HealthHandler())
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		startup.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		startup.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		// Hot-reloads the app registry; exits with the group on shutdown
		if err := apps.Watch(groupCtx, logger); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		startup.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			startup.Errorf("API server shutdown failed: %v", err)
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		startup.Fatalf("Server exited with error: %v", err)
	}
	startup.Info("Server stopped")
}

func setupStartupLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(os.Getenv("BADGEKIT_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
