// Package app wires the lifecycle engine together and runs the HTTP
// server until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"drivein/internal/api"
	"drivein/internal/config"
	"drivein/internal/db"
	"drivein/internal/health"
	"drivein/internal/jobs"
	"drivein/internal/logging"
	"drivein/internal/metrics"
	"drivein/internal/notify"
	"drivein/internal/provider"
	"drivein/internal/store"
	"drivein/internal/tokens"
	"drivein/internal/ws"
)

func Run(ctx context.Context, cfg config.Config) error {
	if err := validateListenAddr(cfg.Addr, cfg.AllowRemote); err != nil {
		return err
	}
	if cfg.AllowRemote && cfg.APIToken == "" {
		return fmt.Errorf("API_TOKEN (or --api-token) is required when --allow-remote is enabled")
	}

	logger, err := logging.Setup(cfg.LogFormat)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if cfg.JobConcurrency <= 0 {
		cfg.JobConcurrency = 4
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}

	dbBackend, err := db.ParseBackend(cfg.DBBackend)
	if err != nil {
		return err
	}
	dbCfg := db.Config{Backend: dbBackend}
	var dbPath string
	switch dbBackend {
	case db.BackendSQLite:
		dbPath = filepath.Join(cfg.DataDir, "drivein.db")
		dbCfg.SQLitePath = dbPath
	case db.BackendPostgres:
		dbCfg.DatabaseURL = cfg.DatabaseURL
	default:
		return fmt.Errorf("unsupported db backend %q", dbBackend)
	}
	database, err := db.Open(dbCfg)
	if err != nil {
		return err
	}
	if dbBackend == db.BackendSQLite {
		_ = os.Chmod(dbPath, 0o600)
	}

	st, err := store.New(database, store.Options{EncryptionKey: cfg.EncryptionKey})
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		refresher, err := provider.NewOAuthRefresher(provider.OAuthConfig{
			TokenURL:     googleTokenURL(cfg),
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		})
		if err != nil {
			return fmt.Errorf("google drive provider: %w", err)
		}
		registry.Register(provider.NewDriveClient(provider.DriveOptions{}), refresher)
	}
	if cfg.S3Bucket != "" {
		s3Client, err := provider.NewS3Client(provider.S3Options{
			Name:           "s3",
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			KeyPrefix:      cfg.S3KeyPrefix,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 provider: %w", err)
		}
		registry.Register(s3Client, nil)
	}
	if len(registry.Names()) == 0 {
		logger.Warnf("no providers configured; refresh and upload operations will fail")
	}

	m := metrics.New()
	hub := ws.NewHub()

	var sender notify.Sender
	if cfg.SMTPAddr != "" {
		sender = &notify.SMTPSender{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom}
	} else {
		sender = &notify.LogSender{Log: logger}
	}
	notifier := notify.NewDispatcher(notify.DispatcherOptions{
		Store:    st,
		Sender:   sender,
		Log:      logger,
		Metrics:  m,
		Cooldown: cfg.NotificationCooldown,
	})

	tracker := health.NewTracker(health.TrackerOptions{
		Store:          st,
		Log:            logger,
		Metrics:        m,
		Events:         hub,
		ExpiringWindow: cfg.ImmediateWindow,
	})

	coord := tokens.NewCoordinator(tokens.CoordinatorOptions{
		Store:           st,
		Registry:        registry,
		Tracker:         tracker,
		Notifier:        notifier,
		Log:             logger,
		Metrics:         m,
		ImmediateWindow: cfg.ImmediateWindow,
		StaleLockAge:    cfg.StaleLockAge,
	})

	retryJob := jobs.NewUploadRetryJob(jobs.UploadRetryJobOptions{
		Store:    st,
		Registry: registry,
		Tracker:  tracker,
		Notifier: notifier,
		Log:      logger,
		Metrics:  m,
	})

	manager := jobs.NewManager(jobs.ManagerOptions{
		Store:       st,
		Log:         logger,
		Metrics:     m,
		Hub:         hub,
		Coordinator: coord,
		RetryJob:    retryJob,
		Concurrency: cfg.JobConcurrency,
		RetryBudget: cfg.JobRetryUntil,
	})
	if err := manager.RecoverAndRequeue(ctx); err != nil {
		return err
	}
	manager.Start(ctx)
	go manager.RunMaintenance(ctx, 10*time.Minute)

	sweeper := tokens.NewSweeper(tokens.SweeperOptions{
		Store:             st,
		Enqueuer:          manager,
		Log:               logger,
		Interval:          cfg.SweepInterval,
		ImmediateWindow:   cfg.ImmediateWindow,
		AdvanceWindow:     cfg.AdvanceWindow,
		StaleLockAge:      cfg.StaleLockAge,
		FailureCounterAge: cfg.FailureCounterAge,
		HealthRecordAge:   cfg.HealthRecordAge,
	})
	go sweeper.Run(ctx)

	handler := api.New(api.Dependencies{
		Config:     cfg,
		Store:      st,
		Tracker:    tracker,
		Coord:      coord,
		Jobs:       manager,
		Registry:   registry,
		Hub:        hub,
		Metrics:    m,
		ServerAddr: cfg.Addr,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on http://%s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		manager.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

func googleTokenURL(cfg config.Config) string {
	if cfg.GoogleTokenURL != "" {
		return cfg.GoogleTokenURL
	}
	return "https://oauth2.googleapis.com/token"
}

func validateListenAddr(addr string, allowRemote bool) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid addr %q (expected host:port): %w", addr, err)
	}
	if host == "" {
		if allowRemote {
			return nil
		}
		return fmt.Errorf("refusing to bind to wildcard host (addr=%q) without --allow-remote", addr)
	}
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return nil
	default:
		if allowRemote {
			return nil
		}
		return fmt.Errorf("refusing to bind to non-local host %q without --allow-remote", host)
	}
}
