package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calsync/backend/internal/api"
	"github.com/calsync/backend/internal/auth"
	"github.com/calsync/backend/internal/calendar"
	"github.com/calsync/backend/internal/config"
	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/provider/google"
	"github.com/calsync/backend/internal/provider/ics"
	"github.com/calsync/backend/internal/storage"
	"github.com/calsync/backend/internal/websocket"
)

func runMigrations(cfg *config.Config) error {
	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	pending, err := storage.PendingMigrations(db)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		log.Printf("Database %s is up to date", db.Path())
		return nil
	}
	for _, name := range pending {
		log.Printf("Applying migration %s", name)
	}

	if err := storage.RunMigrations(db); err != nil {
		return err
	}
	log.Println("Database migrations complete")
	return nil
}

func gateways(cfg *config.Config) []provider.Gateway {
	gws := []provider.Gateway{ics.New(cfg.ICS.Timeout)}
	if cfg.GoogleEnabled() {
		gws = append(gws, google.New(google.Config{
			ClientID:          cfg.Google.ClientID,
			ClientSecret:      cfg.Google.ClientSecret,
			RequestsPerSecond: cfg.Google.RequestsPerSecond,
			Burst:             cfg.Google.Burst,
		}))
	} else {
		log.Println("Google Calendar disabled: no client credentials configured")
	}
	return gws
}

func runServer(ctx context.Context, cfg *config.Config) error {
	// Allow overriding version via environment (e.g., injected by container build/runtime)
	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}
	log.Printf("Starting calendar sync server (version: %s)...", version)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		return err
	}
	log.Println("Database migrations complete")

	// Initialize WebSocket hub
	hub := websocket.NewHub()
	go hub.Run(ctx)

	var signer *auth.Signer
	if cfg.Auth.SigningSecret != "" {
		signer, err = auth.NewSigner(cfg.Auth.SigningSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
	} else {
		log.Println("No signing secret configured: authorization and webhooks disabled")
	}

	stores := calendar.NewStores(db)
	engine := calendar.NewEngine(
		stores,
		provider.NewRegistry(gateways(cfg)...),
		auth.NewGuardian(stores.Connections, cfg.Auth.RefreshMargin),
		signer,
		websocket.NewEventBroadcaster(hub),
		calendar.Options{
			InitialLookback: cfg.Sync.InitialLookback,
			Overlap:         cfg.Sync.Overlap,
			WebhookBaseURL:  cfg.Webhook.BaseURL,
			RenewBefore:     cfg.Webhook.RenewBefore,
		},
	)

	scheduler := calendar.NewScheduler(engine, calendar.SchedulerConfig{
		Tick:            cfg.Scheduler.Tick,
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		DefaultInterval: time.Duration(cfg.Sync.DefaultIntervalMin) * time.Minute,
	})
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		DB:               db,
		Engine:           engine,
		Scheduler:        scheduler,
		Hub:              hub,
		OAuthRedirectURL: cfg.Google.RedirectURL,
		StaticDir:        cfg.Server.StaticDir,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		scheduler.Stop()
		return err
	}

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	scheduler.Stop()

	log.Println("Server stopped")
	return nil
}
