package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	appauth "github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/crypto"
	"github.com/jw6ventures/calsync/internal/dispatch"
	"github.com/jw6ventures/calsync/internal/engine"
	"github.com/jw6ventures/calsync/internal/google"
	httpserver "github.com/jw6ventures/calsync/internal/http"
	"github.com/jw6ventures/calsync/internal/store"
)

// setupFunc adapts a closure to the auth service's watch-setup dependency so
// the auth and engine services can reference each other.
type setupFunc func(ctx context.Context, accountID, resourceID string) error

func (f setupFunc) SetupWatch(ctx context.Context, accountID, resourceID string) error {
	return f(ctx, accountID, resourceID)
}

func main() {
	log.Println("Starting calsync server...")
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)

	enc, err := crypto.NewEncryptor(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatalf("failed to initialize token encryption: %v", err)
	}

	var googleOpts []google.Option
	if cfg.Google.CalendarEndpoint != "" {
		googleOpts = append(googleOpts, google.WithEndpoint(cfg.Google.CalendarEndpoint))
	}
	provider := google.NewClient(cfg.Webhook.URL, googleOpts...)

	var dispatcher dispatch.Dispatcher = dispatch.LogDispatcher{}
	if cfg.Dispatch.RedisAddr != "" {
		asynqDispatcher := dispatch.NewAsynqDispatcher(cfg.Dispatch.RedisAddr, cfg.Dispatch.Queue)
		defer func() {
			if err := asynqDispatcher.Close(); err != nil {
				log.Printf("[WARN] close dispatch client: %v", err)
			}
		}()
		dispatcher = asynqDispatcher
	}

	// The auth service needs the engine for post-connect watch setup and the
	// engine needs the auth service for access tokens; the closure breaks
	// the construction cycle.
	var engineSvc *engine.Service
	authService := appauth.NewService(cfg, stor.Credentials, enc, setupFunc(func(ctx context.Context, accountID, resourceID string) error {
		return engineSvc.SetupWatch(ctx, accountID, resourceID)
	}))
	engineSvc = engine.New(engine.Params{
		Credentials: stor.Credentials,
		Channels:    stor.Channels,
		Events:      stor.Events,
		Tokens:      authService,
		Provider:    provider,
		Dispatcher:  dispatcher,
		LeaseTTL:    cfg.Sync.LeaseTTL,
		Lookahead:   cfg.Renewal.Lookahead,
		NewID:       uuid.NewString,
	})

	if cfg.Renewal.Interval > 0 {
		go runRenewalLoop(ctx, engineSvc, cfg.Renewal.Interval)
	}

	r := httpserver.NewRouter(cfg, stor, authService, engineSvc)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func runRenewalLoop(ctx context.Context, engineSvc *engine.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engineSvc.RunRenewalSweep(ctx); err != nil {
				log.Printf("[ERROR] renewal sweep: %v", err)
			}
		}
	}
}
