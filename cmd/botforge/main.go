// Command botforge runs the orchestrator core: control API, runner gateway,
// scheduler tick and the inter-instance event relay.
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
	"github.com/google/uuid"

	"github.com/Strob0t/BotForge/internal/adapter/discord"
	bfhttp "github.com/Strob0t/BotForge/internal/adapter/http"
	"github.com/Strob0t/BotForge/internal/adapter/nats"
	"github.com/Strob0t/BotForge/internal/adapter/natskv"
	"github.com/Strob0t/BotForge/internal/adapter/otel"
	"github.com/Strob0t/BotForge/internal/adapter/postgres"
	"github.com/Strob0t/BotForge/internal/adapter/ristretto"
	"github.com/Strob0t/BotForge/internal/adapter/slack"
	"github.com/Strob0t/BotForge/internal/adapter/tiered"
	"github.com/Strob0t/BotForge/internal/adapter/webhook"
	"github.com/Strob0t/BotForge/internal/adapter/ws"
	"github.com/Strob0t/BotForge/internal/config"
	"github.com/Strob0t/BotForge/internal/eventbus"
	"github.com/Strob0t/BotForge/internal/gateway"
	"github.com/Strob0t/BotForge/internal/leader"
	"github.com/Strob0t/BotForge/internal/logger"
	"github.com/Strob0t/BotForge/internal/middleware"
	"github.com/Strob0t/BotForge/internal/port/broadcast"
	"github.com/Strob0t/BotForge/internal/port/cache"
	"github.com/Strob0t/BotForge/internal/port/notifier"
	"github.com/Strob0t/BotForge/internal/resilience"
	"github.com/Strob0t/BotForge/internal/secrets"
	"github.com/Strob0t/BotForge/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx := context.Background()

	otelShutdown := otel.InitTracer(cfg.Logging.Service)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(sctx)
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Database
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)
	eventStore := postgres.NewEventStore(pool)

	// Event bus, with the NATS relay when a broker is reachable. Without one
	// events stay instance-local, which is fine for a single-node deployment.
	instanceID := uuid.NewString()
	bus := eventbus.New(cfg.Bus.SubscriberBuffer)
	var broadcaster broadcast.Broadcaster = bus
	var natsUp func() bool

	queue, err := nats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		slog.Warn("nats unavailable, running instance-local", "url", cfg.NATS.URL, "error", err)
	} else {
		defer func() { _ = queue.Drain() }()
		bridge := eventbus.NewBridge(bus, queue, instanceID)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start event relay: %w", err)
		}
		defer bridge.Stop()
		broadcaster = bridge
		natsUp = queue.IsConnected
	}

	// Bot version cache: in-process L1, JetStream KV L2 when NATS is up so
	// peer instances share lookups.
	l1, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer l1.Close()
	var versionCache cache.Cache = l1
	if queue != nil {
		kv, err := queue.KeyValue(ctx, "botforge-versions", cfg.Runs.BotVersionCacheTTL)
		if err != nil {
			slog.Warn("jetstream kv unavailable, version cache stays local", "error", err)
		} else {
			versionCache = tiered.New(l1, natskv.New(kv), cfg.Runs.BotVersionCacheTTL)
		}
	}

	// Notification intents
	notify := notifier.NewRegistry()
	if cfg.Notify.WebhookURL != "" {
		breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
		notify.Register(webhook.NewNotifier(cfg.Notify.WebhookURL, breaker))
	}
	if cfg.Notify.SlackURL != "" {
		notify.Register(slack.NewNotifier(cfg.Notify.SlackURL))
	}
	if cfg.Notify.DiscordURL != "" {
		notify.Register(discord.NewNotifier(cfg.Notify.DiscordURL))
	}

	// Core services
	lifecycle := service.NewLifecycle(store, eventStore, broadcaster, versionCache, notify, metrics, &cfg.Runs)
	if cfg.Secrets.File != "" {
		vault, err := secrets.NewVault(secrets.FileLoader(cfg.Secrets.File))
		if err != nil {
			return fmt.Errorf("load secrets: %w", err)
		}
		lifecycle.SetSecretResolver(secrets.NewVaultResolver(vault))
		go reloadOnHup(ctx, vault)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	gw := gateway.New(store, eventStore, lifecycle, broadcaster, metrics, &cfg.Gateway)
	lifecycle.SetCommander(gw)
	gw.Start(runCtx)

	// Scheduler tick runs on the cluster leader only.
	tick := service.NewTick(store, lifecycle, broadcaster, &cfg.Tick)
	elector := leader.New(func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}, cfg.Tick.LeaderRetry, tick.Start)
	elector.Start(runCtx)
	defer elector.Stop()

	// HTTP surface
	hub := ws.NewHub(bus)
	handlers := bfhttp.NewHandlers(lifecycle, store, eventStore, cfg, gw, natsUp)

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(5*time.Minute, 15*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(bfhttp.SecurityHeaders)
	r.Use(bfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(bfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(middleware.TenantID)
	r.Use(limiter.Handler)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.Recoverer)
	if queue != nil {
		kv, err := queue.KeyValue(ctx, "botforge-idempotency", 24*time.Hour)
		if err != nil {
			slog.Warn("jetstream kv unavailable, idempotency keys disabled", "error", err)
		} else {
			r.Use(middleware.Idempotency(kv))
		}
	}

	bfhttp.MountRoutes(r, handlers, gw.HandleWS, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reloadOnHup re-reads the secrets file when the process receives SIGHUP.
func reloadOnHup(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				slog.Error("secrets reload failed", "error", err)
			} else {
				slog.Info("secrets reloaded", "keys", vault.Size())
			}
		}
	}
}
