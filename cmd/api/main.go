package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supportchat_backend/internal/broadcast"
	"supportchat_backend/internal/chat"
	"supportchat_backend/internal/chat/service"
	apphttp "supportchat_backend/internal/http"
	"supportchat_backend/internal/http/router"
	"supportchat_backend/internal/notifier"
	"supportchat_backend/internal/responder"
	"supportchat_backend/internal/scheduler"
	"supportchat_backend/internal/whatsapp"
	"supportchat_backend/platform/config"
	"supportchat_backend/platform/db"
	"supportchat_backend/platform/logger"
	"supportchat_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, "migrations")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	rdb, err := scheduler.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	defer func() { _ = rdb.Close() }()

	// Broadcast pipeline: redis fan-out with a durable retry queue behind it.
	sink := broadcast.NewRedisSink(rdb, broadcast.DefaultChannel)
	retryQueue := broadcast.NewQueue(pool)
	dispatcher := broadcast.NewDispatcher(sink, retryQueue, log, cfg.GetBroadcastSyncAttempts(), cfg.GetBroadcastSyncDelay())

	hub := broadcast.NewHub(rdb, broadcast.DefaultChannel, log)
	go hub.Run(ctx)

	val := validator.New()

	var transport service.Transport
	if client := whatsapp.NewClient(cfg, log); client != nil {
		transport = client
		log.Info("whatsapp transport initialized", "url", cfg.GetWhatsAppURL())
	}

	var staffNotifier service.StaffNotifier
	if client := notifier.NewClient(cfg, log); client != nil {
		staffNotifier = client
		log.Info("push notifier initialized", "url", cfg.GetPushGatewayURL())
	}

	var generator responder.Generator
	if cfg.IsResponderEnabled() {
		gen, err := responder.NewGemini(ctx, cfg.GetResponderAPIKey(), cfg.GetResponderModel())
		if err != nil {
			log.Error("failed to initialize responder", "error", err)
			panic("failed to initialize responder: " + err.Error())
		}
		generator = gen
		log.Info("responder initialized", "model", cfg.GetResponderModel())
	} else {
		log.Warn("RESPONDER_API_KEY not configured; bot replies use the fallback message")
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	chatModule := chat.NewModule(pool, val, dispatcher, hub, generator, transport, staffNotifier, cfg, log)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config: cfg,
		Logger: log,
		Health: db.NewPoolAdapter(pool),
		Modules: []apphttp.Module{
			chatModule,
		},
	}

	engine := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownCtx
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
