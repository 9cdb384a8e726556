package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uncord-chat/uncord-server/internal/api"
	"github.com/uncord-chat/uncord-server/internal/category"
	"github.com/uncord-chat/uncord-server/internal/channel"
	"github.com/uncord-chat/uncord-server/internal/config"
	"github.com/uncord-chat/uncord-server/internal/gateway"
	"github.com/uncord-chat/uncord-server/internal/guild"
	"github.com/uncord-chat/uncord-server/internal/httputil"
	"github.com/uncord-chat/uncord-server/internal/member"
	"github.com/uncord-chat/uncord-server/internal/permission"
	"github.com/uncord-chat/uncord-server/internal/postgres"
	"github.com/uncord-chat/uncord-server/internal/presence"
	"github.com/uncord-chat/uncord-server/internal/role"
	"github.com/uncord-chat/uncord-server/internal/user"
	"github.com/uncord-chat/uncord-server/internal/valkey"
	"github.com/uncord-chat/uncord-server/internal/voice"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting Uncord Gateway")

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Initialise permission engine
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb)
	permResolver := permission.NewResolver(permStore, permCache, log.Logger)

	// Initialise guild-scoped repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	guildRepo := guild.NewPGRepository(db, log.Logger)
	channelRepo := channel.NewPGRepository(db, log.Logger)
	categoryRepo := category.NewPGRepository(db, log.Logger)
	roleRepo := role.NewPGRepository(db, log.Logger)
	memberRepo := member.NewPGRepository(db, log.Logger)
	presenceStore := presence.NewStore(rdb)
	voiceClient := voice.NewClient(cfg.VoiceCollaboratorURL, cfg.VoiceCollaboratorSharedKey)

	// Start background services with a shared cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	// Permission cache invalidation subscriber, restarted with backoff on disconnect.
	permSub := permission.NewSubscriber(permCache, rdb)
	go runWithBackoff(subCtx, "permission-cache-subscriber", permSub.Run)

	// Initialise gateway WebSocket hub and start its cross-process pub/sub subscriber with reconnection.
	sessionStore := gateway.NewSessionStore(rdb, cfg.GatewaySessionTTL, cfg.GatewayResumeWindow, cfg.GatewayReplayBufferSize)
	bus := gateway.NewBus(rdb, log.Logger)
	gatewayHub := gateway.NewHub(rdb, cfg, sessionStore, bus, permResolver,
		userRepo, guildRepo, channelRepo, categoryRepo, roleRepo, memberRepo,
		presenceStore, voiceClient, log.Logger)
	go runWithBackoff(subCtx, "gateway-hub", gatewayHub.Run)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Uncord Gateway",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(fiber.Map{"error": message})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/healthz"))
	}

	health := api.NewHealthHandler(db, redisPinger{client: rdb})
	app.Get("/healthz", health.Health)

	// Gateway WebSocket endpoint (unauthenticated; authentication happens inside the WebSocket via Identify/Resume).
	gatewayHandler := api.NewGatewayHandler(gatewayHub)
	app.Get("/api/v1/gateway", gatewayHandler.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		gatewayHub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	log.Debug().
		Uint64("alloc_mb", mem.Alloc/1024/1024).
		Uint64("sys_mb", mem.Sys/1024/1024).
		Uint64("heap_inuse_mb", mem.HeapInuse/1024/1024).
		Uint64("stack_inuse_mb", mem.StackInuse/1024/1024).
		Uint32("num_gc", mem.NumGC).
		Msg("Runtime memory stats")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
