package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/helpdesk-service/internal/api/http"
	"github.com/spec-kit/helpdesk-service/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk-service/internal/auth"
	"github.com/spec-kit/helpdesk-service/internal/config"
	"github.com/spec-kit/helpdesk-service/internal/events"
	"github.com/spec-kit/helpdesk-service/internal/id"
	"github.com/spec-kit/helpdesk-service/internal/idempotency"
	"github.com/spec-kit/helpdesk-service/internal/observability"
	"github.com/spec-kit/helpdesk-service/internal/persistence"
	"github.com/spec-kit/helpdesk-service/internal/ratelimit"
	"github.com/spec-kit/helpdesk-service/internal/repository"
	"github.com/spec-kit/helpdesk-service/internal/service"
	"github.com/spec-kit/helpdesk-service/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, event stream and SLA sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Printf("failed to init logger: %v", err)
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := id.Init(cfg.Tickets.SnowflakeNodeID); err != nil {
		return fmt.Errorf("init ticket id generator: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			return err
		}
	}

	redis, err := persistence.NewRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redis.Close()

	ticketRepo, userRepo := buildRepositories(pg)
	store := buildIdempotencyStore(cfg.Idempotency, redis, logger)
	limiter := buildLimiter(cfg.RateLimit, redis, logger)
	metrics := observability.NewMetrics()

	dispatcher := events.NewInMemoryDispatcher(logger)
	defer dispatcher.Close()
	worker.StartNotificationWorker(dispatcher, logger, cfg.Notification)

	ticketService := service.NewTicketService(service.TicketDependencies{
		TicketRepo:  ticketRepo,
		UserRepo:    userRepo,
		Idempotency: store,
		Publisher:   dispatcher,
		Logger:      logger.Named("tickets"),
		Config:      cfg.Tickets,
	})
	slaService := service.NewSLAService(service.SLADependencies{
		TicketRepo:    ticketRepo,
		Publisher:     dispatcher,
		Logger:        logger.Named("sla"),
		Config:        cfg.SLA,
		TicketsConfig: cfg.Tickets,
	})
	authService := service.NewAuthService(cfg.Auth, service.AuthDependencies{
		UserRepo:    userRepo,
		Idempotency: store,
		Logger:      logger.Named("auth"),
	})
	userService := service.NewUserService(userRepo, logger.Named("users"))

	sweeper := worker.NewSLASweeper(slaService, cfg.SLA.SweepInterval(), logger, metrics)
	go sweeper.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ErrorHandler: httptransport.ErrorHandler(logger, metrics),
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis, metrics),
		Users:          handlers.NewUsersHandler(authService, userService, cfg.Auth.CookieSecure),
		Tickets:        handlers.NewTicketsHandler(ticketService),
		Events:         handlers.NewEventsHandler(dispatcher, logger.Named("events")),
		AuthMiddleware: auth.NewAuthMiddleware(authService.TokenManager(), userRepo),
		Limiter:        limiter,
		Logger:         logger,
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		listenErr <- app.Listen(cfg.App.Addr())
	}()

	select {
	case err := <-listenErr:
		sweeper.Stop()
		return fmt.Errorf("fiber listen: %w", err)
	case sig := <-waitForShutdown():
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	sweeper.Stop()
	return nil
}

func buildRepositories(pg *persistence.Postgres) (repository.TicketRepository, repository.UserRepository) {
	if !pg.Enabled() {
		return repository.NewMemoryTicketRepository(), repository.NewMemoryUserRepository()
	}
	pool := pg.PoolHandle()
	return repository.NewTicketRepository(pool), repository.NewUserRepository(pool)
}

func buildIdempotencyStore(cfg config.IdempotencyConfig, redis *persistence.Redis, logger *zap.Logger) idempotency.Store {
	if cfg.Backend == config.BackendRedis && redis.Enabled() {
		logger.Info("idempotency records stored in redis", zap.Duration("ttl", cfg.TTL()))
		return idempotency.NewRedisStore(redis.Client, cfg.TTL())
	}
	return idempotency.NewMemoryStore(cfg.TTL(), time.Now)
}

func buildLimiter(cfg config.RateLimitConfig, redis *persistence.Redis, logger *zap.Logger) ratelimit.Limiter {
	if cfg.Backend == config.BackendRedis && redis.Enabled() {
		logger.Info("rate limit windows stored in redis",
			zap.Int("max_requests", cfg.MaxRequests),
			zap.Duration("window", cfg.Window()))
		return ratelimit.NewRedisLimiter(redis.Client, cfg.MaxRequests, cfg.Window())
	}
	return ratelimit.NewMemoryLimiter(cfg.MaxRequests, cfg.Window(), time.Now)
}

func waitForShutdown() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh
}
