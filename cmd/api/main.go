package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itkpi/hawkeye-central/internal/agent"
	"github.com/itkpi/hawkeye-central/internal/app/migrate"
	httpx "github.com/itkpi/hawkeye-central/internal/http"
	"github.com/itkpi/hawkeye-central/internal/repository"
	"github.com/itkpi/hawkeye-central/internal/repository/memory"
	"github.com/itkpi/hawkeye-central/internal/repository/postgres"
	"github.com/itkpi/hawkeye-central/internal/service/auth"
	"github.com/itkpi/hawkeye-central/internal/service/credential"
	"github.com/itkpi/hawkeye-central/internal/service/deploy"
	"github.com/itkpi/hawkeye-central/internal/service/node"
	"github.com/itkpi/hawkeye-central/internal/service/webhook"
	"github.com/itkpi/hawkeye-central/pkg/config"
	"github.com/itkpi/hawkeye-central/pkg/crypto"
	"github.com/itkpi/hawkeye-central/pkg/logger"
)

type store interface {
	repository.UserRepository
	repository.NodeRepository
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("storage unavailable", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	provider := crypto.NewProvider(cfg.WebhookSecretKey)
	codec := webhook.NewCodec(provider)

	hub := agent.NewHub(repo, provider, log, cfg)
	defer hub.Close()

	authSvc := auth.New(repo, log, cfg)
	nodeSvc := node.New(repo, repo, credential.New(repo, cfg.AgentLoginLength, cfg.AgentPasswordLen), provider, hub, log, cfg)
	deploySvc := deploy.New(repo, hub, codec, log, cfg)
	webhookSvc := webhook.New(repo, codec, hub, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if strings.TrimSpace(cfg.RateLimitRedisAddr) != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(cfg, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, nodeSvc, deploySvc, webhookSvc, hub, limiter, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "storage", cfg.StorageDriver, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Agent sessions are hijacked connections that Shutdown does not wait for.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(context.Context) error, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "memory":
		log.Warn("using in-memory storage; state is lost on restart")
		return memory.New(), nil, func() {}, nil
	case "", "postgres":
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if cfg.MigrateOnStart {
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
	}
	return postgres.New(pool), pool.Ping, pool.Close, nil
}
