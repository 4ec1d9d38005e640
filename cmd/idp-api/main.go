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
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/singh-krishan/idp/internal/app/migrate"
	httpx "github.com/singh-krishan/idp/internal/http"
	"github.com/singh-krishan/idp/internal/metrics"
	"github.com/singh-krishan/idp/internal/provider"
	"github.com/singh-krishan/idp/internal/provider/argocd"
	"github.com/singh-krishan/idp/internal/provider/gitlab"
	"github.com/singh-krishan/idp/internal/provider/kube"
	"github.com/singh-krishan/idp/internal/provisioning"
	"github.com/singh-krishan/idp/internal/queue"
	"github.com/singh-krishan/idp/internal/repository"
	"github.com/singh-krishan/idp/internal/repository/memory"
	"github.com/singh-krishan/idp/internal/repository/postgres"
	"github.com/singh-krishan/idp/internal/service/project"
	"github.com/singh-krishan/idp/internal/service/recovery"
	"github.com/singh-krishan/idp/internal/template"
	"github.com/singh-krishan/idp/internal/ws"
	"github.com/singh-krishan/idp/pkg/config"
	"github.com/singh-krishan/idp/pkg/logger"
)

// store is the status store plus a readiness probe.
type store interface {
	repository.ProjectRepository
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("idp-api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open status store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var rdb redis.UniversalClient
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb, err = connectRedis(ctx, cfg)
		if err != nil {
			log.Warn("redis unavailable, falling back to in-process locks and rate limits", "addr", addr, "error", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	pipelineMetrics := metrics.NewPipeline(prometheus.DefaultRegisterer)

	providers, err := buildProviders(cfg, log)
	if err != nil {
		log.Error("failed to configure providers", "error", err)
		os.Exit(1)
	}
	providers = provider.Instrument(providers, pipelineMetrics)

	renderer, err := template.NewRenderer(template.DefaultCatalog(), template.Settings{
		ImageRegistry:  cfg.ImageRegistry,
		ImageNamespace: cfg.GitLabGroup,
		IngressDomain:  cfg.IngressDomain,
		Replicas:       cfg.MinReplicas,
	})
	if err != nil {
		log.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(log)
	defer hub.Close()

	orchestrator := provisioning.New(repo, renderer, providers, hub, pipelineMetrics, provisioning.ConfigFromAPI(cfg), log)

	var locker queue.Locker = queue.NewMemoryLocker()
	if rdb != nil {
		locker = queue.NewRedisLocker(rdb, "")
	}
	jobs := queue.New(orchestrator, locker, pipelineMetrics, queue.Options{
		Workers: cfg.WorkerCount,
		Size:    cfg.QueueSize,
		LockTTL: cfg.LockTTL,
	}, log)
	jobs.Start(ctx)

	sweeper, err := recovery.New(repo, jobs, cfg.RecoverySchedule, log)
	if err != nil {
		log.Error("invalid recovery schedule", "schedule", cfg.RecoverySchedule, "error", err)
		os.Exit(1)
	}
	go sweeper.Run(ctx)

	projectSvc := project.New(repo, renderer, jobs, orchestrator, pipelineMetrics, hub, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if rdb != nil {
		limiter.Close()
		limiter = httpx.NewRedisRateLimiter(rdb, log)
	}

	router := httpx.NewRouter(log, projectSvc, hub, limiter, httpx.Options{
		CreateRateLimit:    cfg.CreateRateLimit,
		SpecUploadMaxBytes: cfg.SpecUploadMaxBytes,
		Ready:              repo.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "workers", cfg.WorkerCount)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		jobs.Stop()
		log.Info("api server stopped")
	case err := <-errorCh:
		jobs.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "memory":
		log.Warn("using in-memory status store, projects are lost on restart")
		return memory.New(), func() {}, nil
	case "", "postgres":
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return nil, nil, fmt.Errorf("database ping: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		runner.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return postgres.New(pool), runner.Close, nil
}

func connectRedis(ctx context.Context, cfg config.APIConfig) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(cfg.RedisAddr, ","),
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func buildProviders(cfg config.APIConfig, log *slog.Logger) (provider.Set, error) {
	source, err := gitlab.New(gitlab.Config{
		BaseURL:     cfg.GitLabURL,
		Token:       cfg.GitLabToken,
		AuthorName:  cfg.GitAuthorName,
		AuthorEmail: cfg.GitAuthorEmail,
		Visibility:  cfg.RepoVisibility,
	}, log)
	if err != nil {
		return provider.Set{}, err
	}
	clients, err := kube.NewClients(cfg.Kubeconfig)
	if err != nil {
		return provider.Set{}, err
	}
	return provider.Set{
		Source: source,
		CI:     source,
		GitOps: argocd.New(clients.Dynamic, argocd.Options{
			Namespace: cfg.ArgoCDNamespace,
			Project:   cfg.GitOpsProject,
			Server:    cfg.ClusterServerURL,
		}, log),
		Health: kube.NewHealthReader(clients.Typed, log),
	}, nil
}
