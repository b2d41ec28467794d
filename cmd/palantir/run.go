package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/affinity"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/cloudauth"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/pipeline"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/response"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/tokencount"
	"github.com/eugener/palantir/internal/userstore"
	"github.com/eugener/palantir/internal/userstore/sqlite"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// User store over SQLite
	backend, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer backend.Close()

	users := userstore.New(backend, userstore.Options{
		MaxIPs:     cfg.Users.MaxIPs,
		AutoBan:    cfg.Users.AutoBan,
		PurgeAfter: cfg.Users.PurgeAfter,
	})
	if err := users.Load(ctx); err != nil {
		return err
	}
	slog.Info("users loaded", "count", users.Len())

	// Credential pool
	creds, err := config.SeedCredentials(cfg)
	if err != nil {
		return err
	}
	router := affinity.NewRouter()
	pool := keypool.New(router, creds...)
	slog.Info("credentials seeded", "count", len(creds))

	// Shared upstream HTTP client with cached DNS
	client := &http.Client{Transport: pipeline.NewTransport(&dnscache.Resolver{})}

	// Telemetry
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate, version)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Scheduler and pipeline
	q := queue.New(pool, queue.Options{MaxConcurrent: cfg.Queue.MaxConcurrent})

	// Key state changes wake the scheduler; lockouts clearing should not
	// wait out the idle timer.
	pool.OnStateChange(func() {
		q.Kick()
		if metrics == nil {
			return
		}
		for _, svc := range proxy.AllServices {
			available := 0
			for _, c := range pool.Snapshot(svc) {
				if !c.IsDisabled && !c.IsRevoked {
					available++
				}
			}
			metrics.KeysAvailable.WithLabelValues(string(svc)).Set(float64(available))
		}
	})
	// Token counting: Anthropic admission counts come from the provider's
	// free count_tokens endpoint, borrowing a live pool key per call; every
	// other service uses the byte heuristic.
	counter := tokencount.NewCounter()
	counter.RegisterNative(proxy.ServiceAnthropic, tokencount.NewAnthropicCounter(client, "", func() (string, bool) {
		for _, c := range pool.Snapshot(proxy.ServiceAnthropic) {
			if !c.IsDisabled && !c.IsRevoked {
				return c.Secret, true
			}
		}
		return "", false
	}))

	rh := response.NewHandler(pool, users, slog.Default())
	pipe := pipeline.New(pool, users, q, counter, rh, client, slog.Default())
	for svc, target := range cfg.Targets {
		pipe.Targets[proxy.Service(svc)] = target
	}

	// Front door
	tokenAuth := auth.NewTokenAuth(users)
	tokenAuth.ProxyPassword = cfg.Auth.ProxyPassword

	handler, err := server.New(server.Deps{
		Auth:       tokenAuth,
		Users:      users,
		Pool:       pool,
		Queue:      q,
		Pipeline:   pipe,
		Services:   proxy.AllServices,
		AdminKey:   cfg.Auth.AdminKey,
		LogPrompts: cfg.LogPrompts,
		Metrics:    metrics,
		ReadyCheck: backend.Ping,
	})
	if err != nil {
		return err
	}

	// Background workers
	runner := worker.NewRunner(
		worker.NewKeyCheckWorker(pool, cfg.Workers.KeyCheckInterval,
			keypool.NewOpenAIChecker(client, ""),
			keypool.NewAnthropicChecker(client, ""),
			keypool.NewGoogleChecker(client, ""),
			keypool.NewOpenRouterChecker(client, ""),
			keypool.NewAWSChecker(client),
			keypool.NewGCPChecker(cloudauth.FetchGCPToken),
		),
		worker.NewUserFlushWorker(users, cfg.Workers.FlushInterval),
		worker.NewQuotaRefreshWorker(users, cfg.Workers.QuotaRefresh),
		worker.NewCleanupWorker(users, router),
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()
	go func() {
		if err := q.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("queue stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop the workers last; the flush worker writes pending usage on exit.
	stopWorkers()
	if err := <-workerErr; err != nil {
		return err
	}

	slog.Info("palantir stopped")
	return nil
}
