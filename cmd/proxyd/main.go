package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/VenkatGGG/proxylease/internal/api"
	"github.com/VenkatGGG/proxylease/internal/audit"
	"github.com/VenkatGGG/proxylease/internal/cleanup"
	"github.com/VenkatGGG/proxylease/internal/config"
	"github.com/VenkatGGG/proxylease/internal/fortigate"
	"github.com/VenkatGGG/proxylease/internal/lease"
	"github.com/VenkatGGG/proxylease/internal/proxy"
	"github.com/VenkatGGG/proxylease/internal/reconcile"
)

var version = "dev"

func main() {
	cfg := config.Load()
	config.BindFlags(pflag.CommandLine, &cfg)
	pflag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("proxyd failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		zap.String("fortigate", cfg.FortiGateHost),
		zap.String("group", cfg.AddressGroup),
		zap.Duration("lease_duration", cfg.LeaseDuration),
		zap.String("timezone", loc.String()),
		zap.String("audit_backend", cfg.AuditBackend),
	)

	store, closeStore, err := openAuditStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer closeStore()
	journal := audit.NewJournal(store, logger.Named("audit"))

	firewall := fortigate.NewHTTPClient(fortigate.HTTPClientConfig{
		Host:      cfg.FortiGateHost,
		Token:     cfg.FortiGateToken,
		VerifyTLS: cfg.FortiGateVerifyTLS,
		Timeout:   cfg.FortiGateTimeout,
	})
	link := fortigate.NewLink(firewall)
	registry := lease.NewRegistry()

	// The scheduler feeds the worker and the worker cancels expiries; no timer
	// can fire before the worker is assigned below.
	var worker *cleanup.Worker
	clk := clock.RealClock{}
	scheduler := lease.NewScheduler(clk, loc, func(clientID string) {
		if err := worker.Enqueue(cleanup.Request{ClientID: clientID}); err != nil {
			logger.Warn("expiry dropped", zap.String("client_id", clientID), zap.Error(err))
		}
	}, logger.Named("scheduler"))
	worker = cleanup.NewWorker(link, registry, journal, cleanup.Config{
		Group:    cfg.AddressGroup,
		Expiries: scheduler,
	}, logger.Named("cleanup"))

	reconciler := reconcile.New(link, registry, scheduler, journal, reconcile.Config{
		Group:         cfg.AddressGroup,
		NamePrefix:    cfg.LeaseNamePrefix,
		LeaseDuration: cfg.LeaseDuration,
	}, logger.Named("reconcile"))
	report, err := reconciler.Run(ctx)
	if err != nil {
		// The service still starts; connect retries the link lazily.
		logger.Error("startup reconciliation failed", zap.Error(err))
	} else {
		logger.Info("startup reconciliation complete",
			zap.String("mode", string(report.Mode)),
			zap.Bool("skipped", report.Skipped),
			zap.Int("synced", report.Synced),
		)
	}

	service := proxy.NewService(proxy.Dependencies{
		Link:      link,
		Registry:  registry,
		Scheduler: scheduler,
		Worker:    worker,
		Journal:   journal,
		Clock:     clk,
		Logger:    logger.Named("proxy"),
	}, proxy.Config{
		Host:          cfg.FortiGateHost,
		Group:         cfg.AddressGroup,
		NamePrefix:    cfg.LeaseNamePrefix,
		LeaseDuration: cfg.LeaseDuration,
	})

	server := api.NewServer(service, journal, api.NewMetrics(service), api.Options{
		Host:               cfg.FortiGateHost,
		Group:              cfg.AddressGroup,
		LeaseDuration:      cfg.LeaseDuration,
		APIKey:             cfg.APIKey,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustForwardedFor:  cfg.TrustForwardedFor,
		StaticDir:          cfg.StaticDir,
		Version:            version,
	}, logger.Named("api"))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// The worker outlives the signal context so queued revocations still run.
	// It is not part of the group: shutdown bounds how long it may drain.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()
	go worker.Run(workerCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("proxyd listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown(httpServer, scheduler, worker, stopWorker, cfg.ShutdownTimeout, logger)
	})

	return g.Wait()
}

// shutdown stops intake first, then lets the worker drain what is queued.
func shutdown(httpServer *http.Server, scheduler *lease.Scheduler, worker *cleanup.Worker, stopWorker context.CancelFunc, timeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	scheduler.Stop()
	stopWorker()

	select {
	case <-worker.Done():
		logger.Info("cleanup queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cleanup queue not drained within %s: %d pending", timeout, worker.Len())
	}
}

func openAuditStore(ctx context.Context, cfg config.Config) (audit.Store, func(), error) {
	switch cfg.AuditBackend {
	case config.AuditRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return audit.NewRedisStore(client, "proxylease:audit", int64(cfg.AuditRetain)), func() { _ = client.Close() }, nil
	case config.AuditPostgres:
		store, err := audit.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return audit.NewInMemoryStore(cfg.AuditRetain), func() {}, nil
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}
