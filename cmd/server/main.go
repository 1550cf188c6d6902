// Package main is the entry point for the togglez edge server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Pick a backup store: PostgreSQL when DATABASE_URL is set (migrations
//     are applied on start), a directory when BACKUP_PATH is set.
//  3. Create the evaluation service and load the first generation, from
//     upstream or from the backup when upstream is unreachable.
//  4. Wire up edge API key validation.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers and
//     flush pending usage metrics.
//
// "togglez apikey create|list|revoke" manages database edge keys and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/togglez/internal/config"
	"github.com/matt-riley/togglez/internal/core"
	"github.com/matt-riley/togglez/internal/logging"
	"github.com/matt-riley/togglez/internal/metrics"
	"github.com/matt-riley/togglez/internal/middleware"
	"github.com/matt-riley/togglez/internal/repository"
	"github.com/matt-riley/togglez/internal/server"
	"github.com/matt-riley/togglez/internal/service"
	"github.com/matt-riley/togglez/internal/tracing"
	"github.com/matt-riley/togglez/internal/upstream"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	healthSyncInterval    = time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "apikey" {
		if err := runAPIKey(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := openBackend(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer backend.close()

	client := upstream.New(upstream.Config{
		BaseURL:     cfg.UpstreamURL,
		APIKey:      cfg.UpstreamAPIKey,
		AppName:     cfg.AppName,
		InstanceID:  cfg.InstanceID,
		Environment: cfg.Environment,
	})

	svcOpts := []service.Option{
		service.WithLogger(logging.Component(log, "service")),
		service.WithObserver(m),
		service.WithRefreshInterval(cfg.RefreshInterval),
		service.WithMetricsInterval(cfg.MetricsInterval),
		service.WithMetricsDisabled(cfg.DisableMetrics),
		service.WithInstanceID(cfg.InstanceID),
		service.WithStaticContext(core.Context{AppName: cfg.AppName, Environment: cfg.Environment}),
	}
	if backend.backups != nil {
		svcOpts = append(svcOpts, service.WithBackup(backend.backups))
	}
	svc, err := service.New(client, svcOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithRateLimiter(middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)),
	}
	validator := newTokenValidator(cfg.EdgeAPIKeys, backend.keys)
	if validator == nil {
		log.Warn("edge API authentication disabled; set EDGE_API_KEYS or DATABASE_URL to enable it")
	}

	httpOpts := []server.HTTPOption{
		server.WithMetrics(m),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	}
	if validator != nil {
		httpOpts = append(httpOpts, server.WithAuth(validator, authOpts...))
	}
	apiHandler := server.NewHTTPHandler(svc, httpOpts...)
	apiHandler = middleware.HTTPRequestLogging(logging.Component(log, "http"))(apiHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(apiHandler, "togglez-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(append(
		[]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())},
		grpcInterceptors(logging.Component(log, "grpc"), validator, m, authOpts)...,
	)...)
	server.RegisterEvaluationServer(grpcServer, server.NewGRPCServer(svc, server.WithGRPCMetrics(m)))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go server.SyncHealth(ctx, svc, healthServer, nil, healthSyncInterval)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"app_name", cfg.AppName,
		"environment", cfg.Environment,
		"instance_id", cfg.InstanceID,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")
	healthServer.Shutdown()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	// Waits for the final usage flush.
	svc.Wait()

	return serveErr
}

func grpcInterceptors(log *slog.Logger, validator middleware.TokenValidator, m *metrics.Metrics, authOpts []middleware.AuthOption) []grpc.ServerOption {
	unary := []grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(log)}
	stream := []grpc.StreamServerInterceptor{middleware.StreamRequestLoggingInterceptor(log)}
	if validator != nil {
		unary = append(unary, middleware.UnaryAuthInterceptor(validator, authOpts...))
		stream = append(stream, middleware.StreamAuthInterceptor(validator, authOpts...))
	}
	unary = append(unary, m.UnaryServerInterceptor())
	stream = append(stream, m.StreamServerInterceptor())

	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
}

// backend bundles the optional persistence layer.
type backend struct {
	backups service.BackupStore
	keys    middleware.HashLookup
	close   func()
}

func openBackend(ctx context.Context, cfg config.Config, m *metrics.Metrics) (backend, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, fmt.Errorf("connect postgres: %w", err)
		}
		if err := runMigrations(ctx, pool, slog.Default()); err != nil {
			pool.Close()
			return backend{}, err
		}
		metrics.RegisterBackupStoreMetrics(m.Registry, pool)

		repo := repository.NewPostgresRepository(pool)
		return backend{
			backups: repo,
			keys:    databaseKeyLookup(repo),
			close:   pool.Close,
		}, nil
	case cfg.BackupPath != "":
		return backend{
			backups: repository.NewFileRepository(cfg.BackupPath),
			close:   func() {},
		}, nil
	default:
		return backend{close: func() {}}, nil
	}
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// databaseKeyLookup adapts the repository so that a missing or revoked key
// lets the next lookup try.
func databaseKeyLookup(repo apiKeyHashLookup) middleware.HashLookup {
	return middleware.HashLookupFunc(func(ctx context.Context, keyID string) (string, error) {
		hash, err := repo.ValidateAPIKey(ctx, keyID)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", middleware.ErrUnknownKey
		}
		return hash, err
	})
}

// newTokenValidator returns nil when no key source is configured, which
// leaves the API open.
func newTokenValidator(static map[string]string, dbKeys middleware.HashLookup) middleware.TokenValidator {
	var lookups []middleware.HashLookup
	if len(static) > 0 {
		lookups = append(lookups, middleware.StaticKeys(static))
	}
	if dbKeys != nil {
		lookups = append(lookups, dbKeys)
	}
	if len(lookups) == 0 {
		return nil
	}
	return middleware.NewKeyValidator(lookups...)
}
