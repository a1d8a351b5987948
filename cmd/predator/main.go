package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dima1203oleg/predator-analytics/internal/audit"
	"github.com/dima1203oleg/predator-analytics/internal/connectors"
	"github.com/dima1203oleg/predator-analytics/internal/console/server"
	"github.com/dima1203oleg/predator-analytics/internal/engine"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
	"github.com/dima1203oleg/predator-analytics/internal/infra/auth"
	"github.com/dima1203oleg/predator-analytics/internal/poller"
	"github.com/dima1203oleg/predator-analytics/internal/repository/postgres"
	"github.com/dima1203oleg/predator-analytics/internal/stream"
	"github.com/dima1203oleg/predator-analytics/internal/telemetry"
)

const sessionName = "main"

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("predator view backend failed", zap.Error(err))
	}
	logger.Info("predator view backend exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла: SIGINT/SIGTERM отменяет всё фоновое
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	// 2. REST polling fallback: транспорт -> надёжность -> типизированный клиент
	requester, err := connectors.NewHTTPRequester(cfg.API.BaseURL, cfg.API.BasePath, cfg.API.Token, cfg.API.Timeout)
	if err != nil {
		return err
	}
	safeRequester := connectors.NewReliabilityWrapper(requester, connectors.ReliabilitySettings{
		RPS:         cfg.API.RPS,
		MaxRequests: cfg.API.CBMaxRequests,
		Interval:    cfg.API.CBInterval,
		Timeout:     cfg.API.CBTimeout,
		Attempts:    cfg.API.RetryAttempts,
		CallTimeout: cfg.API.Timeout,
	}, logger, metrics)
	client := connectors.NewClient(safeRequester)

	// 3. Адрес сокета
	wsURL := cfg.Telemetry.URL
	if wsURL == "" {
		wsURL, err = stream.Endpoint(cfg.Telemetry.Origin, cfg.Telemetry.DevHost, cfg.Telemetry.Path)
		if err != nil {
			return fmt.Errorf("telemetry endpoint: %w", err)
		}
	}

	selection, err := telemetry.ParseSelectionPolicy(cfg.Telemetry.Selection)
	if err != nil {
		return err
	}
	reconcile, err := telemetry.ParseReconcileMode(cfg.Telemetry.Reconcile)
	if err != nil {
		return err
	}

	// 4. Архив аудита (опционально)
	var archive *audit.Archive
	if cfg.Database.URL != "" {
		repo, err := postgres.NewAuditRepo(cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer repo.Close()

		pingCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		err = repo.Ping(pingCtx)
		if err == nil {
			err = repo.EnsureSchema(pingCtx)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}

		archive, err = audit.NewArchive(repo, audit.Options{
			Session:       sessionName,
			BatchSize:     cfg.Database.BatchSize,
			FlushInterval: cfg.Database.FlushInterval,
		}, logger, metrics)
		if err != nil {
			return err
		}
	}

	// 5. Вид: сокет + слияние + опрос
	session, err := engine.NewSession(engine.SessionConfig{
		Name: sessionName,
		Stream: stream.Config{
			URL:            wsURL,
			ReconnectDelay: cfg.Telemetry.ReconnectDelay,
		},
		Poller: poller.Config{
			Interval:     cfg.Poller.Interval,
			TailInterval: cfg.Poller.TailInterval,
		},
		Store: telemetry.Options{
			SeriesCapacity: cfg.Telemetry.SeriesCapacity,
			LogCapacity:    cfg.Poller.LogCapacity,
			Selection:      selection,
			Reconcile:      reconcile,
		},
	}, engine.SessionDeps{
		Fetcher: client,
		Archive: archive,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	if err := session.Mount(appCtx); err != nil {
		return err
	}
	defer session.Unmount()

	logger.Info("view mounted",
		zap.String("socket", wsURL),
		zap.String("api", cfg.API.BaseURL+cfg.API.BasePath),
		zap.String("selection", string(selection)),
		zap.String("reconcile", string(reconcile)),
		zap.Bool("audit_archive", archive != nil))

	g, gctx := errgroup.WithContext(appCtx)

	// 6. Зеркало в Redis (опционально)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		mirror := engine.NewMirror(rdb, session, cfg.Redis.TTL, cfg.Redis.Interval, logger)
		g.Go(func() error {
			mirror.Run(gctx)
			return nil
		})
	}

	// 7. HTTP API вида
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewRS256Validator(pub)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewViewServer(cfg.API.BasePath, logger, session, validator, reg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		logger.Info("view API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	// 8. gRPC health: SERVING, пока сокет подключён
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reporter := engine.NewHealthReporter(healthSrv, time.Second, logger, session)

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}
	g.Go(func() error {
		logger.Info("gRPC health started", zap.String("addr", lis.Addr().String()))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})

	// 9. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("predator view backend stopping...")

		// Даем 5 секунд на завершение запросов
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
