// Command omniscience поднимает локальный источник телеметрии для разработки:
// сокет снапшотов и REST эндпоинты polling fallback на одном порту.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/emitter"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sampler := emitter.HostSampler{}
	path := cfg.Telemetry.Path
	if path == "" {
		path = "/api/v25/ws/omniscience"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(path, emitter.NewHandler(emitter.NewGenerator(sampler), cfg.Emitter.Interval, logger))
	r.Mount(cfg.API.BasePath, emitter.NewREST(sampler, logger).Routes())

	srv := &http.Server{
		Addr:    cfg.Emitter.Addr,
		Handler: r,
		// Сокеты после upgrade сервер не отслеживает: закрываем их через базовый контекст
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("omniscience emitter started",
			zap.String("addr", srv.Addr),
			zap.String("socket", path),
			zap.String("api", cfg.API.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("omniscience emitter stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
