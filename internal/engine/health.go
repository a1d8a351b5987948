package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ViewServicePrefix задаёт имя gRPC health-сервиса вида, "predator.view.<session>".
const ViewServicePrefix = "predator.view."

// Connectivity: то, что health знает о виде.
type Connectivity interface {
	Name() string
	Connected() bool
}

// HealthReporter транслирует состояние сокетов в стандартный gRPC health.
// Вид SERVING, пока его сокет подключён. Общий статус ("") SERVING, когда подключены все.
type HealthReporter struct {
	srv      *health.Server
	views    []Connectivity
	interval time.Duration
	logger   *zap.Logger

	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

func NewHealthReporter(srv *health.Server, interval time.Duration, logger *zap.Logger, views ...Connectivity) *HealthReporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &HealthReporter{
		srv:      srv,
		views:    views,
		interval: interval,
		logger:   logger.With(zap.String("mod", "health")),
		last:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

func (h *HealthReporter) Run(ctx context.Context) {
	h.Update()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Клиенты health должны увидеть NOT_SERVING до остановки сервера
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Update()
		}
	}
}

// Update выставляет статусы по текущему состоянию видов.
func (h *HealthReporter) Update() {
	all := len(h.views) > 0
	for _, v := range h.views {
		connected := v.Connected()
		all = all && connected
		h.set(ViewServicePrefix+v.Name(), connected)
	}
	h.set("", all)
}

func (h *HealthReporter) set(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if prev, ok := h.last[service]; ok && prev == status {
		return
	}
	h.last[service] = status
	h.srv.SetServingStatus(service, status)
	h.logger.Info("health status changed", zap.String("service", service), zap.String("status", status.String()))
}
