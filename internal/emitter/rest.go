package emitter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/connectors"
	"github.com/dima1203oleg/predator-analytics/internal/domain"
)

// REST: те же данные хоста для polling fallback клиента.
type REST struct {
	sampler Sampler
	logger  *zap.Logger
	seq     atomic.Uint64
}

func NewREST(s Sampler, logger *zap.Logger) *REST {
	if s == nil {
		s = HostSampler{}
	}
	return &REST{sampler: s, logger: logger.With(zap.String("mod", "emitter-rest"))}
}

// Routes монтируются под базовый путь API.
func (h *REST) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get(connectors.PathAlerts, h.alerts)
	r.Get(connectors.PathCluster, h.cluster)
	r.Get(connectors.PathTargets, h.targets)
	r.Get(connectors.PathQueues, h.queues)
	r.Get(connectors.PathHealth, h.health)
	r.Get(connectors.PathLogTail, h.logTail)
	return r
}

func (h *REST) alerts(w http.ResponseWriter, r *http.Request) {
	cpu, mem, err := h.sampler.Sample(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	alerts := Pulse(cpu, mem, time.Now().UTC().Format(timeLayout)).Alerts
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	h.write(w, alerts)
}

func (h *REST) cluster(w http.ResponseWriter, r *http.Request) {
	cpu, mem, err := h.sampler.Sample(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	name, _ := os.Hostname()
	h.write(w, domain.ClusterStatus{
		Name:      "local",
		Status:    "healthy",
		Nodes:     []domain.ClusterNode{{Name: name, Role: "control-plane", Ready: true, CPU: cpu, Memory: mem}},
		PodsTotal: 1,
	})
}

func (h *REST) targets(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(timeLayout)
	h.write(w, []domain.Target{
		{ID: "omniscience", Endpoint: r.Host, Health: "up", LastSeen: now},
	})
}

func (h *REST) queues(w http.ResponseWriter, r *http.Request) {
	n := int64(h.seq.Load() % 50)
	h.write(w, []domain.QueueStats{
		{Name: "etl", Messages: n, Consumers: 2, Rate: float64(n) / 10},
		{Name: "reindex", Messages: 0, Consumers: 1},
	})
}

// health без anomaly_score: клиент посчитает синтетическую оценку сам.
func (h *REST) health(w http.ResponseWriter, r *http.Request) {
	cpu, mem, err := h.sampler.Sample(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.write(w, domain.HealthStatus{Status: "ok", CPUPercent: cpu, MemoryPercent: mem})
}

func (h *REST) logTail(w http.ResponseWriter, r *http.Request) {
	n := h.seq.Add(1)
	h.write(w, domain.LogRecord{
		Timestamp: time.Now().UTC().Format(timeLayout),
		Level:     "info",
		Service:   "omniscience",
		Message:   fmt.Sprintf("heartbeat #%d", n),
	})
}

func (h *REST) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *REST) fail(w http.ResponseWriter, err error) {
	h.logger.Error("host sampling failed", zap.Error(err))
	http.Error(w, "sampling failed", http.StatusInternalServerError)
}
