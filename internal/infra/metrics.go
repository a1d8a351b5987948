package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Socket: состояние соединения (0 - нет связи, 1 - подключено)
	SocketConnected *prometheus.GaugeVec

	// Socket: попытки подключения (первое + все переподключения)
	ConnectAttempts *prometheus.CounterVec

	// Socket: принятые кадры и выброшенные битые
	MessagesReceived  *prometheus.CounterVec
	MalformedMessages *prometheus.CounterVec

	// Polling: отказы по эндпоинтам
	PollErrors *prometheus.CounterVec

	// Merger: устаревшие обновления, которые срез не принял
	StaleUpdates *prometheus.CounterVec

	// Saturation: заполненность скользящего окна
	SeriesLength *prometheus.GaugeVec

	// Состояние Circuit Breaker REST-клиента (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Архив аудита: записано в хранилище и отброшено при переполнении
	AuditArchived prometheus.Counter
	AuditDropped  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SocketConnected: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "predator_socket_connected",
			Help: "Whether the telemetry socket of a view is connected (0/1).",
		}, []string{"session"}),

		ConnectAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "predator_socket_connect_attempts_total",
			Help: "Total number of telemetry socket connection attempts.",
		}, []string{"session"}),

		MessagesReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "predator_socket_messages_total",
			Help: "Total number of snapshots received over the telemetry socket.",
		}, []string{"session"}),

		MalformedMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "predator_socket_malformed_messages_total",
			Help: "Total number of socket frames discarded as malformed.",
		}, []string{"session"}),

		PollErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "predator_poll_errors_total",
			Help: "Total number of failed polling calls by endpoint.",
		}, []string{"endpoint"}),

		StaleUpdates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "predator_stale_updates_total",
			Help: "Updates rejected because a newer value was already applied.",
		}, []string{"source", "slice"}),

		SeriesLength: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "predator_series_length",
			Help: "Current length of the resource usage sliding window.",
		}, []string{"session"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "predator_circuit_breaker_state",
			Help: "Current state of the REST circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),

		AuditArchived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "predator_audit_archived_total",
			Help: "Audit entries written to the archive.",
		}),

		AuditDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "predator_audit_dropped_total",
			Help: "Audit entries dropped because the archive buffer was full.",
		}),
	}
}
