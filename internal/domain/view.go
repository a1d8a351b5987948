package domain

import "encoding/json"

// Источник оценки аномальности.
type AnomalySource string

const (
	AnomalyFromPulse     AnomalySource = "pulse"
	AnomalyFromHealth    AnomalySource = "health"
	AnomalyFromSimulated AnomalySource = "simulated" // синтетика, не реальная телеметрия
)

// ResourcePoint: одна точка скользящего окна загрузки.
type ResourcePoint struct {
	Time   string  `json:"time"` // HH:MM:SS
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`

	// SimulatedLogRate заполняется заглушкой, реального log-rate бэкенд не присылает.
	SimulatedLogRate float64 `json:"simulated_log_rate"`
}

// ViewState: всё, что видит дашборд. Отдаётся копией.
type ViewState struct {
	Connected bool `json:"connected"`

	Metrics       *SystemMetrics  `json:"metrics,omitempty"`
	Series        []ResourcePoint `json:"series"`
	Alerts        []Alert         `json:"alerts"`
	AnomalyScore  float64         `json:"anomaly_score"`
	AnomalySource AnomalySource   `json:"anomaly_source,omitempty"`

	Sagas         []Saga       `json:"sagas"`
	SelectedSaga  *Saga        `json:"selected_saga,omitempty"`
	AuditLogs     []AuditEntry `json:"audit_logs"`
	SelectedAudit *AuditEntry  `json:"selected_audit,omitempty"`

	Training json.RawMessage `json:"training,omitempty"`
	Realtime json.RawMessage `json:"v25_realtime,omitempty"`

	Cluster *ClusterStatus `json:"cluster,omitempty"`
	Queues  []QueueStats   `json:"queues"`
	Targets []Target       `json:"targets"`
	Logs    []LogRecord    `json:"logs"`

	Version uint64 `json:"version"`
}
