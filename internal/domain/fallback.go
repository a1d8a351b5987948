package domain

// Модели REST-эндпоинтов, которые опрашивает polling fallback.

type ClusterStatus struct {
	Name       string        `json:"name"`
	Status     string        `json:"status"`
	Nodes      []ClusterNode `json:"nodes"`
	PodsTotal  int           `json:"pods_total"`
	PodsFailed int           `json:"pods_failed"`
}

type ClusterNode struct {
	Name   string  `json:"name"`
	Role   string  `json:"role"`
	Ready  bool    `json:"ready"`
	CPU    float64 `json:"cpu_percent"`
	Memory float64 `json:"memory_percent"`
}

// Target: цель мониторинга (scrape target).
type Target struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Health   string `json:"health"`
	LastSeen string `json:"last_seen,omitempty"`
}

type QueueStats struct {
	Name      string  `json:"name"`
	Messages  int64   `json:"messages"`
	Consumers int     `json:"consumers"`
	Rate      float64 `json:"rate"`
}

// HealthStatus: ответ /system/health. AnomalyScore бэкенд отдаёт не всегда.
type HealthStatus struct {
	Status        string   `json:"status"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	AnomalyScore  *float64 `json:"anomaly_score,omitempty"`
}

type LogRecord struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Service   string `json:"service"`
	Message   string `json:"message"`
}
