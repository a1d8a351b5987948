package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedSnapshot = errors.New("malformed telemetry snapshot")
	ErrNotFound          = errors.New("entity not found")
)

// Snapshot: один кадр телеметрии, который сервер пушит в сокет.
// Все поля опциональны: отсутствующее поле не должно затирать состояние вида.
type Snapshot struct {
	Pulse       *Pulse          `json:"pulse,omitempty"`
	System      *SystemMetrics  `json:"system,omitempty"`
	Training    json.RawMessage `json:"training,omitempty"`
	AuditLogs   []AuditEntry    `json:"audit_logs,omitempty"`
	Sagas       []Saga          `json:"sagas,omitempty"`
	V25Realtime json.RawMessage `json:"v25Realtime,omitempty"`
}

// Pulse: агрегированное здоровье платформы.
type Pulse struct {
	Score   float64  `json:"score"` // 0..100, 100: всё хорошо
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
	Alerts  []Alert  `json:"alerts,omitempty"`
}

// SystemMetrics: загрузка узла. Timestamp оставляем строкой: бэкенд шлёт его в разных форматах.
type SystemMetrics struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	Timestamp         string  `json:"timestamp,omitempty"`
	ContainersRunning int     `json:"containers_running,omitempty"`
	ContainersTotal   int     `json:"containers_total,omitempty"`
}

type Alert struct {
	ID        string `json:"id"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Saga: распределённая транзакция, которую показывает вид.
type Saga struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Steps     []SagaStep `json:"steps,omitempty"`
	CreatedAt string     `json:"created_at,omitempty"`
}

type SagaStep struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type AuditEntry struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Actor     string          `json:"actor,omitempty"`
	Resource  string          `json:"resource,omitempty"`
	Status    string          `json:"status,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// FieldError: поле кадра, которое не разобралось и было пропущено.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e FieldError) Unwrap() error { return e.Err }

// DecodeSnapshot разбирает кадр из сокета. Верхний уровень обязан быть JSON-объектом,
// иначе ErrMalformedSnapshot. Каждое известное поле разбирается отдельно: поле
// неверного типа пропускается и попадает в skipped, остальные срезы остаются в кадре.
func DecodeSnapshot(data []byte) (snap *Snapshot, skipped []FieldError, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedSnapshot)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}

	snap = &Snapshot{}
	targets := []struct {
		name   string
		decode func(json.RawMessage) error
	}{
		{"pulse", func(r json.RawMessage) error { return decodeField(r, &snap.Pulse) }},
		{"system", func(r json.RawMessage) error { return decodeField(r, &snap.System) }},
		{"training", func(r json.RawMessage) error { return decodeField(r, &snap.Training) }},
		{"audit_logs", func(r json.RawMessage) error { return decodeField(r, &snap.AuditLogs) }},
		{"sagas", func(r json.RawMessage) error { return decodeField(r, &snap.Sagas) }},
		{"v25Realtime", func(r json.RawMessage) error { return decodeField(r, &snap.V25Realtime) }},
	}
	for _, t := range targets {
		raw, ok := fields[t.name]
		if !ok {
			continue
		}
		if err := t.decode(raw); err != nil {
			skipped = append(skipped, FieldError{Field: t.name, Err: err})
		}
	}
	return snap, skipped, nil
}

// decodeField пишет в dst только целиком разобранное значение.
func decodeField[T any](raw json.RawMessage, dst *T) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = v
	return nil
}
