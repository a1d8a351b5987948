package emitter

/*
Emitter: локальный источник телеметрии для разработки.

Загрузка берётся с реальной машины (gopsutil), саги и аудит генерируются:
саги по кругу проходят шаги, аудит прирастает одной записью за такт.
Так клиент можно гонять end to end без настоящего бэкенда.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
)

// Sampler отдаёт текущую загрузку CPU и памяти в процентах.
type Sampler interface {
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// HostSampler читает загрузку хоста.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (float64, float64, error) {
	c, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu: %w", err)
	}
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("memory: %w", err)
	}
	var cpuPercent float64
	if len(c) > 0 {
		cpuPercent = c[0]
	}
	return cpuPercent, v.UsedPercent, nil
}

const (
	auditKeep    = 10
	alertCPU     = 85.0
	alertMemory  = 90.0
	timeLayout   = time.RFC3339
	sagaStepsNum = 4
)

var (
	sagaTypes   = []string{"etl", "reindex", "model-training"}
	sagaSteps   = []string{"extract", "transform", "load", "verify"}
	auditAction = []string{"deploy", "scale", "config.update", "login", "rollback"}
	auditActors = []string{"oleg", "ci-bot", "scheduler"}
)

// Generator собирает снапшоты. Безопасен для нескольких подключений.
type Generator struct {
	sampler Sampler
	now     func() time.Time

	mu     sync.Mutex
	tick   int
	audits []domain.AuditEntry
}

func NewGenerator(s Sampler) *Generator {
	if s == nil {
		s = HostSampler{}
	}
	return &Generator{sampler: s, now: time.Now}
}

// Next собирает очередной снапшот. Ошибка сэмплера не фатальна, system просто не попадёт в кадр.
func (g *Generator) Next(ctx context.Context) *domain.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tick++
	ts := g.now().UTC().Format(timeLayout)
	snap := &domain.Snapshot{
		Sagas:     g.sagas(ts),
		AuditLogs: g.nextAudit(ts),
	}

	cpuPercent, memPercent, err := g.sampler.Sample(ctx)
	if err != nil {
		return snap
	}

	snap.System = &domain.SystemMetrics{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Timestamp:     ts,
	}
	snap.Pulse = Pulse(cpuPercent, memPercent, ts)
	return snap
}

// Pulse: оценка здоровья 0..100 и алерты по порогам.
func Pulse(cpuPercent, memPercent float64, ts string) *domain.Pulse {
	score := 100 - (0.6*cpuPercent + 0.4*memPercent)
	if score < 0 {
		score = 0
	}

	p := &domain.Pulse{Score: score, Status: "healthy"}
	if cpuPercent >= alertCPU {
		p.Reasons = append(p.Reasons, "cpu saturation")
		p.Alerts = append(p.Alerts, domain.Alert{
			ID: "cpu-high", Severity: "critical", Source: "host", Timestamp: ts,
			Message: fmt.Sprintf("CPU at %.1f%%", cpuPercent),
		})
	}
	if memPercent >= alertMemory {
		p.Reasons = append(p.Reasons, "memory pressure")
		p.Alerts = append(p.Alerts, domain.Alert{
			ID: "mem-high", Severity: "warning", Source: "host", Timestamp: ts,
			Message: fmt.Sprintf("memory at %.1f%%", memPercent),
		})
	}
	if len(p.Alerts) > 0 {
		p.Status = "degraded"
	}
	return p
}

// sagas: каждая сага на своём шаге, шаг сдвигается каждый такт.
func (g *Generator) sagas(ts string) []domain.Saga {
	out := make([]domain.Saga, 0, len(sagaTypes))
	for i, typ := range sagaTypes {
		pos := (g.tick + i) % (sagaStepsNum + 1)
		saga := domain.Saga{
			ID:        fmt.Sprintf("saga-%s", typ),
			Type:      typ,
			Status:    "running",
			CreatedAt: ts,
		}
		for j, name := range sagaSteps {
			st := "pending"
			switch {
			case j < pos:
				st = "completed"
			case j == pos:
				st = "running"
			}
			saga.Steps = append(saga.Steps, domain.SagaStep{Name: name, Status: st})
		}
		if pos == sagaStepsNum {
			saga.Status = "completed"
		}
		out = append(out, saga)
	}
	return out
}

// nextAudit добавляет запись и отдаёт последние auditKeep, новые первыми.
func (g *Generator) nextAudit(ts string) []domain.AuditEntry {
	entry := domain.AuditEntry{
		ID:        uuid.NewString(),
		Action:    auditAction[g.tick%len(auditAction)],
		Actor:     auditActors[g.tick%len(auditActors)],
		Resource:  sagaTypes[g.tick%len(sagaTypes)],
		Status:    "success",
		Timestamp: ts,
	}
	g.audits = append([]domain.AuditEntry{entry}, g.audits...)
	if len(g.audits) > auditKeep {
		g.audits = g.audits[:auditKeep]
	}
	return append([]domain.AuditEntry(nil), g.audits...)
}
