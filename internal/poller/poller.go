package poller

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
	"github.com/dima1203oleg/predator-analytics/internal/telemetry"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultTailInterval = 2 * time.Second
)

// Fetcher: REST-источники polling fallback. Реализуется connectors.Client.
type Fetcher interface {
	Alerts(ctx context.Context) ([]domain.Alert, error)
	Cluster(ctx context.Context) (*domain.ClusterStatus, error)
	Targets(ctx context.Context) ([]domain.Target, error)
	Queues(ctx context.Context) ([]domain.QueueStats, error)
	Health(ctx context.Context) (*domain.HealthStatus, error)
	TailLogs(ctx context.Context) (*domain.LogRecord, error)
}

// Sink: единая точка записи в состояние вида.
type Sink interface {
	Apply(u telemetry.Update) bool
}

type Config struct {
	Interval     time.Duration
	TailInterval time.Duration
}

// Poller периодически тянет REST-срезы независимо от сокета.
// Каждый вызов изолирован: отказ одного не мешает остальным.
type Poller struct {
	cfg     Config
	fetch   Fetcher
	sink    Sink
	logger  *zap.Logger
	metrics *infra.Metrics
	jitter  func() float64

	logTabActive atomic.Bool
	liveTail     atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, fetch Fetcher, sink Sink, logger *zap.Logger, metrics *infra.Metrics) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TailInterval <= 0 {
		cfg.TailInterval = DefaultTailInterval
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Poller{
		cfg:     cfg,
		fetch:   fetch,
		sink:    sink,
		logger:  logger.With(zap.String("mod", "poller")),
		metrics: metrics,
		jitter:  func() float64 { return (rand.Float64() - 0.5) * 0.1 },
	}
}

// SetLiveTail: вкладка логов открыта и живой хвост включён. Хвост тянется только при обоих флагах.
func (p *Poller) SetLiveTail(tabActive, enabled bool) {
	p.logTabActive.Store(tabActive)
	p.liveTail.Store(enabled)
}

func (p *Poller) LiveTail() (tabActive, enabled bool) {
	return p.logTabActive.Load(), p.liveTail.Load()
}

// Start запускает оба таймера. Первый общий опрос: сразу, как при монтировании вида.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	// Токен жизненного цикла: всё, что вернулось после отмены, выбрасывается
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.loop(ctx, p.cfg.Interval, true, p.tick)
	go p.loop(ctx, p.cfg.TailInterval, false, p.tailTick)
}

// Stop отменяет токен и ждёт in-flight запросы. После возврата состояние вида больше не меняется.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, every time.Duration, immediate bool, fn func(context.Context)) {
	defer p.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	if immediate {
		fn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// tick делает один проход общего опроса. Вызовы идут параллельно, ошибки гасятся на месте.
func (p *Poller) tick(ctx context.Context) {
	// Метка берётся на старте опроса, поэтому поздний ответ не перетрёт свежий снапшот
	at := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		alerts, err := p.fetch.Alerts(gctx)
		if p.failed("alerts", err) {
			return nil
		}
		p.apply(ctx, telemetry.Update{Source: telemetry.SourcePoller, At: at, Alerts: alerts})
		return nil
	})
	g.Go(func() error {
		cluster, err := p.fetch.Cluster(gctx)
		if p.failed("cluster", err) {
			return nil
		}
		p.apply(ctx, telemetry.Update{Source: telemetry.SourcePoller, At: at, Cluster: cluster})
		return nil
	})
	g.Go(func() error {
		targets, err := p.fetch.Targets(gctx)
		if p.failed("targets", err) {
			return nil
		}
		p.apply(ctx, telemetry.Update{Source: telemetry.SourcePoller, At: at, Targets: targets})
		return nil
	})
	g.Go(func() error {
		queues, err := p.fetch.Queues(gctx)
		if p.failed("queues", err) {
			return nil
		}
		p.apply(ctx, telemetry.Update{Source: telemetry.SourcePoller, At: at, Queues: queues})
		return nil
	})
	g.Go(func() error {
		health, err := p.fetch.Health(gctx)
		if p.failed("health", err) {
			return nil
		}
		p.apply(ctx, p.healthUpdate(at, health))
		return nil
	})

	_ = g.Wait()
}

func (p *Poller) tailTick(ctx context.Context) {
	if !p.logTabActive.Load() || !p.liveTail.Load() {
		return
	}
	at := time.Now()
	rec, err := p.fetch.TailLogs(ctx)
	if p.failed("logs", err) {
		return
	}
	p.apply(ctx, telemetry.Update{Source: telemetry.SourcePoller, At: at, Log: rec})
}

func (p *Poller) healthUpdate(at time.Time, h *domain.HealthStatus) telemetry.Update {
	u := telemetry.Update{
		Source: telemetry.SourcePoller,
		At:     at,
		Metrics: &domain.SystemMetrics{
			CPUPercent:    h.CPUPercent,
			MemoryPercent: h.MemoryPercent,
		},
	}
	if h.AnomalyScore != nil {
		u.Anomaly = &telemetry.AnomalyReading{Score: *h.AnomalyScore, Source: domain.AnomalyFromHealth}
	} else {
		u.Anomaly = &telemetry.AnomalyReading{
			Score:  SyntheticAnomaly(h.CPUPercent, h.MemoryPercent, p.jitter()),
			Source: domain.AnomalyFromSimulated,
		}
	}
	return u
}

func (p *Poller) failed(endpoint string, err error) bool {
	if err == nil {
		return false
	}
	p.metrics.PollErrors.WithLabelValues(endpoint).Inc()
	p.logger.Warn("poll call failed", zap.String("endpoint", endpoint), zap.Error(err))
	return true
}

// apply пишет в состояние, только пока токен жизненного цикла жив.
func (p *Poller) apply(ctx context.Context, u telemetry.Update) {
	if ctx.Err() != nil {
		return
	}
	p.sink.Apply(u)
}

// SyntheticAnomaly считает суррогат оценки, когда бэкенд её не даёт: 0.6·cpu + 0.4·mem + jitter, в [0, 1].
func SyntheticAnomaly(cpuPercent, memPercent, jitter float64) float64 {
	score := 0.6*cpuPercent/100 + 0.4*memPercent/100 + jitter
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
