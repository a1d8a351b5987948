package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
	"github.com/dima1203oleg/predator-analytics/internal/telemetry"
)

type fakeFetcher struct {
	alertsErr error
	healthFn  func(ctx context.Context) (*domain.HealthStatus, error)
	tailCalls atomic.Int32
}

func (f *fakeFetcher) Alerts(context.Context) ([]domain.Alert, error) {
	if f.alertsErr != nil {
		return nil, f.alertsErr
	}
	return []domain.Alert{{ID: "al-1"}}, nil
}

func (f *fakeFetcher) Cluster(context.Context) (*domain.ClusterStatus, error) {
	return &domain.ClusterStatus{Name: "prod"}, nil
}

func (f *fakeFetcher) Targets(context.Context) ([]domain.Target, error) {
	return []domain.Target{{ID: "t1"}}, nil
}

func (f *fakeFetcher) Queues(context.Context) ([]domain.QueueStats, error) {
	return []domain.QueueStats{{Name: "etl"}}, nil
}

func (f *fakeFetcher) Health(ctx context.Context) (*domain.HealthStatus, error) {
	if f.healthFn != nil {
		return f.healthFn(ctx)
	}
	return &domain.HealthStatus{Status: "ok", CPUPercent: 50, MemoryPercent: 50}, nil
}

func (f *fakeFetcher) TailLogs(context.Context) (*domain.LogRecord, error) {
	f.tailCalls.Add(1)
	return &domain.LogRecord{Message: "line"}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	updates []telemetry.Update
}

func (s *recordingSink) Apply(u telemetry.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return true
}

func (s *recordingSink) all() []telemetry.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Update(nil), s.updates...)
}

func (s *recordingSink) count(match func(telemetry.Update) bool) int {
	n := 0
	for _, u := range s.all() {
		if match(u) {
			n++
		}
	}
	return n
}

func TestPoller_FailuresAreIsolated(t *testing.T) {
	f := &fakeFetcher{alertsErr: errors.New("backend 502")}
	sink := &recordingSink{}
	metrics := infra.NewMetrics(nil)
	p := New(Config{Interval: time.Hour, TailInterval: time.Hour}, f, sink, zap.NewNop(), metrics)

	p.tick(context.Background())

	ups := sink.all()
	require.Len(t, ups, 4)
	assert.Zero(t, sink.count(func(u telemetry.Update) bool { return u.Alerts != nil }))
	assert.Equal(t, 1, sink.count(func(u telemetry.Update) bool { return u.Cluster != nil }))
	assert.Equal(t, 1, sink.count(func(u telemetry.Update) bool { return u.Targets != nil }))
	assert.Equal(t, 1, sink.count(func(u telemetry.Update) bool { return u.Queues != nil }))
	assert.Equal(t, 1, sink.count(func(u telemetry.Update) bool { return u.Metrics != nil }))
	for _, u := range ups {
		assert.Equal(t, telemetry.SourcePoller, u.Source)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PollErrors.WithLabelValues("alerts")))
}

func TestPoller_AllCallsShareTickTimestamp(t *testing.T) {
	sink := &recordingSink{}
	p := New(Config{}, &fakeFetcher{}, sink, zap.NewNop(), nil)

	before := time.Now()
	p.tick(context.Background())

	ups := sink.all()
	require.Len(t, ups, 5)
	for _, u := range ups {
		assert.Equal(t, ups[0].At, u.At)
		assert.False(t, u.At.Before(before))
	}
}

func TestPoller_NoUpdatesAfterStop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeFetcher{healthFn: func(context.Context) (*domain.HealthStatus, error) {
		close(started)
		<-release // ответ «висит в сети» и придёт уже после размонтирования
		return &domain.HealthStatus{CPUPercent: 99}, nil
	}}
	sink := &recordingSink{}
	p := New(Config{Interval: time.Hour, TailInterval: time.Hour}, f, sink, zap.NewNop(), nil)

	p.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	// Stop ждёт in-flight вызов
	select {
	case <-stopped:
		t.Fatal("Stop returned while a poll call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	assert.Zero(t, sink.count(func(u telemetry.Update) bool { return u.Metrics != nil }),
		"late health response must be discarded")

	n := len(sink.all())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.all(), n)
}

func TestPoller_LiveTailNeedsTabAndToggle(t *testing.T) {
	f := &fakeFetcher{}
	sink := &recordingSink{}
	p := New(Config{Interval: time.Hour, TailInterval: 10 * time.Millisecond}, f, sink, zap.NewNop(), nil)
	p.Start(context.Background())
	defer p.Stop()

	p.SetLiveTail(true, false)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, f.tailCalls.Load())

	p.SetLiveTail(true, true)
	require.Eventually(t, func() bool { return f.tailCalls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	p.SetLiveTail(false, true)
	time.Sleep(30 * time.Millisecond)
	calls := f.tailCalls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, f.tailCalls.Load())

	tab, enabled := p.LiveTail()
	assert.False(t, tab)
	assert.True(t, enabled)
	assert.Positive(t, sink.count(func(u telemetry.Update) bool { return u.Log != nil }))
}

func TestPoller_FirstTickIsImmediate(t *testing.T) {
	sink := &recordingSink{}
	p := New(Config{Interval: time.Hour, TailInterval: time.Hour}, &fakeFetcher{}, sink, zap.NewNop(), nil)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return len(sink.all()) == 5 }, time.Second, 5*time.Millisecond)
}

func TestPoller_HealthAnomalySource(t *testing.T) {
	p := New(Config{}, &fakeFetcher{}, &recordingSink{}, zap.NewNop(), nil)
	p.jitter = func() float64 { return 0 }

	u := p.healthUpdate(time.Now(), &domain.HealthStatus{CPUPercent: 50, MemoryPercent: 25})
	require.NotNil(t, u.Anomaly)
	assert.Equal(t, domain.AnomalyFromSimulated, u.Anomaly.Source)
	assert.InDelta(t, 0.4, u.Anomaly.Score, 1e-9)
	assert.Equal(t, 50.0, u.Metrics.CPUPercent)

	score := 0.77
	u = p.healthUpdate(time.Now(), &domain.HealthStatus{AnomalyScore: &score})
	assert.Equal(t, domain.AnomalyFromHealth, u.Anomaly.Source)
	assert.Equal(t, 0.77, u.Anomaly.Score)
}

func TestSyntheticAnomaly_Clamped(t *testing.T) {
	assert.Equal(t, 0.0, SyntheticAnomaly(0, 0, -0.05))
	assert.Equal(t, 1.0, SyntheticAnomaly(100, 100, 0.05))
	assert.InDelta(t, 0.6, SyntheticAnomaly(100, 0, 0), 1e-9)
	assert.InDelta(t, 0.45, SyntheticAnomaly(0, 100, 0.05), 1e-9)

	for cpu := 0.0; cpu <= 100; cpu += 12.5 {
		for mem := 0.0; mem <= 100; mem += 12.5 {
			s := SyntheticAnomaly(cpu, mem, 0.05)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
}

func TestPoller_StopWithoutStart(t *testing.T) {
	p := New(Config{}, &fakeFetcher{}, &recordingSink{}, zap.NewNop(), nil)
	p.Stop()
}
