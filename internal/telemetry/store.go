package telemetry

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
)

// Source: кто прислал обновление.
type Source string

const (
	SourceSocket Source = "socket"
	SourcePoller Source = "poller"
)

// SelectionPolicy определяет поведение выбранной саги/записи аудита при замене списка.
type SelectionPolicy string

const (
	// SelectionSticky: выбор не трогаем, даже если такого id в новом списке нет.
	SelectionSticky SelectionPolicy = "sticky"
	// SelectionRevalidate: пропавший из списка выбор сбрасываем, дальше работает автовыбор.
	SelectionRevalidate SelectionPolicy = "revalidate"
)

// ReconcileMode определяет разрешение конфликтов между сокетом и поллером.
type ReconcileMode string

const (
	// ReconcileNewestWins: срез принимает обновление только со строго более новой меткой.
	ReconcileNewestWins ReconcileMode = "newest_wins"
	// ReconcileLastApplied: побеждает последний применённый, без учёта свежести.
	ReconcileLastApplied ReconcileMode = "last_applied"
)

const (
	DefaultSeriesCapacity = 20
	DefaultLogCapacity    = 200
)

// Срезы состояния, у каждого своя метка последнего применения.
const (
	sliceMetrics  = "metrics"
	sliceAlerts   = "alerts"
	sliceAnomaly  = "anomaly"
	sliceSagas    = "sagas"
	sliceAudits   = "audits"
	sliceTraining = "training"
	sliceRealtime = "realtime"
	sliceCluster  = "cluster"
	sliceQueues   = "queues"
	sliceTargets  = "targets"
)

// AnomalyReading: оценка аномальности вместе с её происхождением.
type AnomalyReading struct {
	Score  float64
	Source domain.AnomalySource
}

// Update: единая точка входа для всех писателей в состояние вида.
// Nil-поля означают «нет данных» и ничего не затирают.
type Update struct {
	Source Source
	At     time.Time

	Snapshot *domain.Snapshot

	// Поля polling fallback
	Metrics *domain.SystemMetrics // без точки в окне: окно питается только сокетом
	Alerts  []domain.Alert
	Anomaly *AnomalyReading
	Cluster *domain.ClusterStatus
	Queues  []domain.QueueStats
	Targets []domain.Target
	Log     *domain.LogRecord
}

type Options struct {
	SeriesCapacity int
	LogCapacity    int
	Selection      SelectionPolicy
	Reconcile      ReconcileMode

	// LogRate генерирует синтетический log-rate для точки окна.
	LogRate func() float64
	// OnRejected вызывается, когда срез отверг устаревшее обновление.
	OnRejected func(src Source, slice string)
}

func simulatedLogRate() float64 {
	return 100 + rand.Float64()*50
}

// Store: состояние одного вида. Все писатели ходят через Apply.
type Store struct {
	mu   sync.RWMutex
	opts Options

	connected bool
	version   uint64
	stamps    map[string]time.Time

	metrics       *domain.SystemMetrics
	series        *Window[domain.ResourcePoint]
	alerts        []domain.Alert
	anomaly       float64
	anomalySource domain.AnomalySource

	sagas         []domain.Saga
	selectedSaga  *domain.Saga
	audits        []domain.AuditEntry
	selectedAudit *domain.AuditEntry

	training json.RawMessage
	realtime json.RawMessage

	cluster *domain.ClusterStatus
	queues  []domain.QueueStats
	targets []domain.Target
	logs    *Window[domain.LogRecord]
}

func NewStore(opts Options) *Store {
	if opts.SeriesCapacity <= 0 {
		opts.SeriesCapacity = DefaultSeriesCapacity
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}
	if opts.Selection == "" {
		opts.Selection = SelectionSticky
	}
	if opts.Reconcile == "" {
		opts.Reconcile = ReconcileNewestWins
	}
	if opts.LogRate == nil {
		opts.LogRate = simulatedLogRate
	}
	return &Store{
		opts:   opts,
		stamps: make(map[string]time.Time),
		series: NewWindow[domain.ResourcePoint](opts.SeriesCapacity),
		logs:   NewWindow[domain.LogRecord](opts.LogCapacity),
	}
}

// ParseSelectionPolicy / ParseReconcileMode: для значений из конфига.
func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch p := SelectionPolicy(s); p {
	case SelectionSticky, SelectionRevalidate:
		return p, nil
	case "":
		return SelectionSticky, nil
	}
	return "", fmt.Errorf("unknown selection policy %q", s)
}

func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch m := ReconcileMode(s); m {
	case ReconcileNewestWins, ReconcileLastApplied:
		return m, nil
	case "":
		return ReconcileNewestWins, nil
	}
	return "", fmt.Errorf("unknown reconcile mode %q", s)
}

// accept решает, может ли срез принять обновление. Вызывается под mu.
func (s *Store) accept(slice string, u Update) bool {
	if s.opts.Reconcile == ReconcileLastApplied {
		s.stamps[slice] = u.At
		return true
	}
	last, seen := s.stamps[slice]
	if seen && !u.At.After(last) {
		if s.opts.OnRejected != nil {
			s.opts.OnRejected(u.Source, slice)
		}
		return false
	}
	s.stamps[slice] = u.At
	return true
}

// Apply сливает частичное обновление в состояние. Возвращает true, если что-то поменялось.
func (s *Store) Apply(u Update) bool {
	if u.At.IsZero() {
		u.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if u.Snapshot != nil {
		changed = s.applySnapshot(u) || changed
	}

	if u.Metrics != nil && s.accept(sliceMetrics, u) {
		m := *u.Metrics
		s.metrics = &m
		changed = true
	}
	if len(u.Alerts) > 0 && s.accept(sliceAlerts, u) {
		s.alerts = append([]domain.Alert(nil), u.Alerts...)
		changed = true
	}
	if u.Anomaly != nil && s.accept(sliceAnomaly, u) {
		s.anomaly = u.Anomaly.Score
		s.anomalySource = u.Anomaly.Source
		changed = true
	}
	if u.Cluster != nil && s.accept(sliceCluster, u) {
		c := *u.Cluster
		s.cluster = &c
		changed = true
	}
	if u.Queues != nil && s.accept(sliceQueues, u) {
		s.queues = append([]domain.QueueStats{}, u.Queues...)
		changed = true
	}
	if u.Targets != nil && s.accept(sliceTargets, u) {
		s.targets = append([]domain.Target{}, u.Targets...)
		changed = true
	}
	if u.Log != nil {
		s.logs.Push(*u.Log)
		changed = true
	}

	if changed {
		s.version++
	}
	return changed
}

func (s *Store) applySnapshot(u Update) bool {
	snap := u.Snapshot
	changed := false

	// 1. Саги: замена целиком + автовыбор первого
	if len(snap.Sagas) > 0 && s.accept(sliceSagas, u) {
		s.sagas = append([]domain.Saga(nil), snap.Sagas...)
		s.selectedSaga = reconcileSelection(s.opts.Selection, s.selectedSaga, s.sagas, func(v domain.Saga) string { return v.ID })
		changed = true
	}

	// 2. Аудит: то же правило
	if len(snap.AuditLogs) > 0 && s.accept(sliceAudits, u) {
		s.audits = append([]domain.AuditEntry(nil), snap.AuditLogs...)
		s.selectedAudit = reconcileSelection(s.opts.Selection, s.selectedAudit, s.audits, func(v domain.AuditEntry) string { return v.ID })
		changed = true
	}

	// 3. Pulse: аномальность и алерты
	if snap.Pulse != nil {
		if s.accept(sliceAnomaly, u) {
			s.anomaly = 1 - snap.Pulse.Score/100
			s.anomalySource = domain.AnomalyFromPulse
			changed = true
		}
		if len(snap.Pulse.Alerts) > 0 && s.accept(sliceAlerts, u) {
			s.alerts = append([]domain.Alert(nil), snap.Pulse.Alerts...)
			changed = true
		}
	}

	// 4. System: последние метрики + точка в окне
	if snap.System != nil && s.accept(sliceMetrics, u) {
		m := *snap.System
		s.metrics = &m
		s.series.Push(domain.ResourcePoint{
			Time:             u.At.Format("15:04:05"),
			CPU:              m.CPUPercent,
			Memory:           m.MemoryPercent,
			SimulatedLogRate: s.opts.LogRate(),
		})
		changed = true
	}

	if len(snap.Training) > 0 && s.accept(sliceTraining, u) {
		s.training = append(json.RawMessage(nil), snap.Training...)
		changed = true
	}
	if len(snap.V25Realtime) > 0 && s.accept(sliceRealtime, u) {
		s.realtime = append(json.RawMessage(nil), snap.V25Realtime...)
		changed = true
	}
	return changed
}

// reconcileSelection применяет правило автовыбора к новому списку.
func reconcileSelection[T any](policy SelectionPolicy, current *T, list []T, id func(T) string) *T {
	if current != nil && policy == SelectionRevalidate {
		want := id(*current)
		current = nil
		for i := range list {
			if id(list[i]) == want {
				v := list[i]
				current = &v
				break
			}
		}
	}
	if current == nil && len(list) > 0 {
		v := list[0]
		current = &v
	}
	return current
}

// SetConnected: индикатор связи для дашборда.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected != connected {
		s.connected = connected
		s.version++
	}
}

// SelectSaga: выбор пользователя. Id должен быть в текущем списке.
func (s *Store) SelectSaga(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sagas {
		if s.sagas[i].ID == id {
			v := s.sagas[i]
			s.selectedSaga = &v
			s.version++
			return nil
		}
	}
	return fmt.Errorf("saga %s: %w", id, domain.ErrNotFound)
}

func (s *Store) ClearSagaSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedSaga = nil
	s.version++
}

func (s *Store) SelectAudit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audits {
		if s.audits[i].ID == id {
			v := s.audits[i]
			s.selectedAudit = &v
			s.version++
			return nil
		}
	}
	return fmt.Errorf("audit entry %s: %w", id, domain.ErrNotFound)
}

func (s *Store) ClearAuditSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedAudit = nil
	s.version++
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) SeriesLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series.Len()
}

// View отдаёт копию состояния, безопасную для сериализации вне блокировки.
func (s *Store) View() domain.ViewState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := domain.ViewState{
		Connected:     s.connected,
		Series:        s.series.Items(),
		Alerts:        append([]domain.Alert{}, s.alerts...),
		AnomalyScore:  s.anomaly,
		AnomalySource: s.anomalySource,
		Sagas:         append([]domain.Saga{}, s.sagas...),
		AuditLogs:     append([]domain.AuditEntry{}, s.audits...),
		Training:      append(json.RawMessage(nil), s.training...),
		Realtime:      append(json.RawMessage(nil), s.realtime...),
		Queues:        append([]domain.QueueStats{}, s.queues...),
		Targets:       append([]domain.Target{}, s.targets...),
		Logs:          s.logs.Items(),
		Version:       s.version,
	}
	if s.metrics != nil {
		m := *s.metrics
		v.Metrics = &m
	}
	if s.selectedSaga != nil {
		sg := *s.selectedSaga
		v.SelectedSaga = &sg
	}
	if s.selectedAudit != nil {
		a := *s.selectedAudit
		v.SelectedAudit = &a
	}
	if s.cluster != nil {
		c := *s.cluster
		v.Cluster = &c
	}
	return v
}
