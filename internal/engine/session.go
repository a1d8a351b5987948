package engine

/*
Session: один смонтированный вид телеметрии.

Собирает вместе три части: сокет (stream.Manager), слияние состояния
(telemetry.Store) и polling fallback (poller.Poller). Оба писателя ходят
в один Store, чужие виды его не видят.

Unmount снимает всё в обратном порядке: интервалы опроса, ожидание
реконнекта вместе с сокетом, архив аудита. После возврата состояние
вида больше не меняется.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/audit"
	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
	"github.com/dima1203oleg/predator-analytics/internal/poller"
	"github.com/dima1203oleg/predator-analytics/internal/stream"
	"github.com/dima1203oleg/predator-analytics/internal/telemetry"
)

var (
	ErrMounted   = errors.New("session: already mounted")
	ErrUnmounted = errors.New("session: unmounted")
)

type SessionConfig struct {
	Name   string
	Stream stream.Config
	Poller poller.Config
	Store  telemetry.Options
}

// SessionDeps: внешние зависимости вида. Dialer и Archive необязательны.
type SessionDeps struct {
	Fetcher poller.Fetcher
	Dialer  stream.Dialer
	Archive *audit.Archive
	Logger  *zap.Logger
	Metrics *infra.Metrics
}

type Session struct {
	name    string
	store   *telemetry.Store
	manager *stream.Manager
	poller  *poller.Poller
	archive *audit.Archive
	logger  *zap.Logger
	metrics *infra.Metrics

	mu      sync.Mutex
	mounted bool
	closed  bool

	// stateMu упорядочивает колбэки сокета и отключение вида в Unmount
	stateMu  sync.Mutex
	detached bool
}

func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("session: fetcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = infra.NewMetrics(nil)
	}
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	cfg.Stream.Session = cfg.Name

	s := &Session{
		name:    cfg.Name,
		archive: deps.Archive,
		logger:  deps.Logger.With(zap.String("mod", "session"), zap.String("session", cfg.Name)),
		metrics: deps.Metrics,
	}

	// Отклонённые устаревшие обновления видны в метриках
	storeOpts := cfg.Store
	onRejected := storeOpts.OnRejected
	storeOpts.OnRejected = func(src telemetry.Source, slice string) {
		s.metrics.StaleUpdates.WithLabelValues(string(src), slice).Inc()
		if onRejected != nil {
			onRejected(src, slice)
		}
	}
	s.store = telemetry.NewStore(storeOpts)

	s.manager = stream.NewManager(cfg.Stream, deps.Dialer, stream.Handlers{
		OnSnapshot: s.onSnapshot,
		OnState:    s.onState,
	}, deps.Logger, deps.Metrics)
	s.poller = poller.New(cfg.Poller, deps.Fetcher, s.store, deps.Logger, deps.Metrics)

	return s, nil
}

func (s *Session) onSnapshot(snap *domain.Snapshot, receivedAt time.Time) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.detached {
		return
	}
	s.store.Apply(telemetry.Update{Source: telemetry.SourceSocket, At: receivedAt, Snapshot: snap})
	s.metrics.SeriesLength.WithLabelValues(s.name).Set(float64(s.store.SeriesLen()))

	if s.archive != nil && len(snap.AuditLogs) > 0 {
		s.archive.LogAll(snap.AuditLogs)
	}
}

func (s *Session) onState(state stream.State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.detached {
		return
	}
	s.store.SetConnected(state == stream.StateConnected)
}

// Mount запускает сокет и опрос. Повторный Mount и Mount после Unmount: ошибка.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrUnmounted
	case s.mounted:
		return ErrMounted
	}

	if s.archive != nil {
		s.archive.Start()
	}
	if err := s.manager.Start(ctx); err != nil {
		if s.archive != nil {
			s.archive.Stop()
		}
		return fmt.Errorf("session %s: %w", s.name, err)
	}
	s.poller.Start(ctx)

	s.mounted = true
	s.logger.Info("view mounted")
	return nil
}

// Unmount: терминальная остановка вида. Повторный вызов безопасен.
func (s *Session) Unmount() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if !s.mounted {
		s.manager.Stop()
		return
	}

	// 1. Интервалы опроса (ждём in-flight запросы)
	s.poller.Stop()
	// 2. Отцепляем сокет от стора: версия меняется здесь последний раз
	s.stateMu.Lock()
	s.detached = true
	s.store.SetConnected(false)
	s.stateMu.Unlock()
	// 3. Ожидание реконнекта и сокет
	s.manager.Stop()
	// 4. Дописываем хвост аудита
	if s.archive != nil {
		s.archive.Stop()
	}

	s.logger.Info("view unmounted")
}

func (s *Session) Name() string { return s.name }

func (s *Session) Connected() bool { return s.manager.IsConnected() }

func (s *Session) StreamState() stream.State { return s.manager.State() }

func (s *Session) View() domain.ViewState { return s.store.View() }

func (s *Session) Version() uint64 { return s.store.Version() }

func (s *Session) SelectSaga(id string) error { return s.store.SelectSaga(id) }

func (s *Session) SelectAudit(id string) error { return s.store.SelectAudit(id) }

func (s *Session) ClearSagaSelection() { s.store.ClearSagaSelection() }

func (s *Session) ClearAuditSelection() { s.store.ClearAuditSelection() }

// SetLiveTail: вкладка логов и переключатель живого хвоста.
func (s *Session) SetLiveTail(tabActive, enabled bool) { s.poller.SetLiveTail(tabActive, enabled) }

func (s *Session) LiveTail() (tabActive, enabled bool) { return s.poller.LiveTail() }
