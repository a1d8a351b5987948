package stream

/*
Manager держит не больше одного живого сокета телеметрии и гарантирует
автоматическое восстановление после любого разрыва.

- Переподключение бесконечное, с постоянной задержкой (без экспоненты и лимита попыток).
- Ожидание реконнекта ровно одно: цикл run последовательный, таймер создаётся
  только после того, как прежний сокет закрыт.
- Битый кадр не рвёт соединение: логируем и выбрасываем.
- Stop: терминальный: отменяет ожидание, закрывает сокет и ждёт выхода цикла.
  После возврата из Stop ни один callback уже не вызовется.
*/

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
)

const (
	DefaultReconnectDelay = 5 * time.Second

	// Максимальный размер кадра со снапшотом
	maxFrameSize = 4 << 20
)

var ErrAlreadyStarted = errors.New("stream: manager already started")

// State: состояние соединения.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed // терминальное, после Stop
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Dialer: то, что умеет *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	Session        string // метка вида для логов и метрик
	Header         http.Header
}

// Handlers: потребитель снапшотов и индикатора связи.
type Handlers struct {
	OnSnapshot func(snap *domain.Snapshot, receivedAt time.Time)
	OnState    func(state State)
}

type Manager struct {
	cfg      Config
	dialer   Dialer
	handlers Handlers
	logger   *zap.Logger
	metrics  *infra.Metrics

	state    atomic.Int32
	attempts atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewManager(cfg Config, dialer Dialer, h Handlers, logger *zap.Logger, metrics *infra.Metrics) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		handlers: h,
		logger:   logger.With(zap.String("mod", "stream"), zap.String("session", cfg.Session)),
		metrics:  metrics,
	}
}

// Start запускает цикл подключения. Блокирующей работы здесь нет.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("stream: manager is closed")
	}
	if m.done != nil {
		return ErrAlreadyStarted
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	return nil
}

// Stop: терминальная остановка менеджера. Повторный вызов безопасен.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		// 1. Отвязываем обработчики и гасим ожидание реконнекта
		cancel()
		// 2. Ждём, пока цикл закроет сокет и выйдет
		<-done
	}
	m.state.Store(int32(StateClosed))
	m.metrics.SocketConnected.WithLabelValues(m.cfg.Session).Set(0)
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) IsConnected() bool { return m.State() == StateConnected }

// Attempts: сколько раз менеджер пытался подключиться (первое подключение + реконнекты).
func (m *Manager) Attempts() uint64 { return m.attempts.Load() }

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		m.setState(ctx, StateDisconnected)
		m.logger.Warn("telemetry socket lost, reconnect scheduled",
			zap.Error(err),
			zap.Duration("delay", m.cfg.ReconnectDelay))

		// Ровно один отложенный реконнект
		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session живёт от дозвона до разрыва. Любой выход = сокет закрыт.
func (m *Manager) session(ctx context.Context) error {
	m.setState(ctx, StateConnecting)
	m.attempts.Add(1)
	m.metrics.ConnectAttempts.WithLabelValues(m.cfg.Session).Inc()

	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	defer conn.Close()

	// Отмена контекста рвёт блокирующий ReadMessage
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(maxFrameSize)

	log := m.logger.With(zap.String("conn_id", uuid.NewString()))
	log.Info("telemetry socket connected", zap.String("url", m.cfg.URL))
	m.setState(ctx, StateConnected)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.MessagesReceived.WithLabelValues(m.cfg.Session).Inc()

		snap, skipped, err := domain.DecodeSnapshot(data)
		if err != nil {
			m.metrics.MalformedMessages.WithLabelValues(m.cfg.Session).Inc()
			log.Warn("discarding malformed telemetry frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		for _, fe := range skipped {
			log.Warn("skipping malformed snapshot field", zap.String("field", fe.Field), zap.Error(fe.Err))
		}

		if m.handlers.OnSnapshot != nil {
			m.handlers.OnSnapshot(snap, time.Now())
		}
	}
}

func (m *Manager) setState(ctx context.Context, s State) {
	m.state.Store(int32(s))

	connected := 0.0
	if s == StateConnected {
		connected = 1
	}
	m.metrics.SocketConnected.WithLabelValues(m.cfg.Session).Set(connected)

	// После отмены потребитель уже отвязан
	if ctx.Err() == nil && m.handlers.OnState != nil {
		m.handlers.OnState(s)
	}
}
