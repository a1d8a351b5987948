package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
)

// RedisWriter: то подмножество *redis.Client, которое нужно зеркалу.
type RedisWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ViewSource: смонтированный вид, чьё состояние зеркалируется.
type ViewSource interface {
	Name() string
	Version() uint64
	View() domain.ViewState
}

// Mirror выкладывает последнее состояние вида в Redis и анонсирует новую версию.
// Пишет только когда версия изменилась.
type Mirror struct {
	rdb      RedisWriter
	src      ViewSource
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger

	lastVersion uint64
	synced      bool
}

func NewMirror(rdb RedisWriter, src ViewSource, ttl, interval time.Duration, logger *zap.Logger) *Mirror {
	if interval <= 0 {
		interval = time.Second
	}
	return &Mirror{
		rdb:      rdb,
		src:      src,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With(zap.String("mod", "mirror"), zap.String("session", src.Name())),
	}
}

// Run синхронизирует зеркало по таймеру, пока жив ctx. Ошибки Redis не фатальны.
func (m *Mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				m.logger.Warn("view mirror sync failed", zap.Error(err))
			}
		}
	}
}

// Sync: один проход. Возвращает nil и ничего не пишет, если версия не менялась.
func (m *Mirror) Sync(ctx context.Context) error {
	version := m.src.Version()
	if m.synced && version == m.lastVersion {
		return nil
	}

	// 1. Снимок состояния и сериализация вне блокировок стора
	view := m.src.View()
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal view: %w", err)
	}

	// 2. Последнее состояние под ключом вида
	key := infra.ViewStateKey(m.src.Name())
	if err := m.rdb.Set(ctx, key, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	// 3. Анонс для подписчиков: "<session>:<version>"
	msg := fmt.Sprintf("%s:%d", m.src.Name(), view.Version)
	if err := m.rdb.Publish(ctx, infra.RedisChanViewUpdates, msg).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	m.lastVersion = view.Version
	m.synced = true
	return nil
}
