package audit

/*
Archive: фоновый архив записей аудита, которые приходят в снапшотах телеметрии.

- Снапшот присылает список аудита целиком, поэтому одна и та же запись
  прилетает много раз: дедупликация по id через LRU последних увиденных.
- Log не блокирует поток сокета: буферизованный канал, при переполнении
  запись сбрасывается (Load Shedding) и считается в метриках.
- Пачки пишутся по таймеру или по достижении лимита.
- Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
)

// Storage определяет, куда физически уходят записи
type Storage interface {
	WriteBatch(ctx context.Context, session string, entries []domain.AuditEntry) error
}

type Options struct {
	Session       string
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SeenCapacity  int
}

type Archive struct {
	ch      chan domain.AuditEntry
	repo    Storage
	opts    Options
	seen    *lru.Cache[string, struct{}]
	logger  *zap.Logger
	metrics *infra.Metrics

	wg       sync.WaitGroup
	once     sync.Once
	mu       sync.RWMutex // Log держит RLock, Stop берёт Lock перед close(ch)
	isClosed atomic.Bool
}

func NewArchive(repo Storage, opts Options, logger *zap.Logger, metrics *infra.Metrics) (*Archive, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.SeenCapacity <= 0 {
		opts.SeenCapacity = 4096
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}

	seen, err := lru.New[string, struct{}](opts.SeenCapacity)
	if err != nil {
		return nil, err
	}

	return &Archive{
		ch:      make(chan domain.AuditEntry, opts.BufferSize),
		repo:    repo,
		opts:    opts,
		seen:    seen,
		logger:  logger.With(zap.String("mod", "audit-archive")),
		metrics: metrics,
	}, nil
}

func (a *Archive) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop «запирает» вход в канал и ждёт, пока воркер всё допишет.
func (a *Archive) Stop() {
	a.once.Do(func() {
		a.isClosed.Store(true)

		a.mu.Lock()
		close(a.ch)
		a.mu.Unlock()

		a.logger.Info("stopping audit archive: flushing buffer...")
		a.wg.Wait()
		a.logger.Info("audit archive stopped gracefully")
	})
}

// LogAll ставит в очередь новые записи из снапшота. Уже виденные id пропускаются.
func (a *Archive) LogAll(entries []domain.AuditEntry) {
	for _, e := range entries {
		a.Log(e)
	}
}

func (a *Archive) Log(entry domain.AuditEntry) {
	if entry.ID == "" {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.isClosed.Load() {
		a.logger.Warn("audit entry dropped: archive is stopping", zap.String("id", entry.ID))
		return
	}

	// ContainsOrAdd атомарен: две гонки за одним id запишут его один раз
	if seen, _ := a.seen.ContainsOrAdd(entry.ID, struct{}{}); seen {
		return
	}

	select {
	case a.ch <- entry:
	default:
		// Backpressure: забываем id, чтобы следующий снапшот мог повторить попытку
		a.seen.Remove(entry.ID)
		a.metrics.AuditDropped.Inc()
		a.logger.Error("audit_buffer_overflow", zap.String("id", entry.ID))
	}
}

func (a *Archive) worker() {
	defer a.wg.Done()

	batch := make([]domain.AuditEntry, 0, a.opts.BatchSize)
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже закрыт
		if err := a.repo.WriteBatch(context.Background(), a.opts.Session, batch); err != nil {
			a.logger.Error("audit flush failed", zap.Int("entries", len(batch)), zap.Error(err))
			// Как и при переполнении: забываем id, следующий снапшот принесёт записи снова
			for _, e := range batch {
				a.seen.Remove(e.ID)
			}
		} else {
			a.metrics.AuditArchived.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-a.ch:
			if !ok {
				flush() // Финальный сброс
				return
			}
			batch = append(batch, entry)
			if len(batch) >= a.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
