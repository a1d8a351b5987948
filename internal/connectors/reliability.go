package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dima1203oleg/predator-analytics/internal/infra"
)

// Requester: транспорт, который оборачивает ReliabilityWrapper.
type Requester interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

type ReliabilitySettings struct {
	Name          string
	RPS           float64
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration // через сколько CB попробует "закрыться"
	Attempts      uint
	CallTimeout   time.Duration
	TripThreshold uint32
}

func (s *ReliabilitySettings) defaults() {
	if s.Name == "" {
		s.Name = "predator-api"
	}
	if s.RPS <= 0 {
		s.RPS = 20
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Attempts == 0 {
		s.Attempts = 1
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 10 * time.Second
	}
	if s.TripThreshold == 0 {
		s.TripThreshold = 5
	}
}

// ReliabilityWrapper: Rate Limiter -> Circuit Breaker -> Retry.
type ReliabilityWrapper struct {
	next     Requester
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	settings ReliabilitySettings
}

func NewReliabilityWrapper(next Requester, s ReliabilitySettings, logger *zap.Logger, metrics *infra.Metrics) *ReliabilityWrapper {
	s.defaults()
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	log := logger.With(zap.String("mod", "reliability"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если ошибок подряд больше порога: открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > s.TripThreshold
		},
		IsSuccessful: func(err error) bool {
			// 4xx - вина запроса, а не бэкенда. Предохранитель не трогаем
			var se *StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &ReliabilityWrapper{
		next:     next,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(s.RPS), int(s.RPS)+1),
		settings: s,
	}
}

func (w *ReliabilityWrapper) Get(ctx context.Context, path string) ([]byte, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var body []byte
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.settings.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если бэкенд прислал Retry-After: слушаемся
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.settings.CallTimeout)
			defer cancel()

			var callErr error
			body, callErr = w.next.Get(tCtx, path)
			return callErr
		})
		return body, retryErr
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// State: текущее состояние предохранителя.
func (w *ReliabilityWrapper) State() gobreaker.State { return w.cb.State() }

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
