package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TraceHeader: заголовок, которым poller и вид связывают запросы в логах.
const TraceHeader = "X-Trace-ID"

type traceKey struct{}

// TracingMiddleware кладёт trace id запроса в контекст и в ответ.
// Входящий заголовок принимается только как UUID, иначе выдаётся новый id.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(TraceHeader))
		if err != nil {
			id = uuid.New()
		}
		w.Header().Set(TraceHeader, id.String())
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, id)))
	})
}

// TraceID: id запроса из контекста или uuid.Nil вне TracingMiddleware.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(uuid.UUID)
	return id.String()
}

// AccessLog пишет одну строку zap на запрос. Ставится после TracingMiddleware.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				zap.String("trace_id", TraceID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)))
		})
	}
}
