package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/console/handler"
	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/engine"
	"github.com/dima1203oleg/predator-analytics/internal/infra/auth"
)

// ViewSession: вид, который обслуживает API.
type ViewSession interface {
	handler.ViewService
	Connected() bool
}

type ViewServer struct {
	router   *chi.Mux
	logger   *zap.Logger
	basePath string
	session  ViewSession
	gatherer prometheus.Gatherer

	// Интерфейс для проверки токенов (RS256). nil: мутирующие роуты открыты (локальная разработка)
	authValidator auth.TokenValidator

	viewHandler *handler.ViewHandler
}

// NewViewServer инициализирует HTTP API вида со всеми зависимостями
func NewViewServer(
	basePath string,
	logger *zap.Logger,
	session ViewSession,
	validator auth.TokenValidator,
	gatherer prometheus.Gatherer,
) *ViewServer {
	if basePath == "" {
		basePath = "/api/v1"
	}
	s := &ViewServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("view-api"),
		basePath:      basePath,
		session:       session,
		gatherer:      gatherer,
		authValidator: validator,
	}
	s.viewHandler = handler.NewViewHandler(session, s.logger)

	if validator == nil {
		s.logger.Warn("auth public key is not configured: mutating view routes are open")
	}

	s.routes()
	return s
}

func (s *ViewServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.RealIP)
	r.Use(engine.AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. Служебные роуты ---
	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route(s.basePath+"/view", func(r chi.Router) {
		// --- 3. Чтение состояния (открыто) ---
		r.Get("/", s.viewHandler.Get)
		r.Get("/series", s.viewHandler.Series)
		r.Get("/sagas", s.viewHandler.Sagas)
		r.Get("/audits", s.viewHandler.Audits)
		r.Get("/alerts", s.viewHandler.Alerts)

		// --- 4. Действия пользователя (требуют RS256 токен со scope view.write) ---
		r.Group(func(r chi.Router) {
			if s.authValidator != nil {
				r.Use(auth.NewMiddleware(s.authValidator, domain.ScopeViewWrite, s.logger))
			}

			r.Post("/sagas/{id}/select", s.viewHandler.SelectSaga)
			r.Delete("/sagas/selection", s.viewHandler.ClearSagaSelection)
			r.Post("/audits/{id}/select", s.viewHandler.SelectAudit)
			r.Delete("/audits/selection", s.viewHandler.ClearAuditSelection)
			r.Post("/logs/tail", s.viewHandler.SetLiveTail)
		})
	})
}

func (s *ViewServer) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"connected": s.session.Connected(),
	})
}

// ServeHTTP позволяет использовать ViewServer как стандартный http.Handler
func (s *ViewServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
