package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
)

// ViewService описываем, что нам нужно от смонтированного вида
type ViewService interface {
	View() domain.ViewState
	SelectSaga(id string) error
	SelectAudit(id string) error
	ClearSagaSelection()
	ClearAuditSelection()
	SetLiveTail(tabActive, enabled bool)
	LiveTail() (tabActive, enabled bool)
}

type ViewHandler struct {
	service ViewService
	logger  *zap.Logger
}

func NewViewHandler(s ViewService, logger *zap.Logger) *ViewHandler {
	return &ViewHandler{service: s, logger: logger}
}

type sagasResponse struct {
	Sagas    []domain.Saga `json:"sagas"`
	Selected *domain.Saga  `json:"selected,omitempty"`
}

type auditsResponse struct {
	AuditLogs []domain.AuditEntry `json:"audit_logs"`
	Selected  *domain.AuditEntry  `json:"selected,omitempty"`
}

type alertsResponse struct {
	Alerts        []domain.Alert       `json:"alerts"`
	AnomalyScore  float64              `json:"anomaly_score"`
	AnomalySource domain.AnomalySource `json:"anomaly_source,omitempty"`
}

type seriesResponse struct {
	Series  []domain.ResourcePoint `json:"series"`
	Metrics *domain.SystemMetrics  `json:"metrics,omitempty"`
}

// LiveTailRequest: состояние вкладки логов и переключателя живого хвоста.
type LiveTailRequest struct {
	TabActive bool `json:"tab_active"`
	Enabled   bool `json:"enabled"`
}

func (h *ViewHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.View())
}

func (h *ViewHandler) Series(w http.ResponseWriter, r *http.Request) {
	v := h.service.View()
	h.writeJSON(w, http.StatusOK, seriesResponse{Series: v.Series, Metrics: v.Metrics})
}

func (h *ViewHandler) Sagas(w http.ResponseWriter, r *http.Request) {
	v := h.service.View()
	h.writeJSON(w, http.StatusOK, sagasResponse{Sagas: v.Sagas, Selected: v.SelectedSaga})
}

func (h *ViewHandler) Audits(w http.ResponseWriter, r *http.Request) {
	v := h.service.View()
	h.writeJSON(w, http.StatusOK, auditsResponse{AuditLogs: v.AuditLogs, Selected: v.SelectedAudit})
}

func (h *ViewHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	v := h.service.View()
	h.writeJSON(w, http.StatusOK, alertsResponse{Alerts: v.Alerts, AnomalyScore: v.AnomalyScore, AnomalySource: v.AnomalySource})
}

func (h *ViewHandler) SelectSaga(w http.ResponseWriter, r *http.Request) {
	h.selectByID(w, r, h.service.SelectSaga)
}

func (h *ViewHandler) SelectAudit(w http.ResponseWriter, r *http.Request) {
	h.selectByID(w, r, h.service.SelectAudit)
}

func (h *ViewHandler) ClearSagaSelection(w http.ResponseWriter, r *http.Request) {
	h.service.ClearSagaSelection()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ViewHandler) ClearAuditSelection(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAuditSelection()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ViewHandler) SetLiveTail(w http.ResponseWriter, r *http.Request) {
	var req LiveTailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	h.service.SetLiveTail(req.TabActive, req.Enabled)

	tab, enabled := h.service.LiveTail()
	h.writeJSON(w, http.StatusOK, LiveTailRequest{TabActive: tab, Enabled: enabled})
}

func (h *ViewHandler) selectByID(w http.ResponseWriter, r *http.Request, sel func(string) error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := sel(id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("selection failed", zap.String("id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ViewHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}
