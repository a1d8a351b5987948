package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
	"github.com/dima1203oleg/predator-analytics/internal/infra"
	"github.com/dima1203oleg/predator-analytics/internal/infra/auth"
	"github.com/dima1203oleg/predator-analytics/internal/telemetry"
)

// fakeSession: настоящий Store без сокета и опроса.
type fakeSession struct {
	*telemetry.Store
	mu            sync.Mutex
	tab, liveTail bool
}

func (f *fakeSession) Connected() bool { return true }

func (f *fakeSession) SetLiveTail(tab, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tab, f.liveTail = tab, enabled
}

func (f *fakeSession) LiveTail() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tab, f.liveTail
}

func newSession() *fakeSession {
	store := telemetry.NewStore(telemetry.Options{LogRate: func() float64 { return 120 }})
	store.Apply(telemetry.Update{
		Source: telemetry.SourceSocket,
		At:     time.Now(),
		Snapshot: &domain.Snapshot{
			Pulse:     &domain.Pulse{Score: 80, Alerts: []domain.Alert{{ID: "al-1", Severity: "warning"}}},
			System:    &domain.SystemMetrics{CPUPercent: 40, MemoryPercent: 60},
			Sagas:     []domain.Saga{{ID: "s1"}, {ID: "s2"}},
			AuditLogs: []domain.AuditEntry{{ID: "a1"}, {ID: "a2"}},
		},
	})
	return &fakeSession{Store: store}
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestViewServer_ReadRoutes(t *testing.T) {
	s := NewViewServer("", zap.NewNop(), newSession(), nil, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/view", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	var view domain.ViewState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.InDelta(t, 0.2, view.AnomalyScore, 1e-9)
	assert.Len(t, view.Series, 1)
	assert.Equal(t, "s1", view.SelectedSaga.ID)

	rec = do(t, s, http.MethodGet, "/api/v1/view/sagas", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sagas sagasResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sagas))
	assert.Len(t, sagas.Sagas, 2)
	assert.Equal(t, "s1", sagas.Selected.ID)

	rec = do(t, s, http.MethodGet, "/api/v1/view/alerts", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"anomaly_source":"pulse"`)

	for _, p := range []string{"/api/v1/view/series", "/api/v1/view/audits", "/health"} {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, p, "", "").Code, p)
	}
}

type sagasResponseBody struct {
	Sagas    []domain.Saga `json:"sagas"`
	Selected *domain.Saga  `json:"selected"`
}

func TestViewServer_SelectionWithoutAuth(t *testing.T) {
	sess := newSession()
	s := NewViewServer("/api/v1", zap.NewNop(), sess, nil, nil)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/v1/view/sagas/s2/select", "", "").Code)
	assert.Equal(t, "s2", sess.View().SelectedSaga.ID)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/view/sagas/nope/select", "", "").Code)
	assert.Equal(t, "s2", sess.View().SelectedSaga.ID)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/v1/view/audits/selection", "", "").Code)
	assert.Nil(t, sess.View().SelectedAudit)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/api/v1/view/audits/a2/select", "", "").Code)
	assert.Equal(t, "a2", sess.View().SelectedAudit.ID)
}

func TestViewServer_LiveTail(t *testing.T) {
	sess := newSession()
	s := NewViewServer("/api/v1", zap.NewNop(), sess, nil, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/view/logs/tail", `{"tab_active":true,"enabled":true}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	tab, enabled := sess.LiveTail()
	assert.True(t, tab)
	assert.True(t, enabled)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/view/logs/tail", `{`, "").Code)
}

func TestViewServer_MutationsNeedToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sess := newSession()
	s := NewViewServer("/api/v1", zap.NewNop(), sess, auth.NewRS256Validator(&key.PublicKey), nil)

	// Чтение открыто
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/view", "", "").Code)

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodDelete, "/api/v1/view/sagas/selection", "", "").Code)
	assert.NotNil(t, sess.View().SelectedSaga)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, domain.CustomClaims{
		UserID: "operator-1",
		Scopes: map[string]bool{domain.ScopeViewWrite: true},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(key)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/v1/view/sagas/selection", "", token).Code)
	assert.Nil(t, sess.View().SelectedSaga)
}

func TestViewServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)
	metrics.PollErrors.WithLabelValues("alerts").Inc()

	s := NewViewServer("/api/v1", zap.NewNop(), newSession(), nil, reg)
	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `predator_poll_errors_total{endpoint="alerts"} 1`)
}
