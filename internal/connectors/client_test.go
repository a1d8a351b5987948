package connectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, s ReliabilitySettings) (*Client, *ReliabilityWrapper) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	req, err := NewHTTPRequester(srv.URL, "/api/v1", "secret", time.Second)
	require.NoError(t, err)
	rw := NewReliabilityWrapper(req, s, zap.NewNop(), nil)
	return NewClient(rw), rw
}

func TestClient_DecodesEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Trace-ID"))
		w.Write([]byte(`[{"id":"al-1","severity":"critical","message":"node down"}]`))
	})
	mux.HandleFunc("/api/v1/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"prod","status":"degraded","nodes":[{"name":"n1","ready":true}],"pods_total":40,"pods_failed":2}`))
	})
	mux.HandleFunc("/api/v1/queues/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	})
	mux.HandleFunc("/api/v1/system/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","cpu_percent":35,"memory_percent":50}`))
	})
	mux.HandleFunc("/api/v1/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"timestamp":"12:00:01","level":"INFO","service":"etl","message":"batch done"}`))
	})

	c, _ := newTestClient(t, mux.ServeHTTP, ReliabilitySettings{})
	ctx := context.Background()

	alerts, err := c.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "node down", alerts[0].Message)

	cluster, err := c.Cluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cluster.PodsFailed)
	assert.True(t, cluster.Nodes[0].Ready)

	queues, err := c.Queues(ctx)
	require.NoError(t, err)
	assert.NotNil(t, queues)
	assert.Empty(t, queues)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Nil(t, health.AnomalyScore)
	assert.Equal(t, 35.0, health.CPUPercent)

	rec, err := c.TailLogs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "batch done", rec.Message)

	_, err = c.Targets(ctx)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}, ReliabilitySettings{Attempts: 3})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}, ReliabilitySettings{Attempts: 3})

	_, err := c.Alerts(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_HonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}, ReliabilitySettings{Attempts: 2})

	alerts, err := c.Alerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	c, rw := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, ReliabilitySettings{Attempts: 1, TripThreshold: 2, Timeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := c.Health(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, rw.State())

	_, err := c.Health(context.Background())
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not reach the backend")
}

func TestClient_MalformedBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}, ReliabilitySettings{})

	_, err := c.Cluster(context.Background())
	assert.ErrorContains(t, err, "decode /cluster/status")
}

func TestNewHTTPRequester_Validation(t *testing.T) {
	_, err := NewHTTPRequester("localhost:8090", "", "", 0)
	assert.Error(t, err)

	r, err := NewHTTPRequester("http://backend:8090/", "api/v2/", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://backend:8090/api/v2", r.baseURL)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Second, parseRetryAfter("garbage"))
	assert.Equal(t, time.Second, parseRetryAfter(""))
}
