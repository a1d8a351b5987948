package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dima1203oleg/predator-analytics/internal/domain"
)

const (
	DefaultBasePath = "/api/v1"

	// Ответы REST бэкенда небольшие, больше: значит что-то не так
	maxBodySize = 8 << 20
)

// Пути эндпоинтов относительно базового пути API.
const (
	PathAlerts  = "/alerts"
	PathCluster = "/cluster/status"
	PathTargets = "/monitoring/targets"
	PathQueues  = "/queues/stats"
	PathHealth  = "/system/health"
	PathLogTail = "/logs/stream"
)

// HTTPRequester: голый транспорт, один GET и один JSON.
type HTTPRequester struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPRequester(baseURL, basePath, token string, timeout time.Duration) (*HTTPRequester, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("connectors: invalid base url %q", baseURL)
	}
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRequester{
		baseURL: strings.TrimSuffix(u.String(), "/") + "/" + strings.Trim(basePath, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (r *HTTPRequester) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Trace-ID", uuid.NewString())
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottleError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      &StatusError{Path: path, Code: resp.StatusCode},
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Path: path, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", path, err)
	}
	return body, nil
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

// Client: типизированный REST-клиент бэкенда PREDATOR.
type Client struct {
	req Requester
}

func NewClient(req Requester) *Client {
	return &Client{req: req}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.req.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) Alerts(ctx context.Context) ([]domain.Alert, error) {
	var out []domain.Alert
	if err := c.getJSON(ctx, PathAlerts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cluster(ctx context.Context) (*domain.ClusterStatus, error) {
	var out domain.ClusterStatus
	if err := c.getJSON(ctx, PathCluster, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Targets(ctx context.Context) ([]domain.Target, error) {
	var out []domain.Target
	if err := c.getJSON(ctx, PathTargets, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Target{}
	}
	return out, nil
}

func (c *Client) Queues(ctx context.Context) ([]domain.QueueStats, error) {
	var out []domain.QueueStats
	if err := c.getJSON(ctx, PathQueues, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.QueueStats{}
	}
	return out, nil
}

func (c *Client) Health(ctx context.Context) (*domain.HealthStatus, error) {
	var out domain.HealthStatus
	if err := c.getJSON(ctx, PathHealth, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TailLogs: одна запись лога за вызов.
func (c *Client) TailLogs(ctx context.Context) (*domain.LogRecord, error) {
	var out domain.LogRecord
	if err := c.getJSON(ctx, PathLogTail, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
