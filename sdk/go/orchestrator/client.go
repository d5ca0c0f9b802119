// Package orchestrator is a Go client for the task orchestration REST API.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the orchestration service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userAgent  string
}

// Submission is the payload for creating a task.
type Submission struct {
	Pattern        string            `json:"pattern"`
	Payload        any               `json:"payload"`
	Priority       int               `json:"priority,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	CallbackURL    string            `json:"callback_url,omitempty"`
}

// Accepted is returned by Submit.
type Accepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Task is the server's view of a task.
type Task struct {
	ID               string            `json:"id"`
	Pattern          string            `json:"pattern"`
	Target           string            `json:"target"`
	Payload          json.RawMessage   `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Priority         int               `json:"priority"`
	Status           string            `json:"status"`
	RetryCount       int               `json:"retry_count"`
	TransportRetries int               `json:"transport_retries"`
	MaxRetries       int               `json:"max_retries"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	CallbackURL      string            `json:"callback_url,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool {
	switch t.Status {
	case "completed", "failed", "timeout", "cancelled":
		return true
	default:
		return false
	}
}

// Aggregate is the response of AggregateTasks.
type Aggregate struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Results   []struct {
		TaskID string          `json:"task_id"`
		Result json.RawMessage `json:"result"`
	} `json:"results"`
	Errors []struct {
		TaskID string `json:"task_id"`
		Error  string `json:"error"`
	} `json:"errors"`
}

// TaskList is one page of tasks.
type TaskList struct {
	Tasks  []Task `json:"tasks"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// ListQuery filters ListTasks. Zero values are omitted.
type ListQuery struct {
	Statuses []string
	Target   string
	Pattern  string
	Limit    int
	Offset   int
}

// Route is one entry of the routing table.
type Route struct {
	Pattern         string `json:"pattern"`
	Target          string `json:"target"`
	Endpoint        string `json:"endpoint"`
	HealthURL       string `json:"health_url"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	DefaultPriority int    `json:"default_priority"`
}

// Health is the response of /health.
type Health struct {
	Status         string `json:"status"`
	HealthyTargets int    `json:"healthy_targets"`
	TotalTargets   int    `json:"total_targets"`
	ActiveTasks    int    `json:"active_tasks"`
	QueueSize      int    `json:"queue_size"`
	Targets        []struct {
		Name         string `json:"name"`
		Status       string `json:"status"`
		Circuit      string `json:"circuit"`
		FailureCount int    `json:"failure_count"`
		LastError    string `json:"last_error,omitempty"`
	} `json:"targets"`
}

// APIError represents a structured error returned by the service.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Details    json.RawMessage   `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("orchestrator api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestrator api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, userAgent: "orchestrator-go-sdk"}, nil
}

// Submit creates a new task.
func (c *Client) Submit(ctx context.Context, s Submission) (Accepted, error) {
	var out Accepted
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, s, &out)
	return out, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// CancelTask cancels a pending or queued task.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// ListTasks returns one page of tasks.
func (c *Client) ListTasks(ctx context.Context, q ListQuery) (TaskList, error) {
	values := url.Values{}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Target != "" {
		values.Set("target", q.Target)
	}
	if q.Pattern != "" {
		values.Set("pattern", q.Pattern)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	var out TaskList
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks", values, nil, &out)
	return out, err
}

// AggregateTasks summarises the given tasks.
func (c *Client) AggregateTasks(ctx context.Context, ids []string) (Aggregate, error) {
	var out Aggregate
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks/aggregate", nil, map[string][]string{"task_ids": ids}, &out)
	return out, err
}

// Routes lists the routing table.
func (c *Client) Routes(ctx context.Context) ([]Route, error) {
	var out struct {
		Routes []Route `json:"routes"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/routes", nil, nil, &out)
	return out.Routes, err
}

// Health returns the service health report. An unhealthy service answers 503
// with a full report body, which is returned without error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.send(ctx, http.MethodGet, "/health", nil, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && out.Status != "" {
		return out, nil
	}
	return out, err
}

// Wait polls a task until it reaches a terminal status or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		envelope := struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}
		if len(data) == 0 || json.Unmarshal(data, &envelope) != nil || apiErr.Code == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
			// /health answers 503 with a report rather than an error envelope.
			if out != nil && len(data) > 0 {
				_ = json.Unmarshal(data, out)
			}
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
