// Package health probes each downstream target's health endpoint on a fixed
// interval. Probe results are an observability signal only: they are
// reported next to circuit breaker state but never change it.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status of a target as seen by the last probe.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Target is one probed service.
type Target struct {
	Name      string
	HealthURL string
}

// TargetHealth tracks the probe history of one target.
type TargetHealth struct {
	Name             string    `json:"name"`
	HealthURL        string    `json:"health_url"`
	Status           Status    `json:"status"`
	LastCheck        time.Time `json:"last_check,omitempty"`
	LastHealthy      time.Time `json:"last_healthy,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastError        string    `json:"last_error,omitempty"`
}

// Healthy reports whether the last probe succeeded.
func (t TargetHealth) Healthy() bool { return t.Status == StatusHealthy }

// CheckFunc probes one URL and returns nil when the target is healthy.
type CheckFunc func(ctx context.Context, url string) error

// Monitor runs the probe loop.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	check    CheckFunc
	logger   *slog.Logger
	onChange func(TargetHealth)

	mu      sync.RWMutex
	targets map[string]*TargetHealth

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithHTTPClient sets the client used by the default probe.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		if client != nil {
			m.client = client
		}
	}
}

// WithCheckFunc replaces the HTTP probe.
func WithCheckFunc(check CheckFunc) Option {
	return func(m *Monitor) {
		if check != nil {
			m.check = check
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithOnChange registers a callback fired after every probe whose status
// differs from the previous one.
func WithOnChange(fn func(TargetHealth)) Option {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

// NewMonitor creates a monitor for the given targets. Targets without a
// health URL are reported as unknown and never probed.
func NewMonitor(targets []Target, interval, timeout time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		interval: interval,
		timeout:  timeout,
		client:   &http.Client{},
		logger:   slog.Default(),
		targets:  make(map[string]*TargetHealth, len(targets)),
	}
	for _, t := range targets {
		m.targets[t.Name] = &TargetHealth{Name: t.Name, HealthURL: t.HealthURL, Status: StatusUnknown}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.check == nil {
		m.check = m.httpCheck
	}
	return m
}

// Start launches the probe loop in the background. An immediate round runs
// first. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("health monitor started", slog.Duration("interval", m.interval))
		m.CheckNow(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current round to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// CheckNow probes every target concurrently and waits for all results.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.RLock()
	targets := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		if t.HealthURL != "" {
			targets = append(targets, Target{Name: t.Name, HealthURL: t.HealthURL})
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
			err := m.check(probeCtx, t.HealthURL)
			cancel()
			if ctx.Err() != nil {
				return
			}
			m.record(t.Name, err)
		}(t)
	}
	wg.Wait()
}

func (m *Monitor) record(name string, err error) {
	now := time.Now()
	m.mu.Lock()
	h, ok := m.targets[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	previous := h.Status
	h.LastCheck = now
	if err == nil {
		h.Status = StatusHealthy
		h.LastHealthy = now
		h.ConsecutiveFails = 0
		h.LastError = ""
	} else {
		h.Status = StatusUnhealthy
		h.ConsecutiveFails++
		h.LastError = err.Error()
	}
	snapshot := *h
	m.mu.Unlock()

	if previous != snapshot.Status {
		if snapshot.Healthy() {
			m.logger.Info("target healthy", slog.String("target", name))
		} else {
			m.logger.Warn("target unhealthy", slog.String("target", name), slog.String("error", snapshot.LastError))
		}
		if m.onChange != nil {
			m.onChange(snapshot)
		}
	}
}

// Get returns the probe state of one target.
func (m *Monitor) Get(name string) (TargetHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.targets[name]
	if !ok {
		return TargetHealth{}, false
	}
	return *h, true
}

// Snapshot returns every target's state ordered by name.
func (m *Monitor) Snapshot() []TargetHealth {
	m.mu.RLock()
	out := make([]TargetHealth, 0, len(m.targets))
	for _, h := range m.targets {
		out = append(out, *h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) httpCheck(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
