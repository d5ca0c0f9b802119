package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckNowRecordsHealthyAndUnhealthy(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	m := NewMonitor([]Target{
		{Name: "vision", HealthURL: up.URL},
		{Name: "speech", HealthURL: down.URL},
		{Name: "graph"},
	}, time.Hour, time.Second)
	m.CheckNow(context.Background())

	vision, ok := m.Get("vision")
	require.True(t, ok)
	assert.True(t, vision.Healthy())
	assert.False(t, vision.LastHealthy.IsZero())

	speech, _ := m.Get("speech")
	assert.Equal(t, StatusUnhealthy, speech.Status)
	assert.Equal(t, 1, speech.ConsecutiveFails)
	assert.Contains(t, speech.LastError, "503")

	graph, _ := m.Get("graph")
	assert.Equal(t, StatusUnknown, graph.Status)

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "graph", snap[0].Name)
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	m := NewMonitor([]Target{{Name: "slow", HealthURL: slow.URL}}, time.Hour, 20*time.Millisecond)
	m.CheckNow(context.Background())

	h, _ := m.Get("slow")
	assert.Equal(t, StatusUnhealthy, h.Status)
}

func TestOnChangeFiresOnTransitionsOnly(t *testing.T) {
	var healthy atomic.Bool
	var mu sync.Mutex
	var changes []Status

	m := NewMonitor([]Target{{Name: "a", HealthURL: "http://a/health"}}, time.Hour, time.Second,
		WithCheckFunc(func(context.Context, string) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("down")
		}),
		WithOnChange(func(h TargetHealth) {
			mu.Lock()
			changes = append(changes, h.Status)
			mu.Unlock()
		}),
	)

	ctx := context.Background()
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	healthy.Store(true)
	m.CheckNow(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusUnhealthy, StatusHealthy}, changes)
	h, _ := m.Get("a")
	assert.Equal(t, 0, h.ConsecutiveFails)
}

func TestStartAndStop(t *testing.T) {
	var probes atomic.Int32
	m := NewMonitor([]Target{{Name: "a", HealthURL: "http://a/health"}}, 10*time.Millisecond, time.Second,
		WithCheckFunc(func(context.Context, string) error {
			probes.Add(1)
			return nil
		}))

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return probes.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	after := probes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, probes.Load(), "no probes after Stop")
	m.Stop()
}
