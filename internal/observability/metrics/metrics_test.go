package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareCountsRequestsAndErrors(t *testing.T) {
	reg := New()
	h := reg.Middleware("tasks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?fail=1", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.httpRequests.WithLabelValues("tasks", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.httpRequests.WithLabelValues("tasks", "GET", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.httpErrors.WithLabelValues("tasks", "GET")))
}

func TestHandlerExposesOrchestrationSeries(t *testing.T) {
	reg := New()
	reg.TaskSubmitted("vision.detect", "vision")
	reg.SetQueueDepths(map[int]int{5: 2, 1: 0})
	reg.SetBreakerState("vision", 1)
	reg.SetTargetHealthy("vision", true)
	reg.TransportRetries("vision", 2)
	reg.ObserveDispatch("vision", "completed", 150*time.Millisecond)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `orchestrator_tasks_submitted_total{pattern="vision.detect",target="vision"} 1`)
	assert.Contains(t, body, `orchestrator_queue_depth{priority="5"} 2`)
	assert.Contains(t, body, `orchestrator_circuit_breaker_state{target="vision"} 1`)
	assert.Contains(t, body, `orchestrator_transport_retries_total{target="vision"} 2`)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var reg *Registry
	reg.TaskSubmitted("a", "b")
	reg.SetActiveTasks(3)
	reg.ObserveHTTPRequest("x", "GET", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	reg.Middleware("x", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
