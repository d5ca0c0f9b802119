package downstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Orchestrator-Core/internal/errors"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestInvokeSuccessReturnsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "t-1", r.Header.Get("X-Task-ID"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"text":"hi"}`, string(body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	inv := NewInvoker(DefaultRetryPolicy())
	resp, attempts, err := inv.Invoke(context.Background(), Request{
		TaskID: "t-1", Target: "speech", Endpoint: srv.URL, Payload: json.RawMessage(`{"text":"hi"}`), Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestInvokeDoesNotRetryErrorStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad input", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	var delays []time.Duration
	inv := NewInvoker(DefaultRetryPolicy(), WithSleep(noSleep(&delays)))
	_, attempts, err := inv.Invoke(context.Background(), Request{Target: "vision", Endpoint: srv.URL, Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePermanentDownstream, xerrors.CodeOf(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, delays)
}

func TestInvokeRetriesConnectionErrorsWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	var delays []time.Duration
	inv := NewInvoker(RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, WithSleep(noSleep(&delays)))
	_, attempts, err := inv.Invoke(context.Background(), Request{Target: "graph", Endpoint: url, Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestInvokeTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	var delays []time.Duration
	inv := NewInvoker(RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}, WithSleep(noSleep(&delays)))
	_, attempts, err := inv.Invoke(context.Background(), Request{Target: "slow", Endpoint: srv.URL, Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 2, attempts)
}

func TestInvokeRecoversAfterTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte(`plain text`))
	}))
	defer srv.Close()

	var delays []time.Duration
	inv := NewInvoker(DefaultRetryPolicy(), WithSleep(noSleep(&delays)))
	resp, attempts, err := inv.Invoke(context.Background(), Request{Target: "ocr", Endpoint: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, `"plain text"`, string(resp.Body))
}

func TestRetryPolicyDelayIsCapped(t *testing.T) {
	p := RetryPolicy{Attempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(9))
}

func TestRetryScheduleStopsAtAttemptCap(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond}.normalized()
	s := p.schedule(context.Background())
	assert.Equal(t, 10*time.Millisecond, s.NextBackOff())
	assert.Equal(t, 15*time.Millisecond, s.NextBackOff())
	assert.Equal(t, backoff.Stop, s.NextBackOff())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, backoff.Stop, p.schedule(ctx).NextBackOff())
}

func TestCallbacksDeliver(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer srv.Close()

	cb := NewCallbacks(nil, time.Second)
	require.NoError(t, cb.Deliver(context.Background(), srv.URL, map[string]string{"id": "t-9"}))
	assert.Equal(t, "t-9", (<-received)["id"])
}
