package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitPostsSubmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var got Submission
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if got.Pattern != "vision.detect" || got.Priority != 2 {
			t.Errorf("unexpected submission: %+v", got)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Accepted{TaskID: "t-1", Status: "queued"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	accepted, err := client.Submit(context.Background(), Submission{
		Pattern:  "vision.detect",
		Payload:  map[string]any{"image": "a.png"},
		Priority: 2,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted.TaskID != "t-1" || accepted.Status != "queued" {
		t.Fatalf("unexpected response: %+v", accepted)
	}
}

func TestGetTaskDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/missing" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"task not found","metadata":{"task_id":"missing"}}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.GetTask(context.Background(), "missing")
	if !IsCode(err, "TASK_NOT_FOUND") {
		t.Fatalf("expected TASK_NOT_FOUND, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Metadata["task_id"] != "missing" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "t-2", Status: status, Result: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := client.Wait(ctx, "t-2", time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != "completed" || calls != 3 {
		t.Fatalf("unexpected result after %d calls: %+v", calls, got)
	}
}

func TestHealthReturnsReportOnServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy","healthy_targets":0,"total_targets":2}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	report, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != "unhealthy" || report.TotalTargets != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for URL without scheme")
	}
}
