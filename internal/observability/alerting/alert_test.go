package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "Orchestrator-Core/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("boom") }

func TestFanoutDeliversToWebhookAndLog(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
	}))
	defer srv.Close()

	var buf bytes.Buffer
	fanout := NewFanout(
		&WebhookNotifier{URL: srv.URL},
		&LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))},
	)
	err := fanout.Notify(context.Background(), Event{
		Code:     xerrors.CodeCircuitOpen,
		Severity: xerrors.SeverityWarning,
		Target:   "vision",
		Message:  "circuit opened",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	event := <-received
	if event.Code != xerrors.CodeCircuitOpen || event.Target != "vision" {
		t.Fatalf("unexpected webhook payload: %+v", event)
	}
	if event.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be filled in")
	}
	if !strings.Contains(buf.String(), "CIRCUIT_OPEN") {
		t.Fatalf("expected log notifier output, got %q", buf.String())
	}
	if got := fanout.Channels(); len(got) != 2 || got[0] != ChannelLog {
		t.Fatalf("unexpected channels: %v", got)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	fanout := NewFanout(failingNotifier{}, &LogNotifier{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	err := fanout.Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected joined error naming channel, got %v", err)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var fanout *FanoutDispatcher
	if err := fanout.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should not fail: %v", err)
	}
}
