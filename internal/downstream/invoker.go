// Package downstream calls the services tasks are routed to. A call is an
// HTTP POST of the task payload; 2xx responses carry the opaque JSON result.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/observability/tracing"
)

const maxResponseBytes = 8 << 20

// Request describes one downstream invocation.
type Request struct {
	TaskID   string
	Target   string
	Endpoint string
	Payload  json.RawMessage

	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// Response is the outcome of a successful invocation.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Invoker performs POST calls with transport-level retries.
type Invoker struct {
	client *http.Client
	policy RetryPolicy
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// Option customises an Invoker.
type Option func(*Invoker)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(i *Invoker) {
		if client != nil {
			i.client = client
		}
	}
}

// WithSleep replaces the backoff sleeper, mostly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(i *Invoker) {
		if sleep != nil {
			i.sleep = sleep
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInvoker creates an invoker with the given retry policy.
func NewInvoker(policy RetryPolicy, opts ...Option) *Invoker {
	inv := &Invoker{
		client: &http.Client{},
		policy: policy.normalized(),
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Policy returns the effective retry policy.
func (i *Invoker) Policy() RetryPolicy { return i.policy }

// Invoke posts the payload, retrying transient failures with exponential
// backoff. Permanent failures (non-2xx) return immediately. The returned
// attempt count is valid on both success and failure.
func (i *Invoker) Invoke(ctx context.Context, req Request) (Response, int, error) {
	var lastErr error
	schedule := i.policy.schedule(ctx)
	for attempt := 1; attempt <= i.policy.Attempts; attempt++ {
		resp, err := i.once(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == i.policy.Attempts {
			return Response{}, attempt, err
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, attempt, xerrors.Wrap(xerrors.CodeTransientDownstream, ctxErr, "retry aborted")
			}
			return Response{}, attempt, err
		}
		i.logger.Warn("downstream call failed, retrying",
			slog.String("task_id", req.TaskID),
			slog.String("target", req.Target),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if err := i.sleep(ctx, delay); err != nil {
			return Response{}, attempt, xerrors.Wrap(xerrors.CodeTransientDownstream, err, "retry aborted")
		}
	}
	return Response{}, i.policy.Attempts, lastErr
}

func (i *Invoker) once(ctx context.Context, req Request) (Response, error) {
	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, req.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, xerrors.Wrap(xerrors.CodePermanentDownstream, err, "build downstream request",
			xerrors.WithMetadata("endpoint", req.Endpoint))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.TaskID != "" {
		httpReq.Header.Set("X-Task-ID", req.TaskID)
	}
	tracing.Inject(callCtx, httpReq.Header)

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportError(err, req)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, classifyTransportError(err, req)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, xerrors.New(xerrors.CodePermanentDownstream,
			fmt.Sprintf("downstream %s returned %d: %s", req.Target, resp.StatusCode, truncate(body, 256)),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			xerrors.WithMetadata("endpoint", req.Endpoint),
		)
	}
	return Response{StatusCode: resp.StatusCode, Body: normalizeBody(body)}, nil
}

// IsTransient reports whether err should be retried at the transport layer.
func IsTransient(err error) bool {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeTimeout, xerrors.CodeTransientDownstream:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err was caused by an attempt exceeding its timeout.
func IsTimeout(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeTimeout
}

func classifyTransportError(err error, req Request) error {
	var netErr net.Error
	if stdErrors.Is(err, context.DeadlineExceeded) || (stdErrors.As(err, &netErr) && netErr.Timeout()) {
		return xerrors.Wrap(xerrors.CodeTimeout, err,
			fmt.Sprintf("downstream %s timed out after %s", req.Target, req.Timeout),
			xerrors.WithMetadata("endpoint", req.Endpoint))
	}
	return xerrors.Wrap(xerrors.CodeTransientDownstream, err,
		fmt.Sprintf("downstream %s unreachable", req.Target),
		xerrors.WithMetadata("endpoint", req.Endpoint))
}

// normalizeBody keeps JSON bodies as-is and wraps anything else as a JSON
// string so stored results stay well-formed.
func normalizeBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(string(body))
	return encoded
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
