package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Callbacks delivers task records to client supplied callback URLs. Delivery
// is best effort: one attempt, errors are returned for logging only.
type Callbacks struct {
	client  *http.Client
	timeout time.Duration
}

// NewCallbacks creates a callback sender. timeout <= 0 means 10s.
func NewCallbacks(client *http.Client, timeout time.Duration) *Callbacks {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Callbacks{client: client, timeout: timeout}
}

// Deliver POSTs record as JSON to url.
func (c *Callbacks) Deliver(ctx context.Context, url string, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode callback body: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback %s returned %d", url, resp.StatusCode)
	}
	return nil
}
