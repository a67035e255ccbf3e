// Package dispatch performs one outbound HTTP call and classifies the
// outcome. Retry policy belongs to the calling actor, never to the
// dispatcher.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tasque/internal/telemetry"
)

// Outcome classifies a dispatch attempt. Any 2xx response is Success;
// everything else, including transport errors, is RetryableFailure.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
)

type Dispatcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

// New builds a dispatcher with a bounded per-request timeout. ratePerSec <= 0
// disables the global outbound rate limit.
func New(timeout time.Duration, ratePerSec float64, burst int) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{client: &http.Client{Timeout: timeout}}
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return d
}

// Dispatch performs the call and reports the outcome. The returned error
// describes the failure for logging; it is nil on Success.
func (d *Dispatcher) Dispatch(ctx context.Context, destination, method string, headers map[string]string, body []byte) (Outcome, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return RetryableFailure, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if method == "" {
		method = http.MethodPost
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, destination, rd)
	if err != nil {
		return RetryableFailure, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	telemetry.DispatchInFlight.Inc()
	defer telemetry.DispatchInFlight.Dec()

	resp, err := d.client.Do(req)
	if err != nil {
		telemetry.DispatchFailure.Inc()
		return RetryableFailure, fmt.Errorf("dispatch %s: %w", destination, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.DispatchFailure.Inc()
		return RetryableFailure, fmt.Errorf("dispatch %s: status %d", destination, resp.StatusCode)
	}
	telemetry.DispatchSuccess.Inc()
	return Success, nil
}
