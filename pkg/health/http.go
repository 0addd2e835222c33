package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker performs HTTP-based health checks
type HTTPChecker struct {
	// URL is the full URL to probe (e.g., "http://relay-ip:4500/healthz")
	URL string

	// Timeout for the whole request
	Timeout time.Duration

	// ExpectedStatus is the HTTP status considered healthy (default 200)
	ExpectedStatus int

	client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:            url,
		Timeout:        ProbeTimeout,
		ExpectedStatus: http.StatusOK,
	}
}

// Check performs the HTTP health check
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if h.client == nil {
		h.client = &http.Client{Timeout: h.Timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("invalid request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode != h.ExpectedStatus {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("unexpected status %d (want %d)", resp.StatusCode, h.ExpectedStatus),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("HTTP check returned %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithTimeout sets the request timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Timeout = timeout
	h.client = nil
	return h
}

// WithExpectedStatus sets the status code considered healthy
func (h *HTTPChecker) WithExpectedStatus(status int) *HTTPChecker {
	h.ExpectedStatus = status
	return h
}
