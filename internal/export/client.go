package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adotel/adotel/pkg/models"
	"github.com/adotel/adotel/pkg/retry"
	"go.uber.org/zap"
)

// scope identifies this collector in exported payloads.
var scope = models.InstrumentationScope{Name: "adotel", Version: "0.1.0"}

// ClientOptions configures the OTLP/HTTP client.
type ClientOptions struct {
	// Endpoint is the full logs URL, e.g. https://ingest.example.com/v1/logs.
	Endpoint    string
	AccessToken string
	Timeout     time.Duration
	TLS         *tls.Config
	Retry       retry.Config
}

// Client ships log records to the observability backend over OTLP/HTTP JSON
// with bounded retries.
type Client struct {
	endpoint    string
	token       string
	httpClient  *http.Client
	logger      *zap.Logger
	retryConfig retry.Config
	breaker     *circuitBreaker
}

// NewClient creates an export client.
func NewClient(opts ClientOptions, logger *zap.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig:     opts.TLS,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	cfg := opts.Retry
	if cfg.MaxAttempts <= 0 {
		cfg = retry.DefaultConfig()
	}

	return &Client{
		endpoint:    opts.Endpoint,
		token:       opts.AccessToken,
		httpClient:  &http.Client{Transport: transport, Timeout: timeout},
		logger:      logger,
		retryConfig: cfg,
		breaker:     newCircuitBreaker(5, 60*time.Second),
	}
}

// Export delivers records in order and returns how many the backend
// acknowledged. Acknowledged records are never resent; on a partial-success
// response only the rejected tail is retried. A non-nil error means the
// attempt budget was exhausted (or the failure was permanent) and the
// undelivered remainder should be dropped by the caller.
func (c *Client) Export(ctx context.Context, records []models.LogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if c.breaker.isOpen() {
		return 0, fmt.Errorf("export: circuit open, backend considered down")
	}

	remaining := records
	err := retry.Do(ctx, c.retryConfig, func() error {
		accepted, attemptErr := c.send(ctx, remaining)
		remaining = remaining[accepted:]
		if attemptErr != nil {
			return attemptErr
		}
		if len(remaining) > 0 {
			return fmt.Errorf("backend rejected %d records", len(remaining))
		}
		return nil
	})

	delivered := len(records) - len(remaining)
	if err != nil {
		c.breaker.recordFailure()
		return delivered, err
	}
	c.breaker.recordSuccess()
	return delivered, nil
}

// send performs a single export attempt and returns how many leading records
// the backend accepted.
func (c *Client) send(ctx context.Context, records []models.LogRecord) (int, error) {
	payload, err := json.Marshal(models.NewExportLogsRequest(scope, records))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, retry.Permanent(fmt.Errorf("backend rejected credentials (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, &throttleError{wait: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("backend error: %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, retry.Permanent(fmt.Errorf("backend refused payload (status %d): %s", resp.StatusCode, body))
	}

	var result models.ExportLogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		// The POST succeeded; an unreadable body must not cause a resend.
		c.logger.Warn("unreadable export response, assuming full acceptance", zap.Error(err))
		return len(records), nil
	}

	if ps := result.PartialSuccess; ps != nil && ps.RejectedLogRecords > 0 {
		rejected := int(ps.RejectedLogRecords)
		if rejected > len(records) {
			rejected = len(records)
		}
		c.logger.Warn("partial export",
			zap.Int("rejected", rejected),
			zap.String("reason", ps.ErrorMessage))
		return len(records) - rejected, nil
	}
	return len(records), nil
}

// throttleError carries the backend's requested wait into the retry loop.
type throttleError struct {
	wait time.Duration
}

func (e *throttleError) Error() string {
	return fmt.Sprintf("backend throttled, retry after %s", e.wait)
}

func (e *throttleError) RetryAfter() time.Duration { return e.wait }

func parseRetryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 10 * time.Second
}

// circuitBreaker prevents hammering a backend that is failing consistently.
type circuitBreaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	threshold   int
	timeout     time.Duration
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, timeout: timeout}
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures >= cb.threshold && time.Since(cb.lastFailure) < cb.timeout {
		return true
	}
	if time.Since(cb.lastFailure) >= cb.timeout {
		cb.failures = 0
	}
	return false
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
}
