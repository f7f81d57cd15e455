package resiliency

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a call.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Client wraps http.Client with retries, circuit breaking, and W3C trace
// header injection for outbound SaaS and MCP calls.
type Client struct {
	client  *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker
}

// NewClient returns a Client with production defaults: 30s request timeout,
// 3 retries, breaker opening after 5 failures with a 10s reset window.
func NewClient() *Client {
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   RetryConfig{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxJitter: 50 * time.Millisecond},
		breaker: NewCircuitBreaker("default", 5, 10*time.Second),
	}
}

// WithHTTPClient overrides the underlying http.Client (testing, timeouts).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// WithRetryConfig overrides the retry bounds.
func (c *Client) WithRetryConfig(cfg RetryConfig) *Client {
	c.retry = cfg
	return c
}

// Do executes a request, retrying 5xx and 429 responses. The response body
// of a final attempt is returned unread; intermediate bodies are closed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	injectTraceParent(req)

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrBreakerOpen, c.breaker.name)
	}

	ctx := req.Context()
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, rewindErr := req.GetBody()
			if rewindErr != nil {
				c.breaker.Failure()
				return nil, fmt.Errorf("rewind request body: %w", rewindErr)
			}
			req.Body = body
		}
		resp, err = c.client.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			c.breaker.Success()
			return resp, nil
		}
		if attempt == c.retry.MaxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if sleepErr := sleep(ctx, backoff(c.retry, attempt)); sleepErr != nil {
			c.breaker.Failure()
			return nil, sleepErr
		}
	}

	c.breaker.Failure()
	return resp, err
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func injectTraceParent(req *http.Request) {
	var traceBytes [16]byte
	traceID := fmt.Sprintf("%032x", time.Now().UnixNano())
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))
}

// CircuitBreaker is a minimal CLOSED/OPEN/HALF_OPEN state machine.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

// Success resets the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "HALF_OPEN" {
		cb.state = "CLOSED"
	}
	cb.failureCount = 0
}

// Failure records a failed call, opening the breaker at the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
