package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/castellan-labs/castellan/pkg/audit"
	"github.com/castellan-labs/castellan/pkg/resiliency"
)

const defaultRateLimit = 2 // requests per second per service

// maxResponseBytes bounds how much of a response body is read back.
const maxResponseBytes = 1 << 20

// Client executes registry calls with per-service rate limiting, retries,
// and audit logging.
type Client struct {
	registry *Registry
	http     *resiliency.Client
	auditor  *audit.Logger
	getenv   func(string) string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a registry client. auditor may be nil.
func NewClient(registry *Registry, auditor *audit.Logger) *Client {
	return &Client{
		registry: registry,
		http:     resiliency.NewClient(),
		auditor:  auditor,
		getenv:   os.Getenv,
		limiters: make(map[string]*rate.Limiter),
	}
}

// WithHTTPClient overrides the resilient HTTP client (testing).
func (c *Client) WithHTTPClient(rc *resiliency.Client) *Client {
	c.http = rc
	return c
}

// WithEnv overrides environment lookup (testing).
func (c *Client) WithEnv(getenv func(string) string) *Client {
	c.getenv = getenv
	return c
}

// Call invokes tool ("service.endpoint") with a JSON payload and decodes
// the JSON response. Every call, successful or not, is audited.
func (c *Client) Call(ctx context.Context, tool string, payload map[string]any) (map[string]any, error) {
	service, svc, path, err := c.registry.Resolve(tool)
	if err != nil {
		c.logCall(tool, "", payload, false, nil, err)
		return nil, err
	}
	endpoint := strings.TrimPrefix(tool, service+".")

	if err := c.limiter(service, svc).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", service, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", tool, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(svc.URL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if svc.AuthRequired {
		key := c.getenv(svc.APIKeyEnv)
		if key == "" {
			err := fmt.Errorf("service %s requires auth but %s is unset", service, svc.APIKeyEnv)
			c.logCall(service, endpoint, payload, false, nil, err)
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logCall(service, endpoint, payload, false, nil, err)
		return nil, fmt.Errorf("call %s: %w", tool, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logCall(service, endpoint, payload, false, nil, err)
		return nil, fmt.Errorf("read %s response: %w", tool, err)
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("%s returned %d: %s", tool, resp.StatusCode, truncate(string(raw), 200))
		c.logCall(service, endpoint, payload, false, nil, err)
		return nil, err
	}

	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			c.logCall(service, endpoint, payload, false, nil, err)
			return nil, fmt.Errorf("decode %s response: %w", tool, err)
		}
	}
	c.logCall(service, endpoint, payload, true, result, nil)
	return result, nil
}

// CallAction routes an action name (bare or dotted) through the registry
// and invokes the resulting tool.
func (c *Client) CallAction(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	tool, err := c.registry.Route(action)
	if err != nil {
		c.logCall(action, "", payload, false, nil, err)
		return nil, err
	}
	return c.Call(ctx, tool, payload)
}

// Health probes every service base URL and reports reachability per service.
func (c *Client) Health(ctx context.Context) map[string]error {
	out := make(map[string]error, len(c.registry.Services))
	for name, svc := range c.registry.Services {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
		if err != nil {
			out[name] = err
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			out[name] = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			out[name] = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		out[name] = nil
	}
	return out
}

func (c *Client) limiter(service string, svc Service) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[service]
	if !ok {
		rps := svc.RateLimit
		if rps <= 0 {
			rps = defaultRateLimit
		}
		lim = rate.NewLimiter(rate.Limit(rps), 1)
		c.limiters[service] = lim
	}
	return lim
}

func (c *Client) logCall(service, endpoint string, payload map[string]any, success bool, response map[string]any, err error) {
	if c.auditor == nil {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	c.auditor.LogMCPCall(service, endpoint, payload, success, response, errMsg, "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
