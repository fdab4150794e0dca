// Package agentclient owns all outbound HTTP from the controller to its
// fleet of agents: a typed client per remote operation, a shared transient-
// error retry wrapper, capability parsing, and console WebSocket URL
// derivation.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/errkind"
)

const (
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// Client is a typed HTTP client over one or more agents. It holds no
// per-agent state — Address is passed on every call — so one Client is
// shared across the whole controller process.
type Client struct {
	http *http.Client
	log  *zap.Logger

	maxRetries   int
	backoffBase  time.Duration
	backoffMax   time.Duration

	deployTimeout      time.Duration
	destroyTimeout     time.Duration
	nodeActionTimeout  time.Duration
	statusTimeout      time.Duration
	healthCheckTimeout time.Duration
}

// Config configures retry and timeout behavior. It is populated from
// internal/config.Config by the caller at startup.
type Config struct {
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration

	DeployTimeout      time.Duration
	DestroyTimeout     time.Duration
	NodeActionTimeout  time.Duration
	StatusTimeout      time.Duration
	HealthCheckTimeout time.Duration
}

// New returns a Client configured per cfg. The underlying *http.Client's
// connection pool is the only shared mutable state — safe for concurrent
// use by construction.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		http:               &http.Client{},
		log:                logger.Named("agentclient"),
		maxRetries:         cfg.MaxRetries,
		backoffBase:        cfg.BackoffBase,
		backoffMax:         cfg.BackoffMax,
		deployTimeout:      cfg.DeployTimeout,
		destroyTimeout:     cfg.DestroyTimeout,
		nodeActionTimeout:  cfg.NodeActionTimeout,
		statusTimeout:      cfg.StatusTimeout,
		healthCheckTimeout: cfg.HealthCheckTimeout,
	}
}

// AgentJobError is a semantic failure reported by the agent itself (a
// non-2xx response with a parseable body) rather than a transport failure.
// It is never retried by the wrapper — the Job Engine surfaces it directly
// as a job failure.
type AgentJobError struct {
	StatusCode int
	Message    string
	Stdout     string
	Stderr     string
}

func (e *AgentJobError) Error() string {
	return fmt.Sprintf("agent job error (status %d): %s", e.StatusCode, e.Message)
}

// doWithRetry issues req and retries on transient transport-level failures
// (connection refused, timeout, DNS failure) with exponential backoff
// capped at c.backoffMax, up to c.maxRetries attempts. HTTP status errors
// are not retried here — they are classified by the caller after a
// response is obtained.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.backoffBase
	var lastErr error

	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff, c.backoffMax)
		}

		resp, err := c.http.Do(req.Clone(ctx))
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		c.log.Warn("transient agent call failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, errkind.Wrap(errkind.AgentUnavailable, fmt.Errorf("agent unavailable after %d attempts: %w", attempts, lastErr))
}

// isTransient reports whether err looks like a connection-level failure
// worth retrying rather than a permanent client mistake.
func isTransient(err error) bool {
	msg := err.Error()
	for _, substr := range []string{"connection refused", "timeout", "no such host", "EOF", "connection reset", "i/o timeout"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// nextBackoff returns the next backoff duration, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > max {
		return max
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering-herd retries against the same agent.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// classify inspects a completed response and returns either nil (2xx,
// success) or a classified error. A 404 mid-operation means the agent lost
// track of the job (likely restarted) and is classified agent_restart
// rather than a generic job error.
func classify(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var parsed struct {
		Message string `json:"message"`
		Stdout  string `json:"stdout"`
		Stderr  string `json:"stderr"`
	}
	_ = json.Unmarshal(body, &parsed)
	if parsed.Message == "" {
		parsed.Message = string(body)
	}

	if resp.StatusCode == http.StatusNotFound {
		return errkind.Wrap(errkind.AgentRestart, &AgentJobError{
			StatusCode: resp.StatusCode,
			Message:    parsed.Message,
			Stdout:     parsed.Stdout,
			Stderr:     parsed.Stderr,
		})
	}

	return &AgentJobError{
		StatusCode: resp.StatusCode,
		Message:    parsed.Message,
		Stdout:     parsed.Stdout,
		Stderr:     parsed.Stderr,
	}
}

// postJSON sends a JSON POST to path on the given agent address, applies
// the retry wrapper, and decodes a JSON response into out (if non-nil).
// Returns (accepted, err) where accepted reports a 202 response, signaling
// the caller that completion will arrive asynchronously via callback.
func (c *Client) postJSON(ctx context.Context, address, path string, timeout time.Duration, body, out interface{}) (accepted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return false, errkind.Wrap(errkind.Internal, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	url := "http://" + address + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if err := classify(resp, respBody); err != nil {
		return false, err
	}

	if resp.StatusCode == http.StatusAccepted {
		return true, nil
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, errkind.Wrap(errkind.Internal, fmt.Errorf("decode response: %w", err))
		}
	}
	return false, nil
}

// getJSON sends a GET to path on the given agent address, applies the retry
// wrapper, and decodes a JSON response into out.
func (c *Client) getJSON(ctx context.Context, address, path string, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + address + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("build request: %w", err))
	}

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if err := classify(resp, respBody); err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errkind.Wrap(errkind.Internal, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// deleteJSON sends a DELETE to path and applies the retry wrapper.
func (c *Client) deleteJSON(ctx context.Context, address, path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + address + path
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("build request: %w", err))
	}

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return classify(resp, respBody)
}

// ConsoleURL derives the console WebSocket URL for a node by swapping the
// agent's HTTP address scheme to ws://.
func ConsoleURL(address, labID, node string) string {
	return fmt.Sprintf("ws://%s/console/%s/%s", address, labID, node)
}

// Capabilities is the parsed shape of an agent's self-reported capability
// payload.
type Capabilities struct {
	Providers         []string `json:"providers"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Features          []string `json:"features"`
}

// ParseCapabilities decodes a raw capability payload reported at
// registration or heartbeat time. A malformed payload yields an empty
// record with MaxConcurrentJobs defaulted to 4, rather than an error —
// capability reporting is advisory, not load-bearing for registration to
// succeed.
func ParseCapabilities(raw json.RawMessage) Capabilities {
	var caps Capabilities
	if len(raw) == 0 {
		caps.MaxConcurrentJobs = 4
		return caps
	}
	if err := json.Unmarshal(raw, &caps); err != nil {
		return Capabilities{MaxConcurrentJobs: 4}
	}
	if caps.MaxConcurrentJobs <= 0 {
		caps.MaxConcurrentJobs = 4
	}
	if caps.Providers == nil {
		caps.Providers = []string{}
	}
	if caps.Features == nil {
		caps.Features = []string{}
	}
	return caps
}

// agentAddress extracts the dial address from a db.Agent — a thin
// indirection so call sites read naturally as client.Deploy(ctx, agent, ...).
func agentAddress(agent *db.Agent) string { return agent.Address }
