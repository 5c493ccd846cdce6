package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/backoff"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/clock"
)

const maxResponseBytes = 4 << 20

// Config holds request client configuration
type Config struct {
	BaseURL     string
	Timeout     time.Duration  // default: 10 seconds
	BulkTimeout time.Duration  // default: 30 seconds
	MaxAttempts int            // default: 3
	Backoff     backoff.Policy // default: 500ms doubling, capped at 10s
}

// Request describes one logical call. Zero fields fall back to the client config.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	Timeout     time.Duration
	MaxAttempts int
	// Silent suppresses the RequestFailed notification. Liveness probes use it.
	Silent bool
}

// Client is the resilient request client every presence operation goes
// through. It applies a per-attempt timeout, classifies failures, retries
// transient ones with exponential backoff and reports unrecoverable ones to
// the notifier.
type Client struct {
	httpClient *http.Client
	cfg        Config
	clock      clock.Clock
	notifier   presence.Publisher

	failures atomic.Int64
}

// NewClient creates a request client. notifier may be nil.
func NewClient(httpClient *http.Client, cfg Config, clk clock.Clock, notifier presence.Publisher) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BulkTimeout == 0 {
		cfg.BulkTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = backoff.Policy{Base: 500 * time.Millisecond, Max: 10 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		clock:      clk,
		notifier:   notifier,
	}
}

// ConsecutiveFailures is the number of failed attempts since the last success.
func (c *Client) ConsecutiveFailures() int64 {
	return c.failures.Load()
}

// Call performs req and decodes the envelope data into out (which may be nil).
// The returned error, if any, is a *RequestError.
func (c *Client) Call(ctx context.Context, req Request, out any) error {
	attempts := req.MaxAttempts
	if attempts <= 0 {
		attempts = c.cfg.MaxAttempts
	}
	endpoint := req.Method + " " + req.Path

	var lastErr *RequestError
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff.Delay(attempt - 1)
			slog.Debug("Retrying request", "endpoint", endpoint, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return transientError(endpoint, ctx.Err())
			case <-c.clock.After(delay):
			}
		}

		err := c.do(ctx, req, out)
		if err == nil {
			c.failures.Store(0)
			return nil
		}
		lastErr = err
		c.failures.Add(1)

		if !err.Retryable() || ctx.Err() != nil {
			break
		}
		slog.Warn("Request attempt failed", "endpoint", endpoint, "attempt", attempt+1, "error", err)
	}

	if !req.Silent && !errors.Is(ctx.Err(), context.Canceled) {
		c.notify(lastErr)
	}
	return lastErr
}

func (c *Client) notify(err *RequestError) {
	slog.Error("Request failed", "endpoint", err.Endpoint, "class", err.Class.String(), "error", err)
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(presence.RequestFailed{
		Endpoint: err.Endpoint,
		Reason:   err.Error(),
		Terminal: err.Class == ClassTerminal,
	})
}

func (c *Client) do(ctx context.Context, req Request, out any) *RequestError {
	endpoint := req.Method + " " + req.Path

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return terminalError(endpoint, "failed to encode request body", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, c.url(req.Path, req.Query), body)
	if err != nil {
		return terminalError(endpoint, "failed to build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transientError(endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transientError(endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env presence.Envelope[json.RawMessage]
		_ = json.Unmarshal(raw, &env)
		return statusError(endpoint, resp.StatusCode, env.Error)
	}

	if out == nil {
		return nil
	}

	var env presence.Envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		return terminalError(endpoint, "malformed response", err)
	}
	if !env.Success {
		msg := env.Message
		if env.Error != nil {
			msg = env.Error.Message
		}
		if msg == "" {
			msg = "request was not successful"
		}
		return terminalError(endpoint, msg, nil)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return terminalError(endpoint, "malformed response data", err)
	}
	return nil
}

func (c *Client) url(path string, query url.Values) string {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}
