// Package backend implements the plan backend contract over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/plansession/pkg/channel"
	"github.com/openfroyo/plansession/pkg/plan"
)

// Endpoint paths served by the plan API.
const (
	PathPlan        = "/api/plan"
	PathPlanCancel  = "/api/plan/cancel"
	PathApply       = "/api/apply"
	PathApplyCancel = "/api/apply/cancel"
	PathEvents      = "/api/events"
)

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the root URL of the plan API.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// Timeout bounds every request except the event stream.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

// DefaultConfig returns a client config for a local API.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8000",
		Timeout: 60 * time.Second,
	}
}

// Client is a plan.Backend backed by the plan HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	logger  zerolog.Logger
}

var _ plan.Backend = (*Client)(nil)

// New creates a client.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		stream: &http.Client{},
		logger:  logger.With().Str("component", "backend").Logger(),
	}
}

// RunPlan implements plan.Backend.
func (c *Client) RunPlan(ctx context.Context, req plan.RunRequest) (*plan.RunResult, error) {
	var resp plan.RunResult
	if err := c.doJSON(ctx, plan.OperationRun, http.MethodPost, PathPlan, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApplyPlan implements plan.Backend.
func (c *Client) ApplyPlan(ctx context.Context, req plan.ApplyRequest) (*plan.ApplyResult, error) {
	var resp plan.ApplyResult
	if err := c.doJSON(ctx, plan.OperationApply, http.MethodPost, PathApply, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun implements plan.Backend.
func (c *Client) CancelRun(ctx context.Context) error {
	return c.doJSON(ctx, plan.OperationCancel, http.MethodPost, PathPlanCancel, nil, nil)
}

// CancelApply implements plan.Backend.
func (c *Client) CancelApply(ctx context.Context) error {
	return c.doJSON(ctx, plan.OperationCancel, http.MethodPost, PathApplyCancel, nil, nil)
}

// Stream reads the NDJSON event stream and publishes every frame on b until
// ctx is done or the server closes the stream.
func (c *Client) Stream(ctx context.Context, b *channel.Broker) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathEvents, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	c.logger.Debug().Str("url", req.URL.String()).Msg("Event stream opened")
	err = b.Pump(ctx, resp.Body)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) doJSON(ctx context.Context, op plan.Operation, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
			return plan.NewSupersededError(op, err)
		}
		return plan.NewOperationalError(op, "request failed", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return plan.NewOperationalError(op, "backend rejected request", decodeAPIError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() == context.Canceled {
			return plan.NewSupersededError(op, err)
		}
		return plan.NewOperationalError(op, "decode response", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// APIError is a non-2xx response of the plan API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	type errorPayload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	switch {
	case payload.Message != "":
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Message}
	case payload.Detail != "":
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Detail}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}
