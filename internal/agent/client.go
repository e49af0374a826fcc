package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/wire"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-resty/resty/v2"
)

// Client talks to the validation engine REST API.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates an engine client for baseURL. The start call is never
// retried: a failed start is reported to the user instead.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{http: resty.New(), logger: logger}
	c.http.
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	c.http.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		c.logger.Debug("engine request", "method", req.Method, "url", req.URL)
		return nil
	})
	c.http.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		c.logger.Debug("engine response",
			"url", resp.Request.URL,
			"status", resp.StatusCode(),
			"duration", resp.Time())
		return nil
	})

	return c
}

// StartValidation submits a validation run.
func (c *Client) StartValidation(ctx context.Context, req *wire.ValidateRequest) (*wire.ValidateResponse, error) {
	var out wire.ValidateResponse
	var errResp wire.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errResp).
		Post(wire.PathValidate)
	if err != nil {
		return nil, fmt.Errorf("start validation: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("start validation", resp.StatusCode(), &errResp)
	}
	if out.ExecutionID == "" {
		return nil, fmt.Errorf("start validation: engine returned no execution_id")
	}
	return &out, nil
}

// Status returns the progress of a run.
func (c *Client) Status(ctx context.Context, executionID string) (*wire.StatusResponse, error) {
	var out wire.StatusResponse
	var errResp wire.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", executionID).
		SetResult(&out).
		SetError(&errResp).
		Get(wire.PathStatus)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("get status", resp.StatusCode(), &errResp)
	}
	return &out, nil
}

// Result returns the report of a completed run.
func (c *Client) Result(ctx context.Context, executionID string) (*wire.ResultResponse, error) {
	var out wire.ResultResponse
	var errResp wire.ErrorResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", executionID).
		SetResult(&out).
		SetError(&errResp).
		Get(wire.PathResult)
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("get result", resp.StatusCode(), &errResp)
	}
	return &out, nil
}

// Health calls the engine health endpoint.
func (c *Client) Health(ctx context.Context) (*wire.HealthResponse, error) {
	var out wire.HealthResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(wire.PathHealth)
	if err != nil {
		return nil, fmt.Errorf("engine health: %w", err)
	}
	if resp.IsError() {
		return nil, apiError("engine health", resp.StatusCode(), nil)
	}
	return &out, nil
}

func apiError(op string, status int, body *wire.ErrorResponse) error {
	detail := ""
	if body != nil {
		switch {
		case body.Message != "":
			detail = body.Message
		case body.Detail != nil:
			detail = fmt.Sprint(body.Detail)
		}
	}
	if detail == "" {
		return fmt.Errorf("%s: engine returned %d: %w", op, status, errhttp.ToNative(status))
	}
	return fmt.Errorf("%s: engine returned %d (%s): %w", op, status, detail, errhttp.ToNative(status))
}
