// Package buildsys is the client side of the external build system's dispatch API.
package buildsys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// ErrRejected marks a dispatch the build system refused outright (4xx).
var ErrRejected = errors.New("build system rejected dispatch")

// RejectedError carries the build system's response to a rejected dispatch.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("build system rejected dispatch (%d): %s", e.StatusCode, e.Body)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// DispatchRequest is the body sent to the build system.
type DispatchRequest struct {
	JobID       string          `json:"job_id"`
	TenantID    string          `json:"tenant_id"`
	Payload     json.RawMessage `json:"payload"`
	CallbackURL string          `json:"callback_url"`
}

// Client posts dispatch requests to the build system.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxTries   uint
	initial    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetries sets how many attempts a dispatch gets and the first backoff interval.
func WithRetries(maxTries uint, initial time.Duration) Option {
	return func(c *Client) {
		c.maxTries = maxTries
		c.initial = initial
	}
}

// New returns a client for the build system at baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxTries:   4,
		initial:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch posts req to /builds. Transport errors, 408, 429 and 5xx responses
// are retried with exponential backoff; other 4xx responses return a
// *RejectedError immediately.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) error {
	ctx, span := otel.Tracer("buildplane/buildsys").Start(ctx, "buildsys.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("tenant.id", req.TenantID),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, c.post(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
	)
	span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/builds", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("build system busy (%d)", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(&RejectedError{StatusCode: resp.StatusCode, Body: string(respBody)})
	default:
		return fmt.Errorf("build system error (%d): %s", resp.StatusCode, respBody)
	}
}
