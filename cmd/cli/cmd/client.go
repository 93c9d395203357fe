package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"buildplane/pkg/api"

	"github.com/gorilla/websocket"
)

// BuildClient handles API calls to the buildplane controller.
type BuildClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewBuildClient creates a new client with the given base URL and token.
func NewBuildClient(baseURL, token string) *BuildClient {
	return &BuildClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a JSON request and decodes a JSON response into out (when non-nil).
// Any status other than want is returned as an *APIError.
func (c *BuildClient) do(method, path string, in, out any, want int) error {
	var body io.Reader
	if in != nil {
		bodyBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the "error" field of an api.ErrorResponse body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// DispatchBuild sends POST /builds.
func (c *BuildClient) DispatchBuild(req api.DispatchBuildRequest) (*api.DispatchBuildResponse, error) {
	var result api.DispatchBuildResponse
	if err := c.do(http.MethodPost, "/builds", req, &result, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBuild sends GET /builds/{id}.
func (c *BuildClient) GetBuild(jobID string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, "/builds/"+url.PathEscape(jobID), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat sends POST /presence/heartbeat.
func (c *BuildClient) Heartbeat() error {
	return c.do(http.MethodPost, "/presence/heartbeat", nil, nil, http.StatusNoContent)
}

// PresenceAuth sends POST /presence/auth.
func (c *BuildClient) PresenceAuth(req api.PresenceAuthRequest) (*api.PresenceAuthResponse, error) {
	var result api.PresenceAuthResponse
	if err := c.do(http.MethodPost, "/presence/auth", req, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateUser sends POST /tenants/{id}/users. The client token must be the admin secret.
func (c *BuildClient) CreateUser(tenantID string, req api.CreateUserRequest) (*api.CreateUserResponse, error) {
	var result api.CreateUserResponse
	if err := c.do(http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/users", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// Watch streams raw event frames of topic to fn until ctx ends, the server
// closes the stream, or fn returns false.
func (c *BuildClient) Watch(ctx context.Context, topic, grant string, fn func(frame []byte) bool) error {
	u, err := url.Parse(c.BaseURL + "/realtime")
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{"topic": {topic}}
	if grant != "" {
		q.Set("grant", grant)
	}
	u.RawQuery = q.Encode()

	header := http.Header{"Authorization": {"Bearer " + c.Token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("stream ended: %w", err)
		}
		if !fn(frame) {
			return nil
		}
	}
}
