// Package client is a typed Go client for the authgrid HTTP API, used by the
// smoke tool and by services embedding authorization checks.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"authgrid.org/internal/engine"
	"authgrid.org/internal/eval"
)

// Client talks to one authgrid instance. It is safe for concurrent use.
type Client struct {
	base  string
	http  *http.Client
	token string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithToken sets the bearer token for every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the given base URL, e.g. "http://localhost:8080".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

type commandRequest struct {
	Type    string          `json:"type"`
	ActorID int64           `json:"actor_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type queryRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type queryResponse struct {
	Result json.RawMessage `json:"result"`
}

// Submit sends one mutating command and returns the engine result.
func (c *Client) Submit(ctx context.Context, kind string, payload any) (engine.Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return engine.Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	var res engine.Result
	err = c.post(ctx, "/v1/commands", commandRequest{Type: kind, Payload: raw}, &res)
	return res, err
}

// Query runs one read-only query and decodes the result into out.
func (c *Client) Query(ctx context.Context, kind string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var resp queryResponse
	if err := c.post(ctx, "/v1/queries", queryRequest{Type: kind, Payload: raw}, &resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode query result: %w", err)
	}
	return nil
}

// CheckAccess asks whether a principal may perform verb on the resource URI.
func (c *Client) CheckAccess(ctx context.Context, req eval.Request) (eval.Decision, error) {
	var d eval.Decision
	err := c.Query(ctx, "access.check", req, &d)
	return d, err
}

type tokenRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Principal int64  `json:"principal_id"`
}

// Authenticate exchanges credentials for a bearer token and installs it on the
// client for subsequent requests.
func (c *Client) Authenticate(ctx context.Context, tenantID, email, password string) (int64, error) {
	var resp tokenResponse
	err := c.post(ctx, "/v1/auth/token", tokenRequest{
		TenantID: tenantID,
		Email:    email,
		Password: password,
	}, &resp)
	if err != nil {
		return 0, err
	}
	c.token = resp.Token
	return resp.Principal, nil
}

// Ready reports whether the server's readiness probes pass.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/readyz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.RequestID = body.RequestID
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
