// Package api is the Mailria backend client. Every request passes through an
// auth transport that attaches the bearer token from durable storage and
// recovers from 401 responses with a single coordinated token refresh.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mailria/mailria/internal/domain/auth"
	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/port/outbound"
)

// DefaultTimeout is the request timeout when none is configured.
const DefaultTimeout = 15 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// Client talks to the Mailria backend.
type Client struct {
	baseURL        string
	timeout        time.Duration
	base           http.RoundTripper
	tokens         TokenStore
	locker         storage.Locker
	lockWait       time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	httpClient *http.Client
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
}

// NewClient creates a Client for baseURL whose requests authenticate with
// the tokens held by tokens.
func NewClient(baseURL string, tokens TokenStore, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  DefaultTimeout,
		tokens:   tokens,
		lockWait: defaultLockWait,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.base == nil {
		c.base = http.DefaultTransport
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	if c.meterProvider == nil {
		c.meterProvider = otel.GetMeterProvider()
	}

	meter := c.meterProvider.Meter(observability.InstrumentationName)
	var err error
	c.requests, err = meter.Int64Counter("mailria.api.requests",
		metric.WithDescription("Backend API requests by status class"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	c.latency, err = meter.Float64Histogram("mailria.api.duration",
		metric.WithDescription("Backend API request duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	transport := &authTransport{
		base:     c.base,
		baseURL:  c.baseURL,
		tokens:   tokens,
		locker:   c.locker,
		lockWait: c.lockWait,
		refresh:  &http.Client{Transport: c.base, Timeout: c.timeout},
		logger:   c.logger,
		metrics:  c.metrics,
		tracer:   c.tracerProvider.Tracer(observability.InstrumentationName),
	}
	c.httpClient = &http.Client{Transport: transport, Timeout: c.timeout}
	return c, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the intercepted http.Client for callers that build
// their own requests.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do sends req through the auth transport. Non-2xx responses other than an
// unrecovered 401 are returned to the caller untouched.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)

	class := "error"
	if err == nil {
		class = fmt.Sprintf("%dxx", resp.StatusCode/100)
	}
	attrs := metric.WithAttributes(attribute.String("status_class", class))
	c.requests.Add(req.Context(), 1, attrs)
	c.latency.Record(req.Context(), time.Since(start).Seconds(), attrs)

	return resp, err
}

// GetJSON performs GET path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON performs POST path with body encoded as JSON and decodes the
// response into out. Either may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Body: truncate(string(respBody))}
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// loginResponse is the POST /login payload.
type loginResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	RoleID       *int     `json:"role_id,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
}

// Login implements outbound.Authenticator.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.Grant, error) {
	var resp loginResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.PostJSON(ctx, LoginPath, body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("login response without access_token")
	}

	grant := &auth.Grant{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		RoleID:       resp.RoleID,
	}
	if resp.Permissions != nil {
		grant.Permissions = permission.NewSet(resp.Permissions...)
	}
	return grant, nil
}

// meResponse is the GET /user/get_user_me payload.
type meResponse struct {
	Email       string   `json:"Email"`
	RoleID      *int     `json:"RoleID"`
	Permissions []string `json:"Permissions,omitempty"`
}

// Me implements outbound.IdentityVerifier.
func (c *Client) Me(ctx context.Context) (*auth.Identity, error) {
	var resp meResponse
	if err := c.GetJSON(ctx, MePath, &resp); err != nil {
		return nil, err
	}

	id := &auth.Identity{Email: resp.Email, RoleID: resp.RoleID}
	if resp.Permissions != nil {
		id.Permissions = permission.NewSet(resp.Permissions...)
	}
	return id, nil
}

// Heartbeat implements outbound.Pinger.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.PostJSON(ctx, HeartbeatPath, nil, nil)
}

func truncate(s string) string {
	const max = 512
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Compile-time interface verification.
var (
	_ outbound.Authenticator    = (*Client)(nil)
	_ outbound.IdentityVerifier = (*Client)(nil)
	_ outbound.Pinger           = (*Client)(nil)
)
