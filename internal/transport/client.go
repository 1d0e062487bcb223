// Package transport performs authenticated calls against a realm's REST
// backend and routes unauthorized responses through the realm's policy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ashureev/hacienda-console/internal/domain"
	"github.com/ashureev/hacienda-console/internal/policy"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 10 << 20
)

// Config holds configuration for creating a Client or Authenticator.
type Config struct {
	// BaseURL is the fixed base address of the realm backend
	// (e.g., "http://localhost:8000/api").
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Timeout bounds each request. Zero keeps HTTPClient's own timeout.
	Timeout time.Duration
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// TokenSource yields the current bearer token. An empty token means the
// request goes out unauthenticated.
type TokenSource interface {
	ResolveToken(ctx context.Context) (string, error)
}

// Response is a raw backend response, used when the caller forwards the
// payload without decoding it.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// conn is the unauthenticated plumbing shared by Client and Authenticator.
type conn struct {
	domain     domain.Domain
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newConn(d domain.Domain, config Config) (*conn, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("transport: %s BaseURL is required", d.Realm)
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid %s BaseURL %q: %w", d.Realm, config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// Copy so wrapping the transport never mutates a client shared elsewhere.
	clientCopy := *httpClient
	if config.Timeout > 0 {
		clientCopy.Timeout = config.Timeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &conn{
		domain:     d,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &clientCopy,
		logger:     logger.With("realm", string(d.Realm)),
	}, nil
}

// cleanPath normalizes a backend path so that it always stays below the
// base URL. Paths with ".." segments, plain or percent-encoded, are refused.
func cleanPath(p string) (string, error) {
	raw, query, hasQuery := strings.Cut(p, "?")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidPath, p, err)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(decoded, "\\", "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w %q", ErrInvalidPath, p)
		}
	}
	cleaned := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && cleaned != "/" {
		cleaned += "/"
	}
	if hasQuery {
		cleaned += "?" + query
	}
	return cleaned, nil
}

func (c *conn) send(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", c.domain.Realm, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Backend unreachable", "method", method, "path", path, "request_id", requestID, "error", err)
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrNetwork, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %w", method, path, ErrNetwork, err)
	}

	c.logger.Debug("Backend call", "method", method, "path", path, "status", resp.StatusCode, "request_id", requestID)
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func encodeBody(body any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return bytes.NewReader(raw), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: encode body: %w", err)
	}
	return bytes.NewReader(data), nil
}

// Client performs authenticated calls for one realm. The bearer token is
// looked up from the bound TokenSource on every request; 401 responses are
// handed to the realm policy. Client never retries on its own.
type Client struct {
	*conn
	policy *policy.Policy
}

// New creates a Client bound to tokens and pol.
func New(d domain.Domain, config Config, tokens TokenSource, pol *policy.Policy) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("transport: %s token source is required", d.Realm)
	}
	if pol == nil {
		return nil, fmt.Errorf("transport: %s policy is required", d.Realm)
	}
	c, err := newConn(d, config)
	if err != nil {
		return nil, err
	}

	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.httpClient.Transport = &bearerTransport{base: base, tokens: tokens, logger: c.logger}

	return &Client{conn: c, policy: pol}, nil
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Put sends body as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

// Delete issues DELETE path and decodes any response body into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// Do performs a call and decodes a 2xx JSON body into out (which may be nil).
// Non-2xx statuses return *APIError; 401 returns *UnauthorizedError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}
	resp, err := c.Forward(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Forward performs a call and returns the raw 2xx response. Error handling
// matches Do.
func (c *Client) Forward(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 200 && resp.Status < 300 {
		return resp, nil
	}

	apiErr := &APIError{Method: method, Path: path, Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}
	if resp.Status == http.StatusUnauthorized {
		return nil, c.unauthorized(ctx, apiErr)
	}
	return nil, apiErr
}

// unauthorized is the response-inspection stage for 401s.
func (c *Client) unauthorized(ctx context.Context, apiErr *APIError) error {
	ue := &UnauthorizedError{
		APIError:   apiErr,
		Realm:      c.domain.Realm,
		LoginRoute: c.domain.LoginRoute,
	}
	if SurfaceFromContext(ctx) == c.domain.LoginRoute {
		c.logger.Debug("Ignoring unauthorized response on the login surface", "path", apiErr.Path)
		ue.Suppressed = true
		return ue
	}

	if op := OperationFromContext(ctx); op != nil {
		ue.RetryCount = op.RetryCount()
		ue.Redirect = op.Observe(ctx, c.policy, apiErr.Status)
	} else {
		ue.Redirect = c.policy.Handle(ctx, apiErr.Status, 0)
	}
	return ue
}

// bearerTransport is the request-mutation stage. It reads the token and
// never writes to the session.
type bearerTransport struct {
	base   http.RoundTripper
	tokens TokenSource
	logger *slog.Logger
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.ResolveToken(req.Context())
	if err != nil {
		t.logger.Warn("Could not resolve token, sending request unauthenticated", "error", err)
		token = ""
	}
	if token == "" {
		t.logger.Debug("No token attached", "path", req.URL.Path)
		return t.base.RoundTrip(req)
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(authed)
}
