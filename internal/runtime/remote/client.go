// Package remote is a runtime backend that forwards every call to a model
// server over HTTP. Control messages are JSON; tensors travel as raw float32
// bodies.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"maisi/internal/logging"
	"maisi/internal/ndarray"
	"maisi/internal/runtime"
)

const (
	defaultHTTPTimeout    = 10 * time.Minute
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 10 * time.Second
)

// Config captures the settings needed to reach the model server.
type Config struct {
	BaseURL        string
	TimeoutSeconds int
}

// Client implements runtime.Backend against a model server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(context.Context, time.Duration) error
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "runtime.remote")
	}
}

// WithRetry overrides the retry policy.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// New constructs a client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote runtime: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("remote runtime: parse url: %w", err)
	}
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		baseURL:          base,
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logging.NewComponentLogger(nil, "runtime.remote"),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleeper:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "remote" }

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Health describes the server state.
type Health struct {
	Backend string              `json:"backend"`
	Models  []runtime.ModelSpec `json:"models"`
}

// Health queries the server status endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	resp, err := c.do(ctx, http.MethodGet, "/v1/health", "", nil, nil)
	if err != nil {
		return out, fmt.Errorf("runtime health: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("runtime health: decode: %w", err)
	}
	return out, nil
}

// Load asks the server to load a model. Failures are not retried.
func (c *Client) Load(ctx context.Context, spec runtime.ModelSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("runtime load: encode: %w", err)
	}
	resp, err := c.once(ctx, http.MethodPost, "/v1/models", "application/json", body, nil)
	if err != nil {
		return fmt.Errorf("runtime load %s: %w", spec.Role, err)
	}
	resp.Body.Close()
	return nil
}

// Encode sends one window to the server autoencoder.
func (c *Client) Encode(ctx context.Context, input *ndarray.Array) (*ndarray.Array, error) {
	var buf bytes.Buffer
	buf.Grow(4 * len(input.Data))
	if err := runtime.WriteTensor(&buf, input); err != nil {
		return nil, fmt.Errorf("runtime encode: %w", err)
	}
	header := http.Header{runtime.HeaderShape: []string{runtime.FormatShape(input.Shape)}}
	out, err := c.tensorCall(ctx, "/v1/encode", runtime.ContentTensor, buf.Bytes(), header)
	if err != nil {
		return nil, fmt.Errorf("runtime encode: %w", err)
	}
	return out, nil
}

func (c *Client) GenerateMask(ctx context.Context, req runtime.MaskRequest) (*ndarray.Array, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("runtime mask: encode: %w", err)
	}
	out, err := c.tensorCall(ctx, "/v1/mask", "application/json", body, nil)
	if err != nil {
		return nil, fmt.Errorf("runtime mask: %w", err)
	}
	return out, nil
}

func (c *Client) GenerateImage(ctx context.Context, req runtime.ImageRequest) (*ndarray.Array, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("runtime image: encode: %w", err)
	}
	out, err := c.tensorCall(ctx, "/v1/image", "application/json", body, nil)
	if err != nil {
		return nil, fmt.Errorf("runtime image: %w", err)
	}
	return out, nil
}

func (c *Client) tensorCall(ctx context.Context, path, contentType string, body []byte, header http.Header) (*ndarray.Array, error) {
	resp, err := c.do(ctx, http.MethodPost, path, contentType, body, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	shape, err := runtime.ParseShape(resp.Header.Get(runtime.HeaderShape))
	if err != nil {
		return nil, err
	}
	return runtime.ReadTensor(resp.Body, shape)
}

type statusError struct {
	StatusCode int
	Message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// do sends a request with retries on transient failures.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, header http.Header) (*http.Response, error) {
	attempts := max(c.retryMaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.once(ctx, method, path, contentType, body, header)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == attempts || !retryable(ctx, err) {
			break
		}
		delay := c.backoff(attempt)
		c.logger.Debug("runtime request retry",
			logging.String("path", path),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := c.sleeper(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path, contentType string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	requestID, ok := logging.RequestIDFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	req.Header.Set(runtime.HeaderRequestID, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var payload struct {
			Message string `json:"message"`
		}
		text := strings.TrimSpace(string(msg))
		if json.Unmarshal(msg, &payload) == nil && payload.Message != "" {
			text = payload.Message
		}
		return nil, &statusError{StatusCode: resp.StatusCode, Message: text}
	}
	return resp, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests ||
			statusErr.StatusCode == http.StatusServiceUnavailable ||
			statusErr.StatusCode == http.StatusBadGateway ||
			statusErr.StatusCode == http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retryBaseDelay << (attempt - 1)
	if c.retryMaxDelay > 0 && delay > c.retryMaxDelay {
		return c.retryMaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
