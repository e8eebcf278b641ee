package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nadmax/taskrpc/internal/metrics"
	"golang.org/x/time/rate"
)

const maxErrorBody = 64 << 10

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	dialer     *websocket.Dialer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds each request. Long-running work is not affected since it
// runs server side behind launch/status procedures.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit caps the request rate shared by every call shape of the client.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call invokes the named procedure and returns the decoded JSON response.
func (c *Client) Call(ctx context.Context, name string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(newRequest(name, args, kwargs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request for %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CallPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, name, req)
	if err != nil {
		return nil, err
	}

	return readJSON(name, resp)
}

// do sends req and turns network failures and non-2xx responses into
// TransportError. The caller owns the body of a returned response.
func (c *Client) do(ctx context.Context, name string, req *http.Request) (*http.Response, error) {
	start := time.Now()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.RecordClientCall(name, "error", time.Since(start))
			return nil, &TransportError{Err: err}
		}
	}

	req.Header.Set(RequestIDHeader, uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordClientCall(name, "error", time.Since(start))
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer closeBody(resp)

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.RecordClientCall(name, "error", time.Since(start))
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	metrics.RecordClientCall(name, "ok", time.Since(start))
	return resp, nil
}

func readJSON(name string, resp *http.Response) (json.RawMessage, error) {
	defer closeBody(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: err}
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON response from %s", name)
	}

	return json.RawMessage(data), nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Printf("failed to close response body: %v", err)
	}
}
