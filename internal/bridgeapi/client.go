// Package bridgeapi is an HTTP client for the bridge server's operational
// endpoints.
package bridgeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/chess-engine-bridge/internal/registry"
)

type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge api error: status=%d body=%s", e.Code, e.Body)
}

// Client talks to one bridge server. GETs are retried on transport errors
// and 5xx responses with exponential backoff.
type Client struct {
	base    string
	fc      *fasthttp.Client
	timeout time.Duration
	tries   int
	step    time.Duration
}

type Option func(*Client)

// WithTimeout bounds each attempt; a sooner ctx deadline wins.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRetry sets the total number of attempts.
func WithRetry(n int) Option { return func(c *Client) { c.tries = n } }

// WithBackoff sets the first retry delay. It doubles per attempt.
func WithBackoff(d time.Duration) Option { return func(c *Client) { c.step = d } }

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		fc:      &fasthttp.Client{Name: "bridgecheck", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 4},
		timeout: 10 * time.Second,
		tries:   3,
		step:    100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	if c.tries < 1 {
		c.tries = 1
	}
	return c
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Sessions(ctx context.Context) ([]registry.Record, error) {
	var out []registry.Record
	if err := c.getJSON(ctx, "/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics returns the raw Prometheus exposition.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/metrics")
	return string(body), err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var err error
	for n := 1; ; n++ {
		var body []byte
		var retry bool
		body, retry, err = c.once(ctx, path)
		if err == nil {
			return body, nil
		}
		if !retry || n >= c.tries {
			return nil, err
		}
		t := time.NewTimer(c.backoff(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}
}

// once performs a single GET and reports whether a failure is worth retrying.
func (c *Client) once(ctx context.Context, path string) ([]byte, bool, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.base + path)

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.fc.DoDeadline(req, resp, deadline); err != nil {
		return nil, true, fmt.Errorf("GET %s: %w", path, err)
	}

	code := resp.StatusCode()
	if code < 200 || code > 299 {
		body := resp.Body()
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, code >= 500 && code != 501, &StatusError{Code: code, Body: string(body)}
	}
	return append([]byte(nil), resp.Body()...), false, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	attempt = min(max(attempt, 1), 6)
	return c.step << (attempt - 1)
}
