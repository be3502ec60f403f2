// Package transport issues single HTTP exchanges with upload progress reporting and cooperative cancellation.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBodyLength = 1024

// Request describes one HTTP exchange.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   Body
	// OnProgress receives upload percentages in [0, 100], non-decreasing.
	// It is only called for bodies with a non-zero length.
	OnProgress func(percent int)
}

// Sender sends a single request and returns the response payload.
type Sender interface {
	Send(ctx context.Context, req Request) ([]byte, error)
}

// Client is the default Sender, backed by a retryable HTTP client with retries disabled:
// every Send call is exactly one network exchange.
type Client struct {
	httpClient *retryablehttp.Client
	header     http.Header
	logger     log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient.HTTPClient = httpClient
	}
}

// WithHeader adds a header to every request, e.g. an Authorization token supplied by the caller.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Add(key, value)
	}
}

// NewClient ...
func NewClient(logger log.Logger, opts ...Option) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = 0
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		httpClient: httpClient,
		header:     http.Header{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StandardClient returns an *http.Client sharing the client's transport.
func (c *Client) StandardClient() *http.Client {
	return c.httpClient.StandardClient()
}

// Send performs the request. Non-2xx statuses fail with *RequestFailedError, cancellation with
// ErrRequestAborted and connection level problems with *NetworkError.
func (c *Client) Send(ctx context.Context, r Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, aborted(err)
	}

	var payload []byte
	var contentType string
	if r.Body != nil {
		var err error
		payload, contentType, err = r.Body.Materialize()
		if err != nil {
			return nil, fmt.Errorf("prepare request body: %w", err)
		}
	}

	var body interface{}
	if len(payload) > 0 {
		onProgress := r.OnProgress
		body = retryablehttp.ReaderFunc(func() (io.Reader, error) {
			return newProgressReader(payload, onProgress), nil
		})
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, values := range c.header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	for k, values := range r.Header {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.ContentLength = int64(len(payload))

	c.logger.Debugf("%s %s (%s)", r.Method, r.URL, units.HumanSizeWithPrecision(float64(len(payload)), 3))
	dump, err := httputil.DumpRequest(redacted(req.Request), false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, aborted(ctxErr)
		}
		return nil, &NetworkError{Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf("%s", err)
		}
	}(resp.Body)

	dump, err = httputil.DumpResponse(resp, false)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Response dump: %s", string(dump))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, aborted(ctxErr)
		}
		return nil, &NetworkError{Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unwrapError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

var secretHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie"}

// redacted returns a copy of req safe to log.
func redacted(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	for _, key := range secretHeaders {
		if clone.Header.Get(key) != "" {
			clone.Header.Set(key, "[REDACTED]")
		}
	}
	clone.Body = nil
	return clone
}

func unwrapError(statusCode int, body []byte) error {
	if len(body) > maxErrorBodyLength {
		body = body[:maxErrorBodyLength]
	}
	return &RequestFailedError{StatusCode: statusCode, Body: string(body)}
}
