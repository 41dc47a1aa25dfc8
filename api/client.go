package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds each call unless overridden with WithTimeout.
const DefaultTimeout = 30 * time.Second

// Doer executes a prepared request. *retry.Client satisfies it, but
// NewRetryDoer is what the CLI wires in.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

type plainDoer struct {
	client *http.Client
}

func (d plainDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(ctx))
}

// NewPlainDoer returns a Doer that sends each request exactly once.
func NewPlainDoer(c *http.Client) Doer {
	if c == nil {
		c = http.DefaultClient
	}
	return plainDoer{client: c}
}

// NewHTTPClient returns the base HTTP client used for storefront calls.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Client is the verb facade. Every method resolves to an envelope or fails
// with an *Error; callers must check Envelope.Success as well.
type Client struct {
	pipeline *Pipeline
	doer     Doer
	timeout  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDoer replaces the request executor.
func WithDoer(d Doer) ClientOption {
	return func(c *Client) {
		c.doer = d
	}
}

// WithDefaultTimeout changes the per-call timeout.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a facade over p. Without WithDoer requests are sent once
// through a fresh HTTP client.
func NewClient(p *Pipeline, opts ...ClientOption) *Client {
	c := &Client{
		pipeline: p,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.doer == nil {
		c.doer = NewPlainDoer(NewHTTPClient())
	}
	return c
}

// Pipeline returns the interceptor pipeline behind c.
func (c *Client) Pipeline() *Pipeline {
	return c.pipeline
}

type callConfig struct {
	header   http.Header
	query    url.Values
	timeout  time.Duration
	skipAuth bool
}

// CallOption adjusts a single call.
type CallOption func(*callConfig)

// WithHeader adds a request header.
func WithHeader(key, value string) CallOption {
	return func(cc *callConfig) {
		cc.header.Add(key, value)
	}
}

// WithQuery adds a query parameter.
func WithQuery(key, value string) CallOption {
	return func(cc *callConfig) {
		cc.query.Add(key, value)
	}
}

// WithTimeout overrides the call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) CallOption {
	return func(cc *callConfig) {
		if d > 0 {
			cc.timeout = d
		}
	}
}

// SkipAuth sends the call without a bearer header.
func SkipAuth() CallOption {
	return func(cc *callConfig) {
		cc.skipAuth = true
	}
}

// Get issues a GET.
func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) (*Envelope[json.RawMessage], error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) (*Envelope[json.RawMessage], error) {
	return c.Do(ctx, http.MethodPost, path, body, opts...)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...CallOption) (*Envelope[json.RawMessage], error) {
	return c.Do(ctx, http.MethodPut, path, body, opts...)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...CallOption) (*Envelope[json.RawMessage], error) {
	return c.Do(ctx, http.MethodPatch, path, body, opts...)
}

// Delete issues a DELETE. body may be nil.
func (c *Client) Delete(ctx context.Context, path string, body any, opts ...CallOption) (*Envelope[json.RawMessage], error) {
	return c.Do(ctx, http.MethodDelete, path, body, opts...)
}

// Do runs one call through the pipeline. The returned error, if any, is
// always an *Error.
func (c *Client) Do(
	ctx context.Context,
	method, path string,
	body any,
	opts ...CallOption,
) (*Envelope[json.RawMessage], error) {
	cc := callConfig{
		header:  http.Header{},
		query:   url.Values{},
		timeout: c.timeout,
	}
	for _, opt := range opts {
		opt(&cc)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cc.timeout)
	defer cancel()

	req, err := c.pipeline.Outbound(reqCtx, Request{
		Method:   method,
		Path:     path,
		Body:     body,
		Header:   cc.header,
		Query:    cc.query,
		SkipAuth: cc.skipAuth,
	})
	if err != nil {
		return nil, requestError(err)
	}

	resp, err := c.doer.DoWithContext(reqCtx, req)
	env, err := c.pipeline.Inbound(req, resp, err)
	if err != nil {
		return nil, AsError(err)
	}
	return env, nil
}
