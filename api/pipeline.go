// Package api is the storefront HTTP client: an interceptor pipeline that
// applies auth and error policy to every call, and a verb facade on top of it.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/go-authgate/storefront-cli/session"
)

// DefaultAPIRoot is the customer-facing API prefix.
const DefaultAPIRoot = "/api/v1/customer"

// maxBodySize caps how much of a response body is read.
const maxBodySize = 10 << 20

// HeaderRequestID carries a per-request correlation id.
const HeaderRequestID = "X-Request-ID"

// BaseURLResolver returns the server base address. It is called for every
// request, never cached.
type BaseURLResolver func() (string, error)

// StaticBaseURL returns a resolver that always yields u.
func StaticBaseURL(u string) BaseURLResolver {
	return func() (string, error) { return u, nil }
}

// RequestHook mutates an outbound request after the built-in policy ran.
type RequestHook func(*http.Request) error

// Request describes one outbound call before policy is applied.
type Request struct {
	Method   string
	Path     string
	Body     any
	Header   http.Header
	Query    url.Values
	SkipAuth bool
}

// Pipeline applies request and response policy around every call.
type Pipeline struct {
	resolve BaseURLResolver
	root    string
	tokens  oauth2.TokenSource
	hooks   []RequestHook
	log     *logrus.Entry

	subsMu  sync.Mutex
	subs    map[uint64]func(session.Invalidation)
	nextSub uint64
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithAPIRoot sets the path prefix placed between base address and call path.
func WithAPIRoot(root string) PipelineOption {
	return func(p *Pipeline) {
		p.root = root
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts oauth2.TokenSource) PipelineOption {
	return func(p *Pipeline) {
		p.tokens = ts
	}
}

// WithRequestHook appends a hook run on every outbound request.
func WithRequestHook(h RequestHook) PipelineOption {
	return func(p *Pipeline) {
		p.hooks = append(p.hooks, h)
	}
}

// WithPipelineLogger sets the logger entry.
func WithPipelineLogger(log *logrus.Entry) PipelineOption {
	return func(p *Pipeline) {
		p.log = log
	}
}

// NewPipeline creates a pipeline resolving the base address through resolve.
func NewPipeline(resolve BaseURLResolver, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		resolve: resolve,
		root:    DefaultAPIRoot,
		subs:    make(map[uint64]func(session.Invalidation)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		p.log = logrus.NewEntry(l)
	}
	return p
}

// Subscribe registers fn for session invalidation events. Events are delivered
// synchronously before the failing call returns.
func (p *Pipeline) Subscribe(fn func(session.Invalidation)) func() {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn

	return func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Pipeline) publish(ev session.Invalidation) {
	p.subsMu.Lock()
	fns := make([]func(session.Invalidation), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Outbound builds the HTTP request for r: fresh base address, query, JSON
// body, request id and, unless SkipAuth, the bearer header if a token exists.
func (p *Pipeline) Outbound(ctx context.Context, r Request) (*http.Request, error) {
	base, err := p.resolve()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base URL: %w", err)
	}
	if base == "" {
		return nil, errors.New("base URL is empty")
	}

	target, err := joinURL(base, p.root, r.Path)
	if err != nil {
		return nil, err
	}
	if len(r.Query) > 0 {
		q := target.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		data, err := encodeBody(r.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get(HeaderRequestID) == "" {
		req.Header.Set(HeaderRequestID, uuid.NewString())
	}

	if !r.SkipAuth && p.tokens != nil {
		// A missing token is not an error; the server decides.
		if tok, err := p.tokens.Token(); err == nil && tok.AccessToken != "" {
			tok.SetAuthHeader(req)
		}
	}

	for _, hook := range p.hooks {
		if err := hook(req); err != nil {
			return nil, fmt.Errorf("request hook failed: %w", err)
		}
	}

	return req, nil
}

// Inbound turns a transport result into an envelope or an *Error. A 401 first
// publishes a session invalidation.
func (p *Pipeline) Inbound(
	req *http.Request,
	resp *http.Response,
	transportErr error,
) (*Envelope[json.RawMessage], error) {
	log := p.log.WithFields(logrus.Fields{
		"method":     req.Method,
		"path":       req.URL.Path,
		"request_id": req.Header.Get(HeaderRequestID),
	})

	if transportErr == nil && resp == nil {
		transportErr = errors.New("no response received")
	}
	if transportErr != nil {
		log.WithError(transportErr).Debug("Request failed without response")
		return nil, networkError(transportErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		log.WithError(err).Debug("Failed to read response body")
		return nil, networkError(fmt.Errorf("failed to read response: %w", err))
	}

	status := resp.StatusCode
	log = log.WithField("status", status)

	if status >= 200 && status < 300 {
		env, err := parseEnvelope(status, body)
		if err != nil {
			log.WithError(err).Warn("Malformed response body")
			return nil, &Error{
				Message: "The server sent an unexpected response.",
				Code:    CodeInvalidResponse,
				Status:  status,
				Err:     err,
			}
		}
		log.Debug("Request succeeded")
		return env, nil
	}

	apiErr := Normalize(status, body, nil)

	if status == http.StatusUnauthorized {
		log.Info("Server rejected credentials")
		p.publish(session.Invalidation{
			Status:  status,
			Method:  req.Method,
			Path:    req.URL.Path,
			Message: apiErr.Message,
			At:      time.Now(),
		})
		return nil, apiErr
	}

	if isBusinessStatus(status) {
		if env, err := parseEnvelope(status, body); err == nil && !env.Success {
			log.Debug("Business failure")
			return env, nil
		}
	}

	log.WithField("code", apiErr.Code).Debug("Request rejected")
	return nil, apiErr
}

func isBusinessStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func joinURL(base, root, path string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL: %q", base)
	}

	root = strings.Trim(root, "/")
	if root != "" {
		root = "/" + root
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	u.Path = u.Path + root + ref.Path
	u.RawQuery = ref.RawQuery
	return u, nil
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return data, nil
}
