package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/sirupsen/logrus"
)

// Retry budget for idempotent calls. The worst case backoff stays far below
// DefaultTimeout so a persistent server error is reported as itself.
const (
	retryAttempts  = 2
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = time.Second
)

// idempotent lists the methods that are safe to send more than once.
var idempotent = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

type retryDoer struct {
	retry *retry.Client
	once  Doer
}

// NewRetryDoer wraps c with a short retry loop for idempotent methods.
// POST and PATCH are sent exactly once. log may be nil.
func NewRetryDoer(c *http.Client, log *logrus.Entry) (Doer, error) {
	if c == nil {
		c = http.DefaultClient
	}

	opts := []retry.Option{
		retry.WithHTTPClient(rewindingClient(c)),
		retry.WithMaxRetries(retryAttempts),
		retry.WithInitialRetryDelay(retryBaseDelay),
		retry.WithMaxRetryDelay(retryMaxDelay),
		retry.WithRetryableChecker(shouldRetry),
	}
	if log != nil {
		opts = append(opts, retry.WithLogger(retryLogger{log: log}))
	} else {
		opts = append(opts, retry.WithNoLogging())
	}

	rc, err := retry.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return &retryDoer{retry: rc, once: NewPlainDoer(c)}, nil
}

func (d *retryDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !idempotent[req.Method] {
		return d.once.DoWithContext(ctx, req)
	}

	resp, err := d.retry.DoWithContext(ctx, req)
	var exhausted *retry.RetryError
	if resp != nil && errors.As(err, &exhausted) {
		// Out of attempts: hand back the last response for classification.
		return resp, nil
	}
	return resp, err
}

// shouldRetry retries transport failures and 5xx/429 responses, unless the
// call deadline is too close to fit another backoff.
func shouldRetry(err error, resp *http.Response) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return false
	}
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	if resp.Request != nil {
		if deadline, ok := resp.Request.Context().Deadline(); ok && time.Until(deadline) < 2*retryMaxDelay {
			return false
		}
	}
	return true
}

// rewindingClient returns a copy of c whose transport reopens the request body
// on every attempt.
func rewindingClient(c *http.Client) *http.Client {
	cp := *c
	base := cp.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	cp.Transport = rewindTransport{base: base}
	return &cp
}

type rewindTransport struct {
	base http.RoundTripper
}

func (t rewindTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.GetBody == nil || req.Body == nil || req.Body == http.NoBody {
		return t.base.RoundTrip(req)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = body
	return t.base.RoundTrip(r)
}

// retryLogger routes the retry client's key/value logs into logrus.
type retryLogger struct {
	log *logrus.Entry
}

func (l retryLogger) with(args []any) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok {
			fields[k] = args[i+1]
		}
	}
	return l.log.WithFields(fields)
}

func (l retryLogger) Debug(msg string, args ...any) { l.with(args).Debug(msg) }
func (l retryLogger) Info(msg string, args ...any)  { l.with(args).Debug(msg) }
func (l retryLogger) Warn(msg string, args ...any)  { l.with(args).Info(msg) }
func (l retryLogger) Error(msg string, args ...any) { l.with(args).Warn(msg) }
