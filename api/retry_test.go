package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRetryClient(t *testing.T, baseURL string, log *logrus.Entry) *Client {
	t.Helper()
	d, err := NewRetryDoer(NewHTTPClient(), log)
	require.NoError(t, err)
	p := NewPipeline(StaticBaseURL(baseURL), WithAPIRoot(""))
	return NewClient(p, WithDoer(d))
}

func TestRetryDoer_PersistentServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"success":false,"message":"Database unavailable"}`)
	}))
	defer srv.Close()

	c := newRetryClient(t, srv.URL, nil)

	start := time.Now()
	_, err := c.Get(context.Background(), "/products")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeServerError, apiErr.Code)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.False(t, IsNetwork(err))
	assert.Equal(t, int32(retryAttempts+1), hits.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryDoer_RetriedBodyIsResent(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		n := len(bodies)
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	c := newRetryClient(t, srv.URL, nil)

	env, err := c.Put(context.Background(), "/cart/items/p-1", map[string]int{"quantity": 3})
	require.NoError(t, err)
	assert.True(t, env.Success)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.JSONEq(t, `{"quantity":3}`, bodies[0])
	assert.JSONEq(t, `{"quantity":3}`, bodies[1])
}

func TestRetryDoer_PostSentOnce(t *testing.T) {
	var hits atomic.Int32
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		data, _ := io.ReadAll(r.Body)
		got = string(data)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newRetryClient(t, srv.URL, nil)

	_, err := c.Post(context.Background(), "/auth/send-otp", map[string]string{"phone": "9876543210"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, StatusOf(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.JSONEq(t, `{"phone":"9876543210"}`, got)
}

func TestRetryDoer_NoRetryNearDeadline(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newRetryClient(t, srv.URL, nil)

	_, err := c.Get(context.Background(), "/products", WithTimeout(time.Second))
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetryDoer_LogsThroughLogrus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	c := newRetryClient(t, srv.URL, logger.WithField("component", "http"))

	_, err := c.Get(context.Background(), "/products")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "will retry")
	assert.Contains(t, buf.String(), "component=http")
	assert.Contains(t, buf.String(), "status=503")
}

func TestShouldRetry(t *testing.T) {
	resp := func(status int) *http.Response {
		return &http.Response{StatusCode: status}
	}

	assert.True(t, shouldRetry(io.ErrUnexpectedEOF, nil))
	assert.False(t, shouldRetry(context.Canceled, nil))
	assert.False(t, shouldRetry(context.DeadlineExceeded, nil))
	assert.True(t, shouldRetry(nil, resp(http.StatusServiceUnavailable)))
	assert.True(t, shouldRetry(nil, resp(http.StatusTooManyRequests)))
	assert.False(t, shouldRetry(nil, resp(http.StatusConflict)))
	assert.False(t, shouldRetry(nil, resp(http.StatusOK)))
	assert.False(t, shouldRetry(nil, nil))
}

func TestClient_NonPositiveTimeoutIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	for _, d := range []time.Duration{0, -time.Second} {
		env, err := c.Get(context.Background(), "/products", WithTimeout(d))
		require.NoError(t, err)
		assert.True(t, env.Success)
	}
}
