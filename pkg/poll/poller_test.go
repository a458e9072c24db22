package poll

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequenceServer replies with the given status codes in order and repeats
// the last one once they run out.
func sequenceServer(t *testing.T, codes ...int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1)) - 1
		if n >= len(codes) {
			n = len(codes) - 1
		}
		w.WriteHeader(codes[n])
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// scriptedClient answers Do from a fixed list of results.
type scriptedClient struct {
	mu      sync.Mutex
	results []func() (*http.Response, error)
	calls   int
}

func (c *scriptedClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	c.calls++
	return c.results[i]()
}

func status(code int) func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}, nil
	}
}

func refused() func() (*http.Response, error) {
	return func() (*http.Response, error) {
		return nil, errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	}
}

func TestPollUntilReady_ReadyAfterServerErrors(t *testing.T) {
	srv, hits := sequenceServer(t, 500, 500, 200)

	ready := NewPoller(srv.Client()).PollUntilReady(context.Background(), srv.URL, RetryPolicy{
		MaxAttempts: 3,
		Delay:       0,
		Predicate:   Status2xx,
	})

	assert.True(t, ready)
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
}

func TestPollUntilReady_ExhaustsBudget(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		srv, hits := sequenceServer(t, 503)

		out := NewPoller(srv.Client()).Poll(context.Background(), srv.URL, RetryPolicy{MaxAttempts: n})

		assert.False(t, out.Ready)
		assert.Equal(t, n, out.Attempts)
		assert.Equal(t, int32(n), atomic.LoadInt32(hits), "at most MaxAttempts requests")
		assert.Equal(t, 503, out.LastStatus)
		assert.Error(t, out.LastErr)
	}
}

func TestPollUntilReady_StopsAtFirstReady(t *testing.T) {
	srv, hits := sequenceServer(t, 200)

	out := NewPoller(srv.Client()).Poll(context.Background(), srv.URL, RetryPolicy{MaxAttempts: 10})

	assert.True(t, out.Ready)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.NoError(t, out.LastErr)
}

func TestPollUntilReady_ConnectionErrorsCountAsAttempts(t *testing.T) {
	client := &scriptedClient{results: []func() (*http.Response, error){refused(), refused(), status(204)}}

	out := NewPoller(client).Poll(context.Background(), "http://svc.internal/health", RetryPolicy{MaxAttempts: 3})

	assert.True(t, out.Ready)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 204, out.LastStatus)
}

func TestPollUntilReady_UnreachableNeverErrors(t *testing.T) {
	client := &scriptedClient{results: []func() (*http.Response, error){refused()}}

	out := NewPoller(client).Poll(context.Background(), "http://svc.internal/health", RetryPolicy{MaxAttempts: 4})

	assert.False(t, out.Ready)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, 4, client.calls)
	assert.ErrorContains(t, out.LastErr, "connection refused")
}

func TestPoll_InvalidPolicyIsNormalized(t *testing.T) {
	client := &scriptedClient{results: []func() (*http.Response, error){status(500)}}

	out := NewPoller(client).Poll(context.Background(), "http://x/", RetryPolicy{MaxAttempts: 0, Delay: -time.Second})

	assert.False(t, out.Ready)
	assert.Equal(t, 1, out.Attempts)
}

func TestPoll_DelayBetweenAttemptsOnly(t *testing.T) {
	client := &scriptedClient{results: []func() (*http.Response, error){status(500)}}

	start := time.Now()
	out := NewPoller(client).Poll(context.Background(), "http://x/", RetryPolicy{MaxAttempts: 3, Delay: 40 * time.Millisecond})
	elapsed := time.Since(start)

	assert.Equal(t, 3, out.Attempts)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestPoll_TimeoutBoundsWallClock(t *testing.T) {
	client := &scriptedClient{results: []func() (*http.Response, error){status(500)}}

	start := time.Now()
	out := NewPoller(client).Poll(context.Background(), "http://x/", RetryPolicy{
		MaxAttempts: 1000,
		Delay:       20 * time.Millisecond,
		Timeout:     100 * time.Millisecond,
	})

	assert.False(t, out.Ready)
	assert.Less(t, out.Attempts, 1000)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPoll_CancelledContext(t *testing.T) {
	client := &scriptedClient{results: []func() (*http.Response, error){status(500)}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewPoller(client).Poll(ctx, "http://x/", RetryPolicy{MaxAttempts: 5, Delay: time.Second})

	assert.False(t, out.Ready)
	assert.LessOrEqual(t, out.Attempts, 1)
}

func TestPoll_ExponentialBackoff(t *testing.T) {
	srv, hits := sequenceServer(t, 502, 502, 502, 200)

	out := NewPoller(srv.Client()).Poll(context.Background(), srv.URL, RetryPolicy{
		MaxAttempts: 4,
		Delay:       5 * time.Millisecond,
		Backoff:     BackoffExponential,
		Multiplier:  2,
		MaxDelay:    20 * time.Millisecond,
	})

	assert.True(t, out.Ready)
	assert.Equal(t, int32(4), atomic.LoadInt32(hits))
	// 5 + 10 + 20
	assert.GreaterOrEqual(t, out.Elapsed, 35*time.Millisecond)
}

func TestPoll_StarlarkPredicateSeesBody(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Release", "v2")
		if atomic.AddInt32(&hits, 1) < 2 {
			io.WriteString(w, `{"status":"starting"}`)
			return
		}
		io.WriteString(w, `{"status":"healthy"}`)
	}))
	defer srv.Close()

	pred, err := StarlarkPredicate(`status == 200 and '"healthy"' in body and headers["x-release"] == "v2"`)
	require.NoError(t, err)

	out := NewPoller(srv.Client()).Poll(context.Background(), srv.URL, RetryPolicy{MaxAttempts: 3, Predicate: pred})

	assert.True(t, out.Ready)
	assert.Equal(t, 2, out.Attempts)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 5, p.MaxAttempts)
	assert.True(t, p.Predicate(Response{Status: 200}))
	assert.False(t, p.Predicate(Response{Status: 404}))
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Delay: -1}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Backoff: "linear"}.Validate())
	assert.NoError(t, RetryPolicy{MaxAttempts: 1, Backoff: BackoffExponential}.Validate())
}
