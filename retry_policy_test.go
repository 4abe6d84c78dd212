package fetchkit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryEvent struct {
	attempt int
	delay   time.Duration
}

func retryRecorder() (*[]retryEvent, func(int, error, time.Duration)) {
	var mu sync.Mutex
	events := &[]retryEvent{}
	return events, func(attempt int, err error, delay time.Duration) {
		mu.Lock()
		*events = append(*events, retryEvent{attempt: attempt, delay: delay})
		mu.Unlock()
	}
}

func finalCall(out **Call) *HookFuncs {
	return &HookFuncs{PluginName: "final", Settle: func(call *Call, _ *Response, _ error) { *out = call }}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	transport := newScriptedTransport(http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	events, onRetry := retryRecorder()

	cfg := DefaultRetryConfig()
	cfg.OnRetry = onRetry

	var call *Call
	client := New(WithTransport(transport), WithRetry(cfg), WithPlugins(finalCall(&call)))

	resp, err := client.Get(context.Background(), "https://api.example.com/flaky")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, transport.Calls())
	require.NotNil(t, call)
	assert.Equal(t, 2, call.RetryAttempt)
	assert.Equal(t, []retryEvent{
		{attempt: 0, delay: 100 * time.Millisecond},
		{attempt: 1, delay: 200 * time.Millisecond},
	}, *events)
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	transport := newScriptedTransport(http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable)
	client := New(WithTransport(transport), WithRetry(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}))

	_, err := client.Get(context.Background(), "https://api.example.com/down")
	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorTypeServer, cerr.Type)
	assert.Equal(t, http.StatusServiceUnavailable, cerr.StatusCode)
	assert.Equal(t, 2, cerr.Attempt)
	assert.Equal(t, 3, transport.Calls())
}

func TestRetryZeroRetries(t *testing.T) {
	transport := newScriptedTransport(http.StatusServiceUnavailable)
	client := New(WithTransport(transport), WithRetry(RetryConfig{MaxRetries: 0}))

	_, err := client.Get(context.Background(), "https://api.example.com/")
	require.Error(t, err)
	assert.Equal(t, 1, transport.Calls())
}

func TestRetryLinearBackoff(t *testing.T) {
	p := NewRetryPlugin(RetryConfig{BaseDelay: 10 * time.Millisecond, Backoff: BackoffLinear})
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 30*time.Millisecond, p.Delay(3))

	p = NewRetryPlugin(RetryConfig{BaseDelay: 10 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 40*time.Millisecond, p.Delay(3))

	p = NewRetryPlugin(RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond})
	assert.Equal(t, 25*time.Millisecond, p.Delay(3))
}

func TestRetryIneligibleRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
		cfg    RetryConfig
	}{
		{"non idempotent method", http.MethodPost, http.StatusServiceUnavailable, RetryConfig{MaxRetries: 3}},
		{"client error", http.MethodGet, http.StatusNotFound, RetryConfig{MaxRetries: 3}},
		{"status not listed", http.MethodGet, http.StatusServiceUnavailable, RetryConfig{MaxRetries: 3, StatusCodes: []int{500}}},
		{"method not listed", http.MethodGet, http.StatusServiceUnavailable, RetryConfig{MaxRetries: 3, Methods: []string{http.MethodPut}}},
		{"predicate refuses", http.MethodGet, http.StatusServiceUnavailable, RetryConfig{
			MaxRetries:  3,
			ShouldRetry: func(*ClientError, *Call) bool { return false },
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newScriptedTransport(tt.status)
			tt.cfg.BaseDelay = time.Millisecond
			client := New(WithTransport(transport), WithRetry(tt.cfg))

			req := mustRequest(t, context.Background(), tt.method, "https://api.example.com/")
			_, err := client.Do(req)
			require.Error(t, err)
			assert.Equal(t, 1, transport.Calls())
		})
	}
}

func TestRetryCustomPredicateAndMethods(t *testing.T) {
	transport := newScriptedTransport(http.StatusConflict, http.StatusOK)
	client := New(WithTransport(transport), WithRetry(RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Methods:    []string{http.MethodPost},
		ShouldRetry: func(err *ClientError, call *Call) bool {
			return err.StatusCode == http.StatusConflict
		},
	}))

	resp, err := client.Post(context.Background(), "https://api.example.com/jobs", "application/json", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, transport.Calls())
}

func TestRetryPerCallOverride(t *testing.T) {
	transport := newScriptedTransport(http.StatusServiceUnavailable)
	client := New(WithTransport(transport), WithRetry(RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond}))

	req := mustRequest(t, context.Background(), http.MethodGet, "https://api.example.com/")
	req.Options.Retry = &RetryOverride{Disabled: true}
	_, err := client.Do(req)
	require.Error(t, err)
	assert.Equal(t, 1, transport.Calls())

	req.Options.Retry = &RetryOverride{MaxRetries: 3}
	_, err = client.Do(req)
	require.Error(t, err)
	assert.Equal(t, 1+4, transport.Calls())
}

func TestRetryTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Response{StatusCode: http.StatusOK}, nil
	})
	client := New(
		WithTransport(transport),
		WithTimeout(20*time.Millisecond),
		WithRetry(RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond}),
	)

	resp, err := client.Get(context.Background(), "https://api.example.com/slow")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryAbortDuringBackoff(t *testing.T) {
	transport := newScriptedTransport(http.StatusServiceUnavailable)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := New(WithTransport(transport), WithRetry(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Hour,
		OnRetry: func(int, error, time.Duration) {
			cancel()
		},
	}))

	start := time.Now()
	_, err := client.Get(ctx, "https://api.example.com/")
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, &ClientError{Type: ErrorTypeServer}, "abort wraps the last failure")
	assert.Equal(t, 1, transport.Calls())
}

func TestRetryRespectsRetryAfter(t *testing.T) {
	transport := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{
			StatusCode: http.StatusTooManyRequests,
			Header:     http.Header{"Retry-After": {"7"}},
		}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delay time.Duration
	client := New(WithTransport(transport), WithRetry(RetryConfig{
		MaxRetries:        1,
		BaseDelay:         time.Millisecond,
		RespectRetryAfter: true,
		OnRetry: func(_ int, _ error, d time.Duration) {
			delay = d
			cancel()
		},
	}))

	_, err := client.Get(ctx, "https://api.example.com/")
	require.Error(t, err)
	assert.Equal(t, 7*time.Second, delay)
}

func TestRetryBudgetLimitsRetries(t *testing.T) {
	transport := newScriptedTransport(http.StatusServiceUnavailable)
	budget := NewRetryBudget(1, time.Hour)
	client := New(WithTransport(transport), WithRetry(RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Budget:     budget,
	}))

	_, err := client.Get(context.Background(), "https://api.example.com/")
	require.Error(t, err)
	assert.Equal(t, 2, transport.Calls())

	_, err = client.Get(context.Background(), "https://api.example.com/")
	require.Error(t, err)
	assert.Equal(t, 3, transport.Calls())

	current, maxRetries, _ := budget.Stats()
	assert.Equal(t, int64(1), current)
	assert.Equal(t, int64(1), maxRetries)
}

func TestRetryBudgetWindowResets(t *testing.T) {
	budget := NewRetryBudget(1, 10*time.Millisecond)
	assert.True(t, budget.Allow())
	assert.False(t, budget.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, budget.Allow())
}

func TestRetryPluginValidate(t *testing.T) {
	assert.NoError(t, NewRetryPlugin(DefaultRetryConfig()).Validate())

	bad := NewRetryPlugin(RetryConfig{
		MaxRetries: -1,
		BaseDelay:  time.Second,
		MaxDelay:   time.Millisecond,
		Jitter:     2,
		Backoff:    "fibonacci",
	})
	err := bad.Validate()
	require.Error(t, err)
	for _, want := range []string{"MaxRetries", "MaxDelay", "Jitter", "fibonacci"} {
		assert.Contains(t, err.Error(), want)
	}

	client := New(WithRetry(RetryConfig{MaxRetries: -1}))
	assert.False(t, client.IsValid())
}

func TestRetryDoesNotRetryAborts(t *testing.T) {
	p := NewRetryPlugin(RetryConfig{MaxRetries: 3})
	req := mustRequest(t, context.Background(), http.MethodGet, "https://api.example.com/")
	call := testCall(t, req)

	v := p.OnError(context.Background(), &ClientError{Type: ErrorTypeAbort}, call)
	assert.Equal(t, verdictPropagate, v.kind)
	assert.Zero(t, call.RetryAttempt)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, 5*time.Second, parseRetryAfter(" 5 "))
	assert.Equal(t, time.Duration(0), parseRetryAfter("0"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, time.Hour, parseRetryAfter("7200"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 25*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestDefaultIsIdempotent(t *testing.T) {
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions} {
		assert.True(t, DefaultIsIdempotent(m), m)
	}
	for _, m := range []string{http.MethodPost, http.MethodPatch} {
		assert.False(t, DefaultIsIdempotent(m), m)
	}
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(sleepContext(ctx, time.Hour), context.Canceled))
}
