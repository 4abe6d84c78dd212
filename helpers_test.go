package fetchkit

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedTransport replays statuses in order and repeats the last one.
type scriptedTransport struct {
	mu       sync.Mutex
	statuses []int
	body     string
	calls    atomic.Int32
	seen     []*Request
}

func newScriptedTransport(statuses ...int) *scriptedTransport {
	return &scriptedTransport{statuses: statuses, body: "ok"}
}

func (s *scriptedTransport) RoundTrip(_ context.Context, req *Request) (*Response, error) {
	n := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	s.seen = append(s.seen, req)
	status := s.statuses[len(s.statuses)-1]
	if n < len(s.statuses) {
		status = s.statuses[n]
	}
	s.mu.Unlock()
	return &Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(s.body),
	}, nil
}

func (s *scriptedTransport) Calls() int {
	return int(s.calls.Load())
}

func (s *scriptedTransport) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.seen...)
}

func mustRequest(t *testing.T, ctx context.Context, method, rawURL string) *Request {
	t.Helper()
	req, err := NewRequest(ctx, method, rawURL, nil)
	require.NoError(t, err)
	return req
}

func testCall(t *testing.T, req *Request) *Call {
	t.Helper()
	return newCall("test-call", req, zap.NewNop(), nil)
}
