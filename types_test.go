package fetchkit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(context.Background(), "get", "https://api.example.com/users?b=2&a=1#frag", nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://api.example.com/users", req.URL)
	assert.Equal(t, "1", req.Query.Get("a"))
	assert.Equal(t, "https://api.example.com/users?a=1&b=2", req.FullURL())
	assert.NotNil(t, req.Header)
}

func TestNewRequestDefaults(t *testing.T) {
	//nolint:staticcheck // nil context falls back to Background
	req, err := NewRequest(nil, "", "https://api.example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.NotNil(t, req.Context())
	assert.Equal(t, "https://api.example.com", req.FullURL())
}

func TestNewRequestRejectsRelativeURL(t *testing.T) {
	for _, raw := range []string{"/relative", "example.com/x", "://bad"} {
		_, err := NewRequest(context.Background(), http.MethodGet, raw, nil)
		require.Error(t, err, raw)

		var cerr *ClientError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, ErrorTypeValidation, cerr.Type)
	}
}

func TestRequestCloneIsDeep(t *testing.T) {
	req := mustRequest(t, context.Background(), http.MethodPost, "https://api.example.com/items?x=1")
	req.Header.Set("X-Trace", "a")
	req.Body = []byte("payload")
	req.Options = CallOptions{
		Timeout:  time.Second,
		Cache:    &CacheOverride{Enabled: true},
		Retry:    &RetryOverride{MaxRetries: 1},
		Metadata: map[string]string{"k": "v"},
	}

	clone := req.Clone()
	clone.Header.Set("X-Trace", "b")
	clone.Query.Set("x", "2")
	clone.Body[0] = 'P'
	clone.Options.Cache.Enabled = false
	clone.Options.Retry.MaxRetries = 5
	clone.Options.Metadata["k"] = "w"

	assert.Equal(t, "a", req.Header.Get("X-Trace"))
	assert.Equal(t, "1", req.Query.Get("x"))
	assert.Equal(t, "payload", string(req.Body))
	assert.True(t, req.Options.Cache.Enabled)
	assert.Equal(t, 1, req.Options.Retry.MaxRetries)
	assert.Equal(t, "v", req.Options.Metadata["k"])
	assert.Equal(t, req.Context(), clone.Context())
}

func TestRequestWithContext(t *testing.T) {
	req := mustRequest(t, context.Background(), http.MethodGet, "https://api.example.com/")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r2 := req.WithContext(ctx)
	assert.Equal(t, ctx, r2.Context())
	assert.NotEqual(t, ctx, req.Context())
	assert.Panics(t, func() {
		//nolint:staticcheck // nil context is rejected
		req.WithContext(nil)
	})
}

func TestResponseHelpers(t *testing.T) {
	resp := &Response{StatusCode: 200, Header: http.Header{"A": {"1"}}, Body: []byte(`{"name":"ada"}`)}

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, resp.DecodeJSON(&out))
	assert.Equal(t, "ada", out.Name)
	assert.Equal(t, `{"name":"ada"}`, resp.Text())

	clone := resp.Clone()
	clone.Body[0] = '['
	clone.Header.Set("A", "2")
	assert.Equal(t, byte('{'), resp.Body[0])
	assert.Equal(t, "1", resp.Header.Get("A"))

	var nilResp *Response
	assert.Nil(t, nilResp.Clone())
}

func TestResponseDecodeJSONParseError(t *testing.T) {
	req := mustRequest(t, context.Background(), http.MethodGet, "https://api.example.com/")
	resp := &Response{StatusCode: 200, Body: []byte("not json"), Request: req}

	var v map[string]any
	err := resp.DecodeJSON(&v)
	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorTypeParse, cerr.Type)
	assert.Equal(t, http.MethodGet, cerr.Method)
}

func TestCallValues(t *testing.T) {
	call := testCall(t, mustRequest(t, context.Background(), http.MethodGet, "https://api.example.com/"))
	counter := NewKey[int]("counter")
	other := NewKey[int]("counter")

	_, ok := GetValue(call, counter)
	assert.False(t, ok)

	SetValue(call, counter, 3)
	v, ok := GetValue(call, counter)
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = GetValue(call, other)
	assert.False(t, ok, "keys compare by identity")

	DeleteValue(call, counter)
	_, ok = GetValue(call, counter)
	assert.False(t, ok)
	assert.Equal(t, "counter", counter.String())
}
