package fetchkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request describes a single outbound HTTP call. It is mutable while request
// hooks run; the orchestrator hands a clone to the Transport.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Query   url.Values
	Body    []byte
	Options CallOptions

	ctx context.Context
}

// CallOptions holds per-call overrides consumed by the client and plugins.
type CallOptions struct {
	// Timeout bounds each Transport attempt. Zero uses the client default.
	Timeout time.Duration
	// Cache overrides cache eligibility and TTL for this call.
	Cache *CacheOverride
	// Retry overrides retry eligibility for this call.
	Retry *RetryOverride
	// Metadata is free-form data for custom plugins.
	Metadata map[string]string
}

// CacheOverride holds cache control options for a request
type CacheOverride struct {
	Enabled bool
	TTL     time.Duration
}

// RetryOverride holds retry control options for a request
type RetryOverride struct {
	Disabled   bool
	MaxRetries int
}

// NewRequest builds a Request for an absolute URL. Query parameters present
// in rawURL are moved into Query.
func NewRequest(ctx context.Context, method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "invalid URL", Cause: err, Method: method, URL: rawURL}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "URL must be absolute", Method: method, URL: rawURL}
	}
	query := u.Query()
	u.RawQuery = ""
	u.Fragment = ""

	if ctx == nil {
		ctx = context.Background()
	}
	if method == "" {
		method = http.MethodGet
	}

	return &Request{
		Method: strings.ToUpper(method),
		URL:    u.String(),
		Header: make(http.Header),
		Query:  query,
		Body:   body,
		ctx:    ctx,
	}, nil
}

// Context returns the request's cancellation context.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("fetchkit: nil context")
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Clone returns a deep copy of r sharing only the context.
func (r *Request) Clone() *Request {
	r2 := *r
	r2.Header = r.Header.Clone()
	if r2.Header == nil {
		r2.Header = make(http.Header)
	}
	r2.Query = cloneValues(r.Query)
	if r.Body != nil {
		r2.Body = append([]byte(nil), r.Body...)
	}
	if r.Options.Cache != nil {
		c := *r.Options.Cache
		r2.Options.Cache = &c
	}
	if r.Options.Retry != nil {
		rt := *r.Options.Retry
		r2.Options.Retry = &rt
	}
	if r.Options.Metadata != nil {
		r2.Options.Metadata = make(map[string]string, len(r.Options.Metadata))
		for k, v := range r.Options.Metadata {
			r2.Options.Metadata[k] = v
		}
	}
	return &r2
}

// FullURL returns URL with the encoded, key-sorted query appended.
func (r *Request) FullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	return r.URL + "?" + r.Query.Encode()
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Response is the result of a successful call. Body is fully read.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Request    *Request
}

// Clone returns a deep copy of the response. The Request back-reference is shared.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.Header = r.Header.Clone()
	if r.Body != nil {
		r2.Body = append([]byte(nil), r.Body...)
	}
	return &r2
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// DecodeJSON unmarshals the body into v, failing with a Parse error.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		cerr := &ClientError{
			Type:       ErrorTypeParse,
			Message:    "response body is not valid JSON",
			Cause:      err,
			StatusCode: r.StatusCode,
			Body:       r.Body,
			Header:     r.Header,
			Timestamp:  time.Now(),
		}
		if r.Request != nil {
			cerr.Request = r.Request
			cerr.Method = r.Request.Method
			cerr.URL = r.Request.FullURL()
		}
		return cerr
	}
	return nil
}
