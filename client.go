package fetchkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client runs every call through its plugin pipeline before and after the
// Transport. It is safe for concurrent use.
type Client struct {
	transport       Transport
	plugins         []Plugin
	timeout         time.Duration
	logger          *zap.Logger
	metrics         *MetricsCollector
	requestIDGen    func() string
	validationError error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors. Settings
// that are legal but suspicious are only logged.
func New(options ...Option) *Client {
	client := &Client{
		transport:    NewHTTPTransport(nil),
		logger:       zap.NewNop(),
		requestIDGen: uuid.NewString,
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}
	if client.logger != nil {
		for _, w := range client.configWarnings() {
			client.logger.Warn("questionable client configuration", zap.String("warning", w))
		}
	}

	return client
}

// Plugins returns the registered plugins in registration order.
func (c *Client) Plugins() []Plugin {
	return append([]Plugin(nil), c.plugins...)
}

// Get performs an HTTP GET.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.send(ctx, http.MethodGet, rawURL, "", nil)
}

// Head performs an HTTP HEAD.
func (c *Client) Head(ctx context.Context, rawURL string) (*Response, error) {
	return c.send(ctx, http.MethodHead, rawURL, "", nil)
}

// Delete performs an HTTP DELETE.
func (c *Client) Delete(ctx context.Context, rawURL string) (*Response, error) {
	return c.send(ctx, http.MethodDelete, rawURL, "", nil)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error) {
	return c.send(ctx, http.MethodPost, rawURL, contentType, body)
}

// Put performs an HTTP PUT with the given content type.
func (c *Client) Put(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error) {
	return c.send(ctx, http.MethodPut, rawURL, contentType, body)
}

// Patch performs an HTTP PATCH with the given content type.
func (c *Client) Patch(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error) {
	return c.send(ctx, http.MethodPatch, rawURL, contentType, body)
}

func (c *Client) send(ctx context.Context, method, rawURL, contentType string, body []byte) (*Response, error) {
	req, err := NewRequest(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req)
}

// Do executes req through the plugin pipeline. The returned error, if any,
// is always a *ClientError.
func (c *Client) Do(req *Request) (resp *Response, err error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if req == nil {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "request is nil", Timestamp: time.Now()}
	}

	ctx := req.Context()
	call := newCall(c.requestIDGen(), req, c.logger, c.metrics)
	endpoint := endpointOf(req)

	c.metrics.RecordRequestStart(req.Method, endpoint)
	call.Logger().Debug("starting request")

	defer func() {
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		duration := time.Since(call.StartedAt)
		c.metrics.RecordRequestEnd(req.Method, endpoint)
		c.metrics.RecordRequest(req.Method, endpoint, statusCode, duration)

		var cerr *ClientError
		if errors.As(err, &cerr) {
			c.metrics.RecordError(string(cerr.Type), req.Method, endpoint)
			call.Logger().Debug("request failed",
				zap.String("error_type", string(cerr.Type)),
				zap.Int("retry_attempt", call.RetryAttempt),
				zap.Duration("duration", duration),
				zap.Error(err))
		} else {
			call.Logger().Debug("request completed",
				zap.Int("status", statusCode),
				zap.Int("retry_attempt", call.RetryAttempt),
				zap.Bool("short_circuited", call.ShortCircuited()),
				zap.Duration("duration", duration))
		}

		c.settle(call, resp, err)
	}()

	if ctx.Err() != nil {
		return nil, errorFromContext(ctx, ctx.Err(), req, call)
	}

	for {
		attemptResp, attemptErr, retry := c.runAttempt(ctx, req, call)
		if !retry {
			if attemptErr != nil {
				return nil, attemptErr
			}
			return attemptResp, nil
		}
		if ctx.Err() != nil {
			abort := errorFromContext(ctx, attemptErr, req, call)
			return nil, abort
		}
		c.metrics.RecordRetry(req.Method, endpoint, call.RetryAttempt)
		call.Logger().Debug("retrying request", zap.Int("retry_attempt", call.RetryAttempt))
	}
}

// runAttempt executes one pass of the pipeline. retry reports whether an
// error hook asked for the whole pipeline to run again.
func (c *Client) runAttempt(ctx context.Context, original *Request, call *Call) (*Response, *ClientError, bool) {
	req := original.Clone()

	for _, p := range c.plugins {
		hook, ok := p.(RequestHook)
		if !ok {
			continue
		}
		decision, err := hook.OnRequest(ctx, req, call)
		if err != nil {
			return c.handleError(ctx, asClientError(ctx, err, req, call), call)
		}
		switch decision.kind {
		case decisionContinue:
			if decision.req != nil {
				req = decision.req
			}
		case decisionShortCircuit:
			call.markShortCircuited()
			call.Logger().Debug("request short-circuited", zap.String("plugin", p.Name()))
			return decision.resp, nil, false
		case decisionAwait:
			call.markShortCircuited()
			call.Logger().Debug("awaiting shared outcome", zap.String("plugin", p.Name()))
			resp, err := decision.outcome.Wait(ctx)
			if err != nil {
				return nil, asClientError(ctx, err, req, call), false
			}
			return resp, nil, false
		default:
			panic(fmt.Sprintf("fetchkit: unknown decision from plugin %q", p.Name()))
		}
	}

	resp, cerr := c.dispatch(ctx, req, call)
	if cerr != nil {
		return c.handleError(ctx, cerr, call)
	}

	for _, p := range c.plugins {
		hook, ok := p.(ResponseHook)
		if !ok {
			continue
		}
		next, err := hook.OnResponse(ctx, resp, call)
		if err != nil {
			return c.handleError(ctx, asClientError(ctx, err, req, call), call)
		}
		if next != nil {
			resp = next
		}
	}

	return resp, nil, false
}

// dispatch invokes the Transport with a frozen copy of req under the
// per-attempt time budget.
func (c *Client) dispatch(ctx context.Context, req *Request, call *Call) (*Response, *ClientError) {
	timeout := req.Options.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	frozen := req.Clone().WithContext(attemptCtx)
	resp, err := c.transport.RoundTrip(attemptCtx, frozen)
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, errorFromContext(attemptCtx, err, frozen, call)
		}
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, newClientError(ErrorTypeParse, "response body too large", err, frozen, call)
		}
		return nil, newClientError(ErrorTypeNetwork, "network request failed", err, frozen, call)
	}
	if resp == nil {
		return nil, newClientError(ErrorTypeNetwork, "transport returned no response", nil, frozen, call)
	}
	if resp.Request == nil {
		resp.Request = frozen
	}
	if resp.StatusCode >= 400 {
		return nil, errorFromResponse(resp, frozen, call)
	}
	return resp, nil
}

// handleError runs the error hooks in registration order.
func (c *Client) handleError(ctx context.Context, cerr *ClientError, call *Call) (*Response, *ClientError, bool) {
	for _, p := range c.plugins {
		hook, ok := p.(ErrorHook)
		if !ok {
			continue
		}
		verdict := hook.OnError(ctx, cerr, call)
		switch verdict.kind {
		case verdictRecover:
			call.Logger().Debug("error recovered", zap.String("plugin", p.Name()))
			return verdict.resp, nil, false
		case verdictRetry:
			return nil, cerr, true
		case verdictPropagate:
			if verdict.err != nil {
				cerr = asClientError(ctx, verdict.err, cerr.Request, call)
			}
		default:
			panic(fmt.Sprintf("fetchkit: unknown verdict from plugin %q", p.Name()))
		}
	}
	return nil, cerr, false
}

func (c *Client) settle(call *Call, resp *Response, err error) {
	for _, p := range c.plugins {
		if hook, ok := p.(SettleHook); ok {
			hook.OnSettle(call, resp, err)
		}
	}
}

// Close releases resources held by plugins that implement io.Closer.
func (c *Client) Close() error {
	var errs []error
	for _, p := range c.plugins {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func endpointOf(req *Request) string {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(u.Host)

	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
