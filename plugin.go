package fetchkit

import (
	"context"
)

// Plugin is a named middleware unit. A plugin implements any subset of
// RequestHook, ResponseHook, ErrorHook and SettleHook.
type Plugin interface {
	Name() string
}

// RequestHook runs while the request is being built, in registration order.
type RequestHook interface {
	Plugin
	OnRequest(ctx context.Context, req *Request, call *Call) (Decision, error)
}

// ResponseHook runs after a successful Transport call, in registration order.
type ResponseHook interface {
	Plugin
	OnResponse(ctx context.Context, resp *Response, call *Call) (*Response, error)
}

// ErrorHook runs on failure, in registration order, until one plugin
// recovers or asks for a retry.
type ErrorHook interface {
	Plugin
	OnError(ctx context.Context, err *ClientError, call *Call) Verdict
}

// SettleHook observes the final outcome of a logical call. It runs exactly
// once per call, on every exit path.
type SettleHook interface {
	Plugin
	OnSettle(call *Call, resp *Response, err error)
}

// Outcome is a handle to a result produced elsewhere, e.g. by another
// in-flight call.
type Outcome interface {
	Wait(ctx context.Context) (*Response, error)
}

type decisionKind uint8

const (
	decisionContinue decisionKind = iota
	decisionShortCircuit
	decisionAwait
)

// Decision is the result of a request hook.
type Decision struct {
	kind    decisionKind
	req     *Request
	resp    *Response
	outcome Outcome
}

// Continue proceeds with req, which may be the hook's input or a replacement.
func Continue(req *Request) Decision {
	return Decision{kind: decisionContinue, req: req}
}

// ShortCircuit resolves the call with resp without invoking the Transport.
func ShortCircuit(resp *Response) Decision {
	return Decision{kind: decisionShortCircuit, resp: resp}
}

// Await resolves the call with the settled value of an already running outcome.
func Await(o Outcome) Decision {
	return Decision{kind: decisionAwait, outcome: o}
}

type verdictKind uint8

const (
	verdictPropagate verdictKind = iota
	verdictRecover
	verdictRetry
)

// Verdict is the result of an error hook.
type Verdict struct {
	kind verdictKind
	resp *Response
	err  error
}

// Recover replaces the failure with resp.
func Recover(resp *Response) Verdict {
	return Verdict{kind: verdictRecover, resp: resp}
}

// Retry re-runs the whole pipeline for the same logical call.
func Retry() Verdict {
	return Verdict{kind: verdictRetry}
}

// Propagate hands err to the next error hook. A nil err keeps the current error.
func Propagate(err error) Verdict {
	return Verdict{kind: verdictPropagate, err: err}
}

// HookFuncs adapts plain functions to the hook interfaces. Nil functions are
// treated as pass-through.
type HookFuncs struct {
	PluginName string
	Request    func(ctx context.Context, req *Request, call *Call) (Decision, error)
	Response   func(ctx context.Context, resp *Response, call *Call) (*Response, error)
	Error      func(ctx context.Context, err *ClientError, call *Call) Verdict
	Settle     func(call *Call, resp *Response, err error)
}

// Name implements Plugin.
func (h *HookFuncs) Name() string {
	if h.PluginName == "" {
		return "hooks"
	}
	return h.PluginName
}

// OnRequest implements RequestHook.
func (h *HookFuncs) OnRequest(ctx context.Context, req *Request, call *Call) (Decision, error) {
	if h.Request == nil {
		return Continue(req), nil
	}
	return h.Request(ctx, req, call)
}

// OnResponse implements ResponseHook.
func (h *HookFuncs) OnResponse(ctx context.Context, resp *Response, call *Call) (*Response, error) {
	if h.Response == nil {
		return resp, nil
	}
	return h.Response(ctx, resp, call)
}

// OnError implements ErrorHook.
func (h *HookFuncs) OnError(ctx context.Context, err *ClientError, call *Call) Verdict {
	if h.Error == nil {
		return Propagate(err)
	}
	return h.Error(ctx, err, call)
}

// OnSettle implements SettleHook.
func (h *HookFuncs) OnSettle(call *Call, resp *Response, err error) {
	if h.Settle != nil {
		h.Settle(call, resp, err)
	}
}
