package fetchkit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/fetchkit/internal/flight"
)

// DedupeConfig configures a DedupePlugin.
type DedupeConfig struct {
	// KeyFunc identifies identical calls; nil uses DefaultDeduplicationKeyFunc.
	KeyFunc func(*Request) string
	// Condition selects eligible calls; nil uses DefaultDeduplicationCondition.
	Condition func(*Request) bool
}

// DedupePlugin coalesces identical in-flight calls: the first caller runs
// the request and every duplicate that arrives before it settles receives
// the same outcome.
type DedupePlugin struct {
	config   DedupeConfig
	registry *flight.Registry[*Response]
}

var dedupeOwnerSlot = NewKey[*flight.Call[*Response]]("dedupe.owner")

// NewDedupePlugin creates a deduplication plugin.
func NewDedupePlugin(config DedupeConfig) *DedupePlugin {
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultDeduplicationKeyFunc
	}
	if config.Condition == nil {
		config.Condition = DefaultDeduplicationCondition
	}
	return &DedupePlugin{
		config:   config,
		registry: flight.New[*Response](),
	}
}

// Name implements Plugin.
func (p *DedupePlugin) Name() string { return "dedupe" }

// OnRequest implements RequestHook.
func (p *DedupePlugin) OnRequest(_ context.Context, req *Request, call *Call) (Decision, error) {
	if _, owner := GetValue(call, dedupeOwnerSlot); owner {
		return Continue(req), nil
	}
	if !p.config.Condition(req) {
		return Continue(req), nil
	}

	key := p.config.KeyFunc(req)
	entry, future, owner := p.registry.Join(key)
	if owner {
		SetValue(call, dedupeOwnerSlot, entry)
		call.Metrics().RecordDeduplicationPending(p.registry.Len())
		call.Logger().Debug("deduplication miss", zap.String("dedupe_key", key))
		return Continue(req), nil
	}

	call.Metrics().RecordDeduplicationHit(req.Method, endpointOf(req))
	call.Logger().Debug("deduplication hit", zap.String("dedupe_key", key))
	return Await(sharedOutcome{future: future}), nil
}

// OnSettle implements SettleHook.
func (p *DedupePlugin) OnSettle(call *Call, resp *Response, err error) {
	entry, ok := GetValue(call, dedupeOwnerSlot)
	if !ok {
		return
	}
	DeleteValue(call, dedupeOwnerSlot)

	var shared *Response
	if resp != nil {
		shared = resp.Clone()
	}
	p.registry.Settle(entry, shared, err)
	call.Metrics().RecordDeduplicationPending(p.registry.Len())
}

// Clear drops every pending entry. Callers already attached still receive
// their owner's outcome.
func (p *DedupePlugin) Clear() {
	p.registry.Clear()
}

// Forget drops the pending entry for req so the next identical call runs a
// fresh request. Callers already attached still receive the owner's outcome.
func (p *DedupePlugin) Forget(req *Request) {
	p.registry.Forget(p.config.KeyFunc(req))
}

// Pending returns the number of in-flight entries.
func (p *DedupePlugin) Pending() int {
	return p.registry.Len()
}

// sharedOutcome hands each follower its own copy of the owner's response.
type sharedOutcome struct {
	future *flight.Future[*Response]
}

// Wait implements Outcome.
func (o sharedOutcome) Wait(ctx context.Context) (*Response, error) {
	resp, err := o.future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Clone(), nil
}

// DefaultDeduplicationKeyFunc keys by method and URL with sorted query, plus
// a body digest when a body is present.
func DefaultDeduplicationKeyFunc(req *Request) string {
	key := req.Method + ":" + req.FullURL()
	if len(req.Body) > 0 {
		sum := sha256.Sum256(req.Body)
		key += "#" + hex.EncodeToString(sum[:8])
	}
	return key
}

// DefaultDeduplicationCondition enables deduplication for safe idempotent methods.
func DefaultDeduplicationCondition(req *Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions
}
