package fetchkit

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ambiyansyah-risyal/fetchkit"

// TracingPlugin records one client span per logical call and propagates the
// trace context in request headers.
type TracingPlugin struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

var spanSlot = NewKey[trace.Span]("tracing.span")

// NewTracingPlugin traces with tp; nil uses the global provider.
func NewTracingPlugin(tp trace.TracerProvider) *TracingPlugin {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingPlugin{
		tracer:     tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version)),
		propagator: otel.GetTextMapPropagator(),
	}
}

// Name implements Plugin.
func (p *TracingPlugin) Name() string { return "tracing" }

// OnRequest implements RequestHook.
func (p *TracingPlugin) OnRequest(ctx context.Context, req *Request, call *Call) (Decision, error) {
	span, ok := GetValue(call, spanSlot)
	if ok {
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("fetchkit.retry_attempt", call.RetryAttempt)))
	} else {
		_, span = p.tracer.Start(ctx, "HTTP "+req.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("url.full", req.FullURL()),
				attribute.String("fetchkit.request_id", call.ID),
			))
		SetValue(call, spanSlot, span)
	}

	spanCtx := trace.ContextWithSpan(ctx, span)
	p.propagator.Inject(spanCtx, propagation.HeaderCarrier(req.Header))
	return Continue(req), nil
}

// OnSettle implements SettleHook.
func (p *TracingPlugin) OnSettle(call *Call, resp *Response, err error) {
	span, ok := GetValue(call, spanSlot)
	if !ok {
		return
	}
	DeleteValue(call, spanSlot)

	span.SetAttributes(
		attribute.Int("fetchkit.retry_count", call.RetryAttempt),
		attribute.Bool("fetchkit.short_circuited", call.ShortCircuited()),
	)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	if err != nil {
		var cerr *ClientError
		if errors.As(err, &cerr) {
			span.SetAttributes(attribute.String("error.type", string(cerr.Type)))
			if cerr.StatusCode > 0 {
				span.SetAttributes(attribute.Int("http.response.status_code", cerr.StatusCode))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
