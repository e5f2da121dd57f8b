package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// Semantic attribute keys for plan lifecycle telemetry.
var (
	AttrPlanID  = attribute.Key("bequest.plan.id")
	AttrCaller  = attribute.Key("bequest.caller")
	AttrTrigger = attribute.Key("bequest.release.trigger")
	AttrOutcome = attribute.Key("bequest.plan.outcome")

	AttrHTTPRoute  = attribute.Key("http.route")
	AttrHTTPMethod = attribute.Key("http.request.method")
	AttrHTTPStatus = attribute.Key("http.response.status_code")
)

// PlanOperation builds the attributes for an operation on one plan.
func PlanOperation(id plan.ID, caller plan.Identity) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.Int64(int64(id)),
		AttrCaller.String(string(caller)),
	}
}

// ReleaseOperation builds the attributes for a release transition.
func ReleaseOperation(id plan.ID, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.Int64(int64(id)),
		AttrTrigger.String(trigger),
	}
}

// SpanFromContext returns the current span, or a no-op span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
