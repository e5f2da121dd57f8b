package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware instruments every request with a server span and the RED
// instruments. Plan IDs are collapsed out of the route attribute to
// keep metric cardinality bounded.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := normalizeRoute(r.URL.Path)
			attrs := []attribute.KeyValue{
				AttrHTTPRoute.String(route),
				AttrHTTPMethod.String(r.Method),
			}

			ctx, span := p.StartSpan(r.Context(), r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...))
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			attrs = append(attrs, AttrHTTPStatus.Int(rec.status))
			span.SetAttributes(AttrHTTPStatus.Int(rec.status))
			p.RecordRequest(ctx, attrs...)
			p.RecordDuration(ctx, time.Since(start), attrs...)
			if rec.status >= http.StatusInternalServerError && p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
			span.End()
		})
	}
}

// normalizeRoute replaces numeric path segments with a placeholder so
// every plan maps to the same route label.
func normalizeRoute(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if _, err := strconv.ParseUint(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
