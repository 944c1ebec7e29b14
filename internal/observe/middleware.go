package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// route returns the matched mux pattern, falling back to the raw path. The
// pattern keeps metric cardinality bounded.
func route(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

// Middleware instruments the diagnostics endpoints. Every request is timed
// into [Metrics.HTTPRequestDuration] by route. Requests that carry a W3C
// traceparent header continue that trace in a server span; probes and
// scrapes without one do not create spans. Successful requests are logged at
// debug level since probes arrive every few seconds.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			var span trace.Span
			if trace.SpanContextFromContext(ctx).IsValid() {
				ctx, span = StartSpan(ctx, "HTTP "+r.Method,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
					),
				)
				prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			path := route(r)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", path),
				),
			)
			if span != nil {
				span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
				span.End()
			}

			level := slog.LevelDebug
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			args := append([]any{
				"method", r.Method,
				"path", path,
				"status", rec.status,
				"duration", elapsed,
			}, TraceAttrs(ctx)...)
			slog.Log(ctx, level, "diagnostics request", args...)
		})
	}
}
