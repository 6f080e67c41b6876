package station

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/observability"
)

const tracerName = "github.com/copernicusworks/moonscan/internal/station"

// requestIDHeader carries the caller-supplied request ID inbound and is
// echoed on every response.
const requestIDHeader = "X-Request-Id"

// RequestIDMiddleware ensures a request_id is present on the request
// context, sourcing it from the X-Request-Id header if provided, and
// attaches a per-request logger annotated with request_id, method, and
// route. The ID is echoed on the response header.
func RequestIDMiddleware(base logging.Logger) mux.MiddlewareFunc {
	if base == nil {
		base = logging.Noop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if incoming := r.Header.Get(requestIDHeader); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}

			ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
				logging.String("method", r.Method),
				logging.String("route", observability.RouteTemplate(r)),
			))
			ctx = logging.ContextWithLogger(ctx, reqLog)

			w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TracingMiddleware opens a server span for each routed request so
// capture and session spans started further down nest under it.
func TracingMiddleware() mux.MiddlewareFunc {
	tracer := otel.Tracer(tracerName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := observability.RouteTemplate(r)
			ctx, span := tracer.Start(r.Context(), fmt.Sprintf("Station/%s %s", r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()

			if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
				span.SetAttributes(attribute.String("request_id", reqID))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
