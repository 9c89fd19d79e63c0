package otelobs

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// HTTPTraceLogMiddleware emits one structured access line per request carrying
// trace_id and span_id, and mirrors both ids into Trace-Id and Span-Id
// response headers for correlation. Run it inside WrapHTTPHandler so the span
// context is already on the request.
func HTTPTraceLogMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &traceStatusRecorder{ResponseWriter: w, status: http.StatusOK}

		traceID, spanID := "-", "-"
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
			// Headers must be set before the handler writes the status line.
			w.Header().Set("Trace-Id", traceID)
			w.Header().Set("Span-Id", spanID)
		}

		next.ServeHTTP(sr, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sr.status).
			Dur("duration", time.Since(start)).
			Str("trace_id", traceID).
			Str("span_id", spanID).
			Msg("request")
	})
}

type traceStatusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *traceStatusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
