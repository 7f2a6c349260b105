// Package middleware provides the gin middleware of the ops server.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// probePaths are polled by orchestrators and scrapers and are not traced.
var probePaths = map[string]bool{
	"/health":  true,
	"/live":    true,
	"/metrics": true,
}

// Tracing wraps otelgin and skips probe endpoints. A nil provider uses the
// global one.
func Tracing(service string, tp trace.TracerProvider) gin.HandlerFunc {
	opts := []otelgin.Option{
		otelgin.WithFilter(func(r *http.Request) bool { return !probePaths[r.URL.Path] }),
	}
	if tp != nil {
		opts = append(opts, otelgin.WithTracerProvider(tp))
	}
	return otelgin.Middleware(service, opts...)
}

// RequestLogger logs one line per request with the trace id when present.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := logrus.Fields{
			"method":     c.Request.Method,
			"route":      path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}

		entry := logger.WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case probePaths[c.Request.URL.Path]:
			entry.Debug("Probe served")
		default:
			entry.Info("Request served")
		}
	}
}

// RecordError records an error on the request span.
func RecordError(c *gin.Context, err error, description string) {
	span := trace.SpanFromContext(c.Request.Context())
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, description)
	}
}
