// Package middleware provides the gin middleware chain of the sync API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorCodeKey is set by handlers to the error code they responded with
const ErrorCodeKey = "error_code"

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
}

// path parameters copied onto the server span
var spanParams = map[string]string{
	"service":        "sync.service",
	"sourceRecordId": "sync.source_record_id",
}

// Tracing returns the handlers that trace a request: otelgin opens the
// server span named "METHOD route", then annotateSpan tags it with the
// request id and path parameters and, once the chain returns, with the
// response status and error code. Health probes are not traced.
func Tracing(cfg TracingConfig) []gin.HandlerFunc {
	if !cfg.Enabled {
		return nil
	}
	skipHealth := otelgin.WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/health"
	})
	return []gin.HandlerFunc{otelgin.Middleware(cfg.ServiceName, skipHealth), annotateSpan}
}

func annotateSpan(c *gin.Context) {
	span := trace.SpanFromContext(c.Request.Context())
	if !span.IsRecording() {
		c.Next()
		return
	}

	if requestID := GetRequestID(c); requestID != "" {
		span.SetAttributes(attribute.String("request_id", requestID))
	}
	for param, key := range spanParams {
		if v := c.Param(param); v != "" {
			span.SetAttributes(attribute.String(key, v))
		}
	}

	c.Next()

	status := c.Writer.Status()
	if status < http.StatusBadRequest {
		return
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	if code := c.GetString(ErrorCodeKey); code != "" {
		span.SetAttributes(attribute.String("error.code", code))
	}
}
