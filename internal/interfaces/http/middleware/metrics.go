package middleware

import (
	"time"

	"github.com/erp/invoicesync/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// attrErrorCode carries the response error code set under ErrorCodeKey
var attrErrorCode = attribute.Key("error.code")

type httpInstruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
	active   metric.Int64UpDownCounter
}

func newHTTPInstruments(meter metric.Meter) (*httpInstruments, error) {
	var (
		in  httpInstruments
		err error
	)
	if in.requests, err = meter.Int64Counter("http_server_request_total",
		metric.WithDescription("HTTP requests by method, route, status and error code"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if in.duration, err = meter.Float64Histogram("http_server_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(telemetry.HTTPDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if in.size, err = meter.Int64Histogram("http_server_response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000),
	); err != nil {
		return nil, err
	}
	if in.active, err = meter.Int64UpDownCounter("http_server_active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

// HTTPMetrics records request count, latency, response size and in-flight
// requests on meter. A nil meter disables the middleware.
func HTTPMetrics(meter metric.Meter) gin.HandlerFunc {
	if meter == nil {
		return passThrough
	}
	in, err := newHTTPInstruments(meter)
	if err != nil {
		return passThrough
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()

		in.active.Add(ctx, 1)
		c.Next()
		in.active.Add(ctx, -1)

		route := attribute.NewSet(
			telemetry.AttrHTTPMethod.String(c.Request.Method),
			telemetry.AttrHTTPRoute.String(routePattern(c)),
		)
		requestAttrs := append(route.ToSlice(), telemetry.AttrHTTPStatusCode.Int(c.Writer.Status()))
		if code := c.GetString(ErrorCodeKey); code != "" {
			requestAttrs = append(requestAttrs, attrErrorCode.String(code))
		}

		in.requests.Add(ctx, 1, metric.WithAttributes(requestAttrs...))
		in.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributeSet(route))
		if n := c.Writer.Size(); n > 0 {
			in.size.Record(ctx, int64(n), metric.WithAttributeSet(route))
		}
	}
}

// routePattern returns the matched route ("/auth/:service/callback")
// rather than the raw path, keeping instance keys out of the labels.
func routePattern(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

func passThrough(c *gin.Context) {
	c.Next()
}
