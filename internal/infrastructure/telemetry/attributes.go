package telemetry

import "go.opentelemetry.io/otel/attribute"

// Metric attribute keys
var (
	AttrService        = attribute.Key("service")
	AttrOutcome        = attribute.Key("outcome")
	AttrRunStatus      = attribute.Key("run_status")
	AttrLinkStatus     = attribute.Key("link_status")
	AttrTrigger        = attribute.Key("trigger")
	AttrHTTPMethod     = attribute.Key("http.method")
	AttrHTTPRoute      = attribute.Key("http.route")
	AttrHTTPStatusCode = attribute.Key("http.status_code")
)

// Histogram bucket boundaries in seconds
var (
	// RunDurationBuckets cover whole reconciliation runs
	RunDurationBuckets = []float64{0.5, 1, 5, 15, 30, 60, 300, 900}

	// HTTPDurationBuckets cover inbound requests. A manual reconciliation
	// trigger holds the request open for the whole run.
	HTTPDurationBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120}
)
