package domain

// Rate limit metrics that can trip a verdict.
const (
	MetricRequestRate  = "request_rate"
	MetricEndpointScan = "endpoint_scan"
	MetricErrorRate    = "error_rate"
)

// RateLimitVerdict is the result of one rate-limiter check. Ephemeral.
type RateLimitVerdict struct {
	Triggered bool
	Reason    string
	Metric    string
	Value     float64
	Threshold float64
}
