package types

// Metric names and dimensions emitted to CloudWatch.
const (
	MetricNamespace = "Boommelding"

	MetricDeliveryAttempt = "DeliveryAttempt"
	MetricDeliveryLatency = "DeliveryAttemptLatency"
	MetricAPIRequestCount = "APIRequestCount"
	MetricAPILatency      = "APILatency"

	DimBackend  = "Backend"
	DimResult   = "Result"
	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
)
