// Package core holds the telemetry shared by the notification pipeline:
// per-attempt delivery metrics and inbound request metrics, published to
// CloudWatch or discarded.
package core

import (
	"context"
	"time"
)

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess MetricResult = "success"
	MetricFailed  MetricResult = "failed"
	// MetricSkipped marks deliveries refused for missing configuration.
	MetricSkipped MetricResult = "skipped"
)

// DeliveryMetrics records the outcome of each delivery attempt.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, backend string, result MetricResult)
	RecordLatency(ctx context.Context, backend string, duration time.Duration)
}

// RequestMetrics records inbound HTTP requests.
type RequestMetrics interface {
	RecordRequest(ctx context.Context, method, endpoint string, status int, duration time.Duration)
}
