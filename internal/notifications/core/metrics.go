package core

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sony/gobreaker/v2"

	"boommelding/internal/types"
)

const (
	// metricQueueSize bounds the metrics waiting to be published. Records
	// beyond it are dropped.
	metricQueueSize = 256
	publishTimeout  = 5 * time.Second
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type pendingMetric struct {
	failureMsg string
	attrs      []any
	data       []cwtypes.MetricDatum
}

// CloudWatchMetrics publishes delivery and request metrics to CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Backend, Result}
//   - DeliveryAttemptLatency: Dims {Backend}
//   - APIRequestCount: Dims {Method, Endpoint, Status}
//   - APILatency: Dims {Method, Endpoint}
//
// Record calls only enqueue. A single background worker publishes with its
// own timeout, independent of the caller's context, through a circuit
// breaker that stops calling CloudWatch while it keeps failing. Publishing
// failures are logged and never surface to the caller.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	breaker   *gobreaker.CircuitBreaker[*cloudwatch.PutMetricDataOutput]

	queue    chan pendingMetric
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace,
// or types.MetricNamespace when namespace is empty, and starts its worker.
// Call Close to flush queued metrics.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		queue:     make(chan pendingMetric, metricQueueSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker[*cloudwatch.PutMetricDataOutput](gobreaker.Settings{
		Name:        "cloudwatch-metrics",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("metrics circuit breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	go m.run()
	return m
}

// Close stops the worker after it has published everything queued so far,
// or returns ctx.Err() if that takes longer than ctx allows.
func (m *CloudWatchMetrics) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *CloudWatchMetrics) run() {
	defer close(m.doneCh)
	for {
		select {
		case p := <-m.queue:
			m.publish(p)
		case <-m.stopCh:
			for {
				select {
				case p := <-m.queue:
					m.publish(p)
				default:
					return
				}
			}
		}
	}
}

func (m *CloudWatchMetrics) enqueue(p pendingMetric) {
	select {
	case <-m.stopCh:
		return
	default:
	}

	select {
	case m.queue <- p:
	default:
		m.logger.Warn("metric buffer full; dropping metric", p.attrs...)
	}
}

func (m *CloudWatchMetrics) publish(p pendingMetric) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err := m.breaker.Execute(func() (*cloudwatch.PutMetricDataOutput, error) {
		return m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: p.data,
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		m.logger.Debug("metrics publishing suspended", p.attrs...)
	default:
		m.logger.Error(p.failureMsg, append([]any{"error", err.Error()}, p.attrs...)...)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// RecordDelivery emits a DeliveryAttempt count.
func (m *CloudWatchMetrics) RecordDelivery(_ context.Context, backend string, result MetricResult) {
	m.enqueue(pendingMetric{
		failureMsg: "failed to record delivery metric",
		attrs:      []any{"backend", backend, "result", string(result)},
		data: []cwtypes.MetricDatum{{
			MetricName: aws.String(types.MetricDeliveryAttempt),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(time.Now()),
			Dimensions: []cwtypes.Dimension{
				dim(types.DimBackend, backend),
				dim(types.DimResult, string(result)),
			},
		}},
	})
}

// RecordLatency emits the attempt duration in milliseconds.
func (m *CloudWatchMetrics) RecordLatency(_ context.Context, backend string, duration time.Duration) {
	m.enqueue(pendingMetric{
		failureMsg: "failed to record latency metric",
		attrs:      []any{"backend", backend, "duration_ms", duration.Milliseconds()},
		data: []cwtypes.MetricDatum{{
			MetricName: aws.String(types.MetricDeliveryLatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Timestamp:  aws.Time(time.Now()),
			Dimensions: []cwtypes.Dimension{dim(types.DimBackend, backend)},
		}},
	})
}

// RecordRequest emits a request count and latency in a single call.
func (m *CloudWatchMetrics) RecordRequest(_ context.Context, method, endpoint string, status int, duration time.Duration) {
	now := aws.Time(time.Now())
	m.enqueue(pendingMetric{
		failureMsg: "failed to record request metric",
		attrs:      []any{"endpoint", endpoint, "status", status},
		data: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricAPIRequestCount),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  now,
				Dimensions: []cwtypes.Dimension{
					dim(types.DimMethod, method),
					dim(types.DimEndpoint, endpoint),
					dim(types.DimStatus, strconv.Itoa(status)),
				},
			},
			{
				MetricName: aws.String(types.MetricAPILatency),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Timestamp:  now,
				Dimensions: []cwtypes.Dimension{
					dim(types.DimMethod, method),
					dim(types.DimEndpoint, endpoint),
				},
			},
		},
	})
}

// NoopMetrics discards every metric. Used when ENABLE_METRICS is false.
type NoopMetrics struct{}

func (NoopMetrics) RecordDelivery(context.Context, string, MetricResult)              {}
func (NoopMetrics) RecordLatency(context.Context, string, time.Duration)              {}
func (NoopMetrics) RecordRequest(context.Context, string, string, int, time.Duration) {}
func (NoopMetrics) Close(context.Context) error                                       { return nil }

var (
	_ DeliveryMetrics = (*CloudWatchMetrics)(nil)
	_ RequestMetrics  = (*CloudWatchMetrics)(nil)
	_ DeliveryMetrics = NoopMetrics{}
	_ RequestMetrics  = NoopMetrics{}
)
