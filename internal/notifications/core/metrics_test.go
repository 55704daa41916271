package core

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"boommelding/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	mu        sync.Mutex
	calls     []*cloudwatch.PutMetricDataInput
	ctxErrs   []error
	returnErr error
	block     chan struct{}
}

func (m *mockCloudWatchClient) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatchClient) recorded() []*cloudwatch.PutMetricDataInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*cloudwatch.PutMetricDataInput(nil), m.calls...)
}

// flush waits for the worker to publish everything queued.
func flush(t *testing.T, m *CloudWatchMetrics) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close metrics: %v", err)
	}
}

// syncBuffer is a bytes.Buffer safe for the worker goroutine to log into.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, value string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != value {
				t.Errorf("dimension %s: expected %q, got %q", name, value, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %s not found", name)
}

func TestCloudWatchMetrics_RecordDelivery(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "", nil)

	metrics.RecordDelivery(context.Background(), "smtp", MetricFailed)
	flush(t, metrics)

	calls := cw.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(calls))
	}

	input := calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}

	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricDeliveryAttempt {
		t.Errorf("expected metric name %q, got %q", types.MetricDeliveryAttempt, *datum.MetricName)
	}
	if *datum.Value != 1.0 {
		t.Errorf("expected value 1.0, got %f", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, types.DimBackend, "smtp")
	assertDimension(t, datum.Dimensions, types.DimResult, string(MetricFailed))
}

func TestCloudWatchMetrics_RecordLatency(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "CustomNS", nil)

	metrics.RecordLatency(context.Background(), "sendgrid", 1500*time.Millisecond)
	flush(t, metrics)

	input := cw.recorded()[0]
	if *input.Namespace != "CustomNS" {
		t.Errorf("expected namespace CustomNS, got %q", *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricDeliveryLatency {
		t.Errorf("unexpected metric name %q", *datum.MetricName)
	}
	if *datum.Value != 1500 {
		t.Errorf("expected 1500ms, got %f", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("expected unit Milliseconds, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, types.DimBackend, "sendgrid")
}

func TestCloudWatchMetrics_RecordRequest(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "", nil)

	metrics.RecordRequest(context.Background(), "POST", "/arcgis-webhook", 400, 20*time.Millisecond)
	flush(t, metrics)

	calls := cw.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected a single batched call, got %d", len(calls))
	}
	data := calls[0].MetricData
	if len(data) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(data))
	}
	if *data[0].MetricName != types.MetricAPIRequestCount || *data[1].MetricName != types.MetricAPILatency {
		t.Errorf("unexpected metric names %q, %q", *data[0].MetricName, *data[1].MetricName)
	}
	assertDimension(t, data[0].Dimensions, types.DimMethod, "POST")
	assertDimension(t, data[0].Dimensions, types.DimEndpoint, "/arcgis-webhook")
	assertDimension(t, data[0].Dimensions, types.DimStatus, "400")
}

func TestCloudWatchMetrics_ErrorIsLoggedNotReturned(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: fmt.Errorf("throttled")}
	buf := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))
	metrics := NewCloudWatchMetrics(cw, "", logger)

	metrics.RecordDelivery(context.Background(), "smtp", MetricSuccess)
	metrics.RecordLatency(context.Background(), "smtp", time.Second)
	metrics.RecordRequest(context.Background(), "GET", "/health", 200, time.Millisecond)
	flush(t, metrics)

	out := buf.String()
	for _, want := range []string{"failed to record delivery metric", "failed to record latency metric", "failed to record request metric"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log %q, got:\n%s", want, out)
		}
	}
}

func TestCloudWatchMetrics_PublishesAfterCallerContextEnds(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	metrics.RecordDelivery(ctx, "sendgrid", MetricSuccess)
	flush(t, metrics)

	if len(cw.recorded()) != 1 {
		t.Fatalf("expected the metric to be published, got %d calls", len(cw.recorded()))
	}
	if cw.ctxErrs[0] != nil {
		t.Errorf("publish context should not inherit the caller's cancellation, got %v", cw.ctxErrs[0])
	}
}

func TestCloudWatchMetrics_RecordDoesNotWaitForPublish(t *testing.T) {
	cw := &mockCloudWatchClient{block: make(chan struct{})}
	buf := &syncBuffer{}
	metrics := NewCloudWatchMetrics(cw, "", slog.New(slog.NewTextHandler(buf, nil)))

	done := make(chan struct{})
	go func() {
		for i := 0; i < metricQueueSize+10; i++ {
			metrics.RecordDelivery(context.Background(), "smtp", MetricSuccess)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordDelivery blocked on a stalled CloudWatch call")
	}

	close(cw.block)
	flush(t, metrics)

	if !strings.Contains(buf.String(), "metric buffer full") {
		t.Errorf("expected overflow to be logged, got:\n%s", buf.String())
	}
	if n := len(cw.recorded()); n > metricQueueSize+1 {
		t.Errorf("expected at most %d published metrics, got %d", metricQueueSize+1, n)
	}
}

func TestCloudWatchMetrics_BreakerStopsCallsDuringOutage(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: fmt.Errorf("service unavailable")}
	buf := &syncBuffer{}
	metrics := NewCloudWatchMetrics(cw, "", slog.New(slog.NewTextHandler(buf, nil)))

	for i := 0; i < 10; i++ {
		metrics.RecordDelivery(context.Background(), "smtp", MetricFailed)
	}
	flush(t, metrics)

	if n := len(cw.recorded()); n != 6 {
		t.Errorf("expected the breaker to open after 6 failed publishes, got %d calls", n)
	}
	if !strings.Contains(buf.String(), "metrics circuit breaker changed state") {
		t.Errorf("expected state change to be logged, got:\n%s", buf.String())
	}
}

func TestCloudWatchMetrics_RecordAfterCloseIsDropped(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "", nil)
	flush(t, metrics)

	metrics.RecordDelivery(context.Background(), "smtp", MetricSuccess)
	flush(t, metrics)

	if n := len(cw.recorded()); n != 0 {
		t.Errorf("expected no publishes after Close, got %d", n)
	}
}

func TestNoopMetrics(t *testing.T) {
	var m NoopMetrics
	m.RecordDelivery(context.Background(), "smtp", MetricSuccess)
	m.RecordLatency(context.Background(), "smtp", time.Second)
	m.RecordRequest(context.Background(), "GET", "/health", 200, time.Second)
	if err := m.Close(context.Background()); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}
