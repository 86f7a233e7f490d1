package qp

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{labelQPN: "7"}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.DispatcherCQError("cq_decode_error", errors.New("boom"), base)

	attrs := map[string]string{
		labelQPN:         "7",
		labelOperation:   "receive",
		labelStatus:      "error",
		labelStatusClass: "flushed",
	}
	metrics.SendCompleted(attrs)
	metrics.SendFailed(errors.New("fail"), attrs)
	metrics.ReceiveCompleted(attrs)
	metrics.ReceiveFailed(errors.New("rfail"), attrs)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"efa.qp.dispatcher.started":   1,
		"efa.qp.dispatcher.stopped":   1,
		"efa.qp.dispatcher.cq_errors": 1,
		"efa.qp.send.completed":       1,
		"efa.qp.send.failed":          1,
		"efa.qp.receive.completed":    1,
		"efa.qp.receive.failed":       1,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if v, ok := otelCounterAttr(rm, "efa.qp.receive.failed", labelStatusClass); !ok || v != "flushed" {
		t.Fatalf("status class attribute = %q (present=%v)", v, ok)
	}
	if v, ok := otelCounterAttr(rm, "efa.qp.dispatcher.cq_errors", labelKind); !ok || v != "cq_decode_error" {
		t.Fatalf("kind attribute = %q (present=%v)", v, ok)
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}

func otelCounterAttr(rm metricdata.ResourceMetrics, name, key string) (string, bool) {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			data, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range data.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok {
					return v.AsString(), true
				}
			}
		}
	}
	return "", false
}
