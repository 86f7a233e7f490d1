package qp

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters. Labels
// without a value are left off the measurement.
type OTelMetrics struct {
	eventHook
	counters [numMetricEvents]metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/efa-go/qp"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{}
	o.eventHook = eventHook{sink: o}
	for ev, family := range metricFamilies {
		counter, err := meter.Int64Counter(family.otelName, metric.WithDescription(family.help))
		if err != nil {
			return nil, fmt.Errorf("otel counter %s: %w", family.otelName, err)
		}
		o.counters[ev] = counter
	}
	return o, nil
}

func (o *OTelMetrics) inc(ev metricEvent, values []string) {
	keys := metricFamilies[ev].labels
	kvs := make([]attribute.KeyValue, 0, len(keys))
	for i, key := range keys {
		if values[i] != "" {
			kvs = append(kvs, attribute.String(key, values[i]))
		}
	}
	o.counters[ev].Add(context.Background(), 1, metric.WithAttributes(kvs...))
}
