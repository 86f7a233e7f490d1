package qp

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewOTelTracer adapts an OpenTelemetry tracer to the Tracer interface.
// Dispatcher spans are started as internal spans with no parent.
func NewOTelTracer(tracer trace.Tracer) Tracer {
	if tracer == nil {
		return nil
	}
	return otelTracer{tracer: tracer}
}

type otelTracer struct {
	tracer trace.Tracer
}

func (t otelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	_, span := t.tracer.Start(context.Background(), name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(traceKeyValues(attrs)...),
	)
	return otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

func (s otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, trace.WithAttributes(traceKeyValues(attrs)...))
}

func (s otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func traceKeyValues(attrs []TraceAttribute) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		key := attribute.Key(attr.Key)
		if attr.Key == "" {
			key = "undefined"
		}
		kvs = append(kvs, traceValue(key, attr.Value))
	}
	return kvs
}

// traceValue keeps ring and wire integers (qpn, req_id, lengths) numeric and
// renders everything else as text.
func traceValue(key attribute.Key, value any) attribute.KeyValue {
	if n, ok := asInt64(value); ok {
		return key.Int64(n)
	}
	switch v := value.(type) {
	case nil:
		return key.String("")
	case string:
		return key.String(v)
	case bool:
		return key.Bool(v)
	case float64:
		return key.Float64(v)
	case error:
		return key.String(v.Error())
	case fmt.Stringer:
		return key.String(v.String())
	default:
		return key.String(fmt.Sprint(v))
	}
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}
