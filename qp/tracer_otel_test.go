package qp

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func TestNewOTelTracerNil(t *testing.T) {
	if NewOTelTracer(nil) != nil {
		t.Fatal("expected nil Tracer for nil otel tracer")
	}
}

func TestOTelTracerSpanStatusAndAttributes(t *testing.T) {
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := NewOTelTracer(tp.Tracer("qp-tracer-test"))

	ok := tracer.StartSpan("ok", TraceAttribute{Key: "qpn", Value: uint16(9)}, TraceAttribute{Value: "anon"})
	ok.AddEvent("completion", TraceAttribute{Key: "req_id", Value: uint32(3)}, TraceAttribute{Key: "status", Value: efaStatusText("success")})
	ok.End(nil)

	failed := tracer.StartSpan("failed")
	failed.End(errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}

	first := spans[0]
	if first.SpanKind() != trace.SpanKindInternal {
		t.Fatalf("span kind = %v", first.SpanKind())
	}
	if first.Status().Code != codes.Ok {
		t.Fatalf("ok span status = %v", first.Status())
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range first.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if v, found := attrs["qpn"]; !found || v.Type() != attribute.INT64 || v.AsInt64() != 9 {
		t.Fatalf("qpn attribute = %v (found %v)", v, found)
	}
	if v := attrs["undefined"]; v.AsString() != "anon" {
		t.Fatalf("unnamed attribute = %v", v)
	}
	events := first.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	for _, kv := range events[0].Attributes {
		switch kv.Key {
		case "req_id":
			if kv.Value.Type() != attribute.INT64 || kv.Value.AsInt64() != 3 {
				t.Fatalf("req_id attribute = %v", kv.Value)
			}
		case "status":
			if kv.Value.AsString() != "success" {
				t.Fatalf("status attribute = %v", kv.Value)
			}
		}
	}

	second := spans[1]
	if second.Status().Code != codes.Error || second.Status().Description != "boom" {
		t.Fatalf("failed span status = %+v", second.Status())
	}
}

func TestTraceValueLargeUnsigned(t *testing.T) {
	kv := traceValue("big", uint64(1)<<63)
	if kv.Value.Type() != attribute.STRING || kv.Value.AsString() != "9223372036854775808" {
		t.Fatalf("traceValue(1<<63) = %v", kv.Value)
	}
}

type efaStatusText string

func (s efaStatusText) String() string { return string(s) }
