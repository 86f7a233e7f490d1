package qp

import (
	"reflect"
	"strings"
	"testing"
)

type recordedInc struct {
	ev     metricEvent
	values []string
}

type recordingSink struct {
	incs []recordedInc
}

func (s *recordingSink) inc(ev metricEvent, values []string) {
	s.incs = append(s.incs, recordedInc{ev: ev, values: values})
}

func TestMetricFamiliesComplete(t *testing.T) {
	seen := map[string]bool{}
	for ev, f := range metricFamilies {
		if !strings.HasPrefix(f.promName, "efa_qp_") || !strings.HasSuffix(f.promName, "_total") {
			t.Fatalf("event %d: prometheus name %q", ev, f.promName)
		}
		if !strings.HasPrefix(f.otelName, "efa.qp.") {
			t.Fatalf("event %d: otel name %q", ev, f.otelName)
		}
		if f.help == "" || len(f.labels) == 0 || f.labels[0] != labelQPN {
			t.Fatalf("event %d: incomplete family %+v", ev, f)
		}
		if seen[f.promName] {
			t.Fatalf("duplicate family %q", f.promName)
		}
		seen[f.promName] = true
	}
}

func TestEventHookProjectsLabels(t *testing.T) {
	sink := &recordingSink{}
	hook := eventHook{sink: sink}

	attrs := map[string]string{labelQPN: "4", labelOperation: "send", labelStatus: "success", "extra": "x"}
	hook.SendCompleted(attrs)
	cqAttrs := map[string]string{labelQPN: "4"}
	hook.DispatcherCQError("unknown_req_id", nil, cqAttrs)
	hook.ReceiveFailed(nil, map[string]string{labelQPN: "4", labelStatusClass: "flushed"})

	want := []recordedInc{
		{ev: eventSendCompleted, values: []string{"4", "send", "success"}},
		{ev: eventDispatcherCQError, values: []string{"4", "unknown_req_id"}},
		{ev: eventReceiveFailed, values: []string{"4", "", "", "flushed"}},
	}
	if !reflect.DeepEqual(sink.incs, want) {
		t.Fatalf("increments = %+v, want %+v", sink.incs, want)
	}
	if _, ok := cqAttrs[labelKind]; ok {
		t.Fatal("DispatcherCQError mutated caller attrs")
	}
}
