package qp

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{labelQPN: "3"}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.DispatcherCQError("cq_decode_error", errors.New("boom"), base)

	attrs := map[string]string{
		labelQPN:         "3",
		labelOperation:   "send",
		labelStatus:      "error",
		labelStatusCode:  "remote receiver not ready",
		labelStatusClass: "remote",
		"requested_size": "12",
	}
	metrics.SendCompleted(attrs)
	metrics.SendFailed(errors.New("fail"), attrs)
	metrics.ReceiveCompleted(attrs)
	metrics.ReceiveFailed(errors.New("rfail"), attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"efa_qp_dispatcher_started_total":   1,
		"efa_qp_dispatcher_stopped_total":   1,
		"efa_qp_dispatcher_cq_errors_total": 1,
		"efa_qp_send_completed_total":       1,
		"efa_qp_send_failed_total":          1,
		"efa_qp_receive_completed_total":    1,
		"efa_qp_receive_failed_total":       1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := findLabel(mfs, "efa_qp_send_failed_total", labelStatusClass); got != "remote" {
		t.Fatalf("status class label = %q", got)
	}
	if got := findLabel(mfs, "efa_qp_dispatcher_cq_errors_total", labelKind); got != "cq_decode_error" {
		t.Fatalf("kind label = %q", got)
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("first NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	first.DispatcherStarted(map[string]string{labelQPN: "1"})
	second.DispatcherStarted(map[string]string{labelQPN: "1"})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "efa_qp_dispatcher_started_total"); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestPrometheusMetricsFromQueuePair(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	dev := newTestDevice(t, nil)
	sender := openTestQP(t, dev, func(c *Config) { c.Metrics = metrics })
	receiver := openTestQP(t, dev, func(c *Config) { c.Metrics = metrics })
	dest := destinationOf(t, dev, dev, receiver)

	future, err := receiver.ReceiveAsync(make([]byte, 8))
	if err != nil {
		t.Fatalf("ReceiveAsync failed: %v", err)
	}
	if err := sender.Send(context.Background(), dest, []byte("prom")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := future.Await(context.Background()); err != nil {
		t.Fatalf("receive await failed: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "test_efa_qp_send_completed_total"); got != 1 {
		t.Fatalf("send completed = %v", got)
	}
	if got := findCounterValue(mfs, "test_efa_qp_receive_completed_total"); got != 1 {
		t.Fatalf("receive completed = %v", got)
	}
	if got := findLabel(mfs, "test_efa_qp_send_completed_total", labelQPN); got != strconv.Itoa(int(sender.QPN())) {
		t.Fatalf("qpn label = %q, want %d", got, sender.QPN())
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findLabel(mfs []*dto.MetricFamily, name, label string) string {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label {
					return lp.GetValue()
				}
			}
		}
	}
	return ""
}
