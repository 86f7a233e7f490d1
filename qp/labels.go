package qp

// Attribute keys shared by structured logs, spans and metric hooks.
const (
	labelQPN         = "qpn"
	labelOperation   = "operation"
	labelStatus      = "status"
	labelStatusCode  = "status_code"
	labelStatusClass = "status_class"
	labelKind        = "kind"
)

type metricEvent int

const (
	eventDispatcherStarted metricEvent = iota
	eventDispatcherStopped
	eventDispatcherCQError
	eventSendCompleted
	eventSendFailed
	eventReceiveCompleted
	eventReceiveFailed
	numMetricEvents
)

// metricFamily describes one counter in both exposition formats.
type metricFamily struct {
	promName string
	otelName string
	help     string
	labels   []string
}

var (
	dispatcherLabels = []string{labelQPN}
	cqErrorLabels    = []string{labelQPN, labelKind}
	completionLabels = []string{labelQPN, labelOperation, labelStatus}
	failureLabels    = []string{labelQPN, labelOperation, labelStatusCode, labelStatusClass}
)

var metricFamilies = [numMetricEvents]metricFamily{
	eventDispatcherStarted: {"efa_qp_dispatcher_started_total", "efa.qp.dispatcher.started", "Number of times the completion dispatcher started", dispatcherLabels},
	eventDispatcherStopped: {"efa_qp_dispatcher_stopped_total", "efa.qp.dispatcher.stopped", "Number of times the completion dispatcher stopped", dispatcherLabels},
	eventDispatcherCQError: {"efa_qp_dispatcher_cq_errors_total", "efa.qp.dispatcher.cq_errors", "Number of completion ring errors surfaced by the dispatcher", cqErrorLabels},
	eventSendCompleted:     {"efa_qp_send_completed_total", "efa.qp.send.completed", "Number of successful send completions", completionLabels},
	eventSendFailed:        {"efa_qp_send_failed_total", "efa.qp.send.failed", "Number of errored send completions", failureLabels},
	eventReceiveCompleted:  {"efa_qp_receive_completed_total", "efa.qp.receive.completed", "Number of successful receive completions", completionLabels},
	eventReceiveFailed:     {"efa_qp_receive_failed_total", "efa.qp.receive.failed", "Number of errored receive completions", failureLabels},
}

// labelValues projects attrs onto the family's labels, in order. Absent keys
// become empty strings.
func (f metricFamily) labelValues(attrs map[string]string) []string {
	values := make([]string, len(f.labels))
	for i, key := range f.labels {
		values[i] = attrs[key]
	}
	return values
}

// counterSink increments the counter of one event in a concrete backend.
type counterSink interface {
	inc(ev metricEvent, values []string)
}

// eventHook turns MetricHook calls into counter increments on a sink.
type eventHook struct {
	sink counterSink
}

func (h eventHook) record(ev metricEvent, attrs map[string]string) {
	h.sink.inc(ev, metricFamilies[ev].labelValues(attrs))
}

// DispatcherStarted counts a dispatcher start.
func (h eventHook) DispatcherStarted(attrs map[string]string) {
	h.record(eventDispatcherStarted, attrs)
}

// DispatcherStopped counts a dispatcher exit.
func (h eventHook) DispatcherStopped(attrs map[string]string) {
	h.record(eventDispatcherStopped, attrs)
}

// DispatcherCQError counts a completion ring error of the given kind.
func (h eventHook) DispatcherCQError(kind string, _ error, attrs map[string]string) {
	withKind := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		withKind[k] = v
	}
	withKind[labelKind] = kind
	h.record(eventDispatcherCQError, withKind)
}

// SendCompleted counts a successful send completion.
func (h eventHook) SendCompleted(attrs map[string]string) {
	h.record(eventSendCompleted, attrs)
}

// SendFailed counts an errored send completion.
func (h eventHook) SendFailed(_ error, attrs map[string]string) {
	h.record(eventSendFailed, attrs)
}

// ReceiveCompleted counts a successful receive completion.
func (h eventHook) ReceiveCompleted(attrs map[string]string) {
	h.record(eventReceiveCompleted, attrs)
}

// ReceiveFailed counts an errored receive completion.
func (h eventHook) ReceiveFailed(_ error, attrs map[string]string) {
	h.record(eventReceiveFailed, attrs)
}
