package qp

import (
	"fmt"
	"time"

	"github.com/rocketbitz/efa-go/efa"
)

func (q *QueuePair) dispatch() {
	defer q.wg.Done()

	span := q.startDispatcherSpan()
	startFields := []logField{
		logKV("send_depth", q.cfg.SendDepth),
		logKV("recv_depth", q.cfg.RecvDepth),
		logKV("cq_entry_size", q.entry),
	}
	q.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	q.metricDispatcherStarted(startFields...)

	defer func() {
		err := q.dispatcherError()
		status := "ok"
		fields := []logField{logKV("status", status)}
		if err != nil {
			status = "error"
			fields[0] = logKV("status", status)
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		q.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		q.metricDispatcherStopped(fields...)
		q.finishDispatcherSpan(span, err)
	}()

	backoff := time.Millisecond
	for {
		select {
		case <-q.stopCh:
			// Collect what the device posted while the queue pair was destroyed.
			q.pollCompletions(span)
			return
		default:
		}

		if q.pollCompletions(span) > 0 {
			backoff = time.Millisecond
			continue
		}

		select {
		case <-q.stopCh:
			q.pollCompletions(span)
			return
		case <-time.After(backoff):
		}

		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

// pollCompletions drains the completion ring once and returns the number of
// slots consumed.
func (q *QueuePair) pollCompletions(span Span) int {
	n := 0
	for c, err := range q.cq.Poll() {
		n++
		if err != nil {
			q.stats.decodeErrors.Add(1)
			dispatchErr := fmt.Errorf("cq decode at %d: %w", q.cq.ConsumerIndex()-1, err)
			q.recordDispatcherFailure(span, "cq_decode_error", dispatchErr)
			q.recordDispatcherError(dispatchErr)
			continue
		}
		q.handleCompletion(c, span)
	}
	return n
}

func (q *QueuePair) handleCompletion(c efa.Completion, span Span) {
	var op *operation
	switch c.QueueType {
	case efa.QueueSend:
		q.sendMu.Lock()
		op = q.sendOps[c.ReqID]
		if op != nil {
			delete(q.sendOps, c.ReqID)
			q.sendIDs.release(c.ReqID)
			_ = q.sq.Retire(1)
		}
		q.sendMu.Unlock()
		if op != nil {
			q.sendCredits.Release(1)
		}
	case efa.QueueRecv:
		q.recvMu.Lock()
		op = q.recvOps[c.ReqID]
		var slots int
		if op != nil {
			meta, _ := op.meta.(*receiveMeta)
			slots = meta.slots
			delete(q.recvOps, c.ReqID)
			q.recvIDs.release(c.ReqID)
			_ = q.rq.Retire(slots)
		}
		q.recvMu.Unlock()
		if op != nil {
			q.recvCredits.Release(int64(slots))
		}
	}
	if op == nil {
		// The slot behind this entry is unknown and never retired; further
		// posts fail.
		err := fmt.Errorf("%w: no outstanding %s with req_id %d", efa.ErrMalformedCompletion, c.QueueType, c.ReqID)
		q.recordDispatcherFailure(span, "unknown_req_id", err)
		q.recordDispatcherError(err)
		return
	}

	result := operationResult{length: op.size}
	if op.kind == OperationReceive {
		meta := op.meta.(*receiveMeta)
		meta.completion = c
		result.length = 0
		if c.Status.OK() {
			result.length = meta.gather(int(c.Length))
		}
	}
	if !c.Status.OK() {
		result.length = 0
		result.err = OperationError{
			Kind:   op.kind,
			Status: c.Status,
			ReqID:  c.ReqID,
			QPNum:  c.QPNum,
			Length: c.Length,
		}
	}
	q.logOperationCompletion(op, result, c, span)
	op.complete(result)
}

// gather copies n received bytes from the staging buffers into the caller
// buffer and returns the number copied.
func (m *receiveMeta) gather(n int) int {
	off := 0
	for i, b := range m.staging {
		if off >= n {
			break
		}
		chunk := min(m.lengths[i], n-off)
		off += copy(m.buffer[off:], b.Bytes()[:chunk])
	}
	return off
}

func (q *QueuePair) emit(op *operation, res operationResult) {
	if q == nil {
		return
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			q.stats.sendErrored.Add(1)
			q.logf("qp: send errored: %v", res.err)
		} else {
			q.stats.sendCompleted.Add(1)
			q.logf("qp: send completed req_id=%d size=%d", op.reqID, res.length)
		}
		q.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(q.sendHandlers))
		for _, h := range q.sendHandlers {
			handlers = append(handlers, h)
		}
		q.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		completion := SendCompletion{ReqID: op.reqID, Size: res.length, Err: res.err}
		for _, handler := range handlers {
			go handler(completion)
		}
	case OperationReceive:
		if res.err != nil {
			q.stats.recvErrored.Add(1)
			q.logf("qp: receive errored: %v", res.err)
		} else {
			q.stats.recvMatched.Add(1)
		}
		meta, _ := op.meta.(*receiveMeta)
		q.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(q.receiveHandlers))
		for _, h := range q.receiveHandlers {
			handlers = append(handlers, h)
		}
		q.handlersMu.RUnlock()
		source := Source{AH: efa.InvalidAH}
		var c efa.Completion
		if meta != nil && meta.completion.QueueType == efa.QueueRecv {
			c = meta.completion
			source = sourceOf(c)
		}
		if res.err == nil {
			q.logf("qp: receive completed req_id=%d size=%d source_qpn=%d", op.reqID, res.length, source.QPN)
		}
		if len(handlers) == 0 {
			return
		}
		var basePayload []byte
		if res.length > 0 && meta != nil {
			basePayload = append([]byte(nil), meta.buffer[:res.length]...)
		}
		for _, handler := range handlers {
			var payloadCopy []byte
			if basePayload != nil {
				payloadCopy = append([]byte(nil), basePayload...)
			}
			go handler(ReceiveCompletion{
				ReqID:   op.reqID,
				Payload: payloadCopy,
				Source:  source,
				HasImm:  c.HasImm,
				Imm:     c.Imm,
				Err:     res.err,
			})
		}
	}
}

func (q *QueuePair) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	q.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (q *QueuePair) dispatcherError() error {
	if q == nil {
		return nil
	}
	if holder := q.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (q *QueuePair) startDispatcherSpan() Span {
	if q == nil || q.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "efa-qp"},
		{Key: labelQPN, Value: int(q.qpn)},
		{Key: "cq_entry_size", Value: q.entry},
	}
	return q.tracer.StartSpan("efa-qp-dispatcher", attrs...)
}

func (q *QueuePair) finishDispatcherSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (q *QueuePair) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	q.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	q.metricDispatcherCQError(event, err, fields...)
}

func (q *QueuePair) logOperationCompletion(op *operation, res operationResult, c efa.Completion, span Span) {
	if q == nil || op == nil {
		return
	}
	status := "ok"
	if res.err != nil {
		status = "error"
	}
	eventName := "completion"
	if status != "ok" {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV(labelOperation, op.kind.String()),
		logKV("status", status),
		logKV("req_id", c.ReqID),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if c.QueueType == efa.QueueRecv {
		if c.AHValid() {
			fields = append(fields, logKV("source_ah", c.AH))
		}
		fields = append(fields, logKV("source_qpn", c.SrcQP))
		if c.HasImm {
			fields = append(fields, logKV("imm", fmt.Sprintf("0x%08x", c.Imm)))
		}
	}
	if res.err != nil {
		fields = append(fields,
			logKV(labelStatusCode, c.Status.String()),
			logKV(labelStatusClass, c.Status.Class().String()),
			logKV("error", res.err),
		)
	}
	q.logDispatcherEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if res.err != nil {
		spanRecordError(span, res.err)
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			q.metricSendFailed(res.err, fields...)
		} else {
			q.metricSendCompleted(fields...)
		}
	case OperationReceive:
		if res.err != nil {
			q.metricReceiveFailed(res.err, fields...)
		} else {
			q.metricReceiveCompleted(fields...)
		}
	}
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
