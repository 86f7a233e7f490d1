package efasim

import (
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/rocketbitz/efa-go/efa"
)

type queuePair struct {
	dev  *Device
	qpn  uint16
	qkey uint32

	sq      []byte
	sqDepth uint32
	sqHead  uint32

	rq      []byte
	rqDepth uint32
	rqHead  uint32
	rqTail  uint32

	cq      []byte
	cqDepth uint32
	cqEntry int
	cqPI    uint32
	cqPhase uint8
}

type doorbell struct {
	dev *Device
	qpn uint16
}

func validDepth(depth int) bool {
	return depth > 0 && depth <= 1<<16 && bits.OnesCount(uint(depth)) == 1
}

// CreateQueuePair attaches host ring memory to a new queue pair and returns
// its number and doorbell.
func (d *Device) CreateQueuePair(attr efa.QueuePairAttr) (efa.QueuePairHandle, error) {
	if !validDepth(attr.SendDepth) || !validDepth(attr.RecvDepth) || !validDepth(attr.CompletionDepth) {
		return efa.QueuePairHandle{}, fmt.Errorf("efasim: ring depths must be powers of two (sq=%d rq=%d cq=%d)", attr.SendDepth, attr.RecvDepth, attr.CompletionDepth)
	}
	switch attr.CompletionEntrySize {
	case efa.RxCompletionSize, efa.RxCompletionWideSize:
	default:
		return efa.QueuePairHandle{}, fmt.Errorf("efasim: completion entry size %d cannot carry receive completions", attr.CompletionEntrySize)
	}
	if len(attr.SendQueue) < attr.SendDepth*efa.TxWQESize ||
		len(attr.RecvQueue) < attr.RecvDepth*efa.RxDescSize ||
		len(attr.CompletionQueue) < attr.CompletionDepth*attr.CompletionEntrySize {
		return efa.QueuePairHandle{}, fmt.Errorf("efasim: ring memory smaller than requested depth")
	}

	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if d.closed {
		return efa.QueuePairHandle{}, ErrClosed
	}
	qpn, ok := d.allocQPN()
	if !ok {
		return efa.QueuePairHandle{}, fmt.Errorf("%w: queue pair numbers", ErrExhausted)
	}
	d.qps[qpn] = &queuePair{
		dev:     d,
		qpn:     qpn,
		qkey:    attr.QKey,
		sq:      attr.SendQueue,
		sqDepth: uint32(attr.SendDepth),
		rq:      attr.RecvQueue,
		rqDepth: uint32(attr.RecvDepth),
		cq:      attr.CompletionQueue,
		cqDepth: uint32(attr.CompletionDepth),
		cqEntry: attr.CompletionEntrySize,
		cqPhase: 1,
	}
	d.stats.qps.Add(1)
	d.log.Debug("create queue pair", zap.Uint16("qpn", qpn),
		zap.Int("sq_depth", attr.SendDepth), zap.Int("rq_depth", attr.RecvDepth),
		zap.Int("cq_depth", attr.CompletionDepth), zap.Int("cq_entry", attr.CompletionEntrySize))
	return efa.QueuePairHandle{QPN: qpn, Doorbell: &doorbell{dev: d, qpn: qpn}}, nil
}

func (d *Device) allocQPN() (uint16, bool) {
	for i := 0; i < 1<<16; i++ {
		qpn := d.nextQPN
		d.nextQPN++
		if qpn == 0 {
			continue
		}
		if _, used := d.qps[qpn]; !used {
			return qpn, true
		}
	}
	return 0, false
}

// DestroyQueuePair tears down qpn. Every receive chain still posted completes
// once with StatusFlushed before the queue pair disappears.
func (d *Device) DestroyQueuePair(qpn uint16) error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if _, ok := d.qps[qpn]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQP, qpn)
	}
	d.destroyLocked(qpn)
	return nil
}

func (d *Device) destroyLocked(qpn uint16) {
	q := d.qps[qpn]
	flushed := 0
	for q.rqHead != q.rqTail {
		descs := q.takeChain()
		q.post(efa.Completion{
			ReqID:     descs[0].ReqID(),
			Status:    efa.StatusFlushed,
			QueueType: efa.QueueRecv,
			QPNum:     q.qpn,
			AH:        efa.InvalidAH,
		})
		flushed++
	}
	delete(d.qps, qpn)
	delete(d.injected, qpn)
	d.stats.flushed.Add(uint64(flushed))
	d.log.Debug("destroy queue pair", zap.Uint16("qpn", qpn), zap.Int("flushed", flushed))
}

func (b *doorbell) RingSend(pc uint32) error {
	b.dev.fabric.mu.Lock()
	defer b.dev.fabric.mu.Unlock()
	q, ok := b.dev.qps[b.qpn]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQP, b.qpn)
	}
	if pc-q.sqHead > q.sqDepth {
		return fmt.Errorf("efasim: send doorbell %d overruns ring (head %d depth %d)", pc, q.sqHead, q.sqDepth)
	}
	for q.sqHead != pc {
		var w efa.TxWQE
		off := int(q.sqHead&(q.sqDepth-1)) * efa.TxWQESize
		copy(w[:], q.sq[off:off+efa.TxWQESize])
		expected := uint8(1 ^ (q.sqHead/q.sqDepth)&1)
		q.sqHead++
		q.dev.processSend(q, &w, expected)
	}
	return nil
}

func (b *doorbell) RingRecv(pc uint32) error {
	b.dev.fabric.mu.Lock()
	defer b.dev.fabric.mu.Unlock()
	q, ok := b.dev.qps[b.qpn]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQP, b.qpn)
	}
	if pc-q.rqHead > q.rqDepth {
		return fmt.Errorf("efasim: receive doorbell %d overruns ring (head %d depth %d)", pc, q.rqHead, q.rqDepth)
	}
	b.dev.stats.recvs.Add(uint64(pc - q.rqTail))
	q.rqTail = pc
	return nil
}

func (d *Device) processSend(q *queuePair, w *efa.TxWQE, expectedPhase uint8) {
	d.stats.sends.Add(1)
	meta := w.Meta()
	req, phase, err := efa.ParseSend(w)

	var (
		status efa.Status
		length int
	)
	switch {
	case err != nil || phase != expectedPhase:
		status = efa.StatusLocalQPInternalError
	case req.Op != efa.OpSend:
		status = efa.StatusLocalInvalidOpType
	case len(d.injected[q.qpn]) > 0:
		pending := d.injected[q.qpn]
		status = pending[0]
		d.injected[q.qpn] = pending[1:]
		if n := req.TotalLength(); n <= efa.MaxMessageSize {
			length = n
		}
	default:
		status, length = d.deliver(q, &req)
	}

	if status != efa.StatusOK {
		d.log.Debug("send failed", zap.Uint16("qpn", q.qpn), zap.Uint16("req_id", meta.ReqID()), zap.Stringer("status", status), zap.Error(err))
	}
	if status == efa.StatusOK && !meta.CompReq() {
		return
	}
	q.post(efa.Completion{
		ReqID:     meta.ReqID(),
		Status:    status,
		QueueType: efa.QueueSend,
		QPNum:     q.qpn,
		Length:    uint16(length),
	})
}

// deliver moves the payload of req into the destination's next receive chain
// and posts the receive completion. It returns the sender's status.
func (d *Device) deliver(src *queuePair, req *efa.SendRequest) (efa.Status, int) {
	gid, ok := d.ahs[req.AH]
	if !ok {
		return efa.StatusLocalInvalidAH, 0
	}
	peer, ok := d.fabric.devices[gid]
	if !ok || peer.closed {
		return efa.StatusRemoteBadAddress, 0
	}
	dst, ok := peer.qps[req.DestQP]
	if !ok || (dst.qkey != 0 && dst.qkey != req.QKey) {
		return efa.StatusRemoteBadDestQPN, 0
	}

	payload := req.Inline
	if len(payload) == 0 {
		for _, seg := range req.Segments {
			buf, ok := d.resolve(seg.LKey, seg.Addr, int(seg.Length))
			if !ok {
				return efa.StatusLocalInvalidLKey, 0
			}
			payload = append(payload, buf...)
		}
	}
	if len(payload) > efa.MaxMessageSize {
		return efa.StatusLocalBadLength, 0
	}

	if dst.rqHead == dst.rqTail {
		return efa.StatusRemoteRNR, 0
	}
	descs := dst.takeChain()
	rx := efa.Completion{
		ReqID:     descs[0].ReqID(),
		QueueType: efa.QueueRecv,
		QPNum:     dst.qpn,
		AH:        efa.InvalidAH,
		SrcQP:     src.qpn,
	}
	recv, err := efa.ParseRecv(descs)
	if err != nil {
		rx.Status = efa.StatusLocalQPInternalError
		dst.post(rx)
		return efa.StatusRemoteBadStatus, 0
	}

	capacity := 0
	for _, seg := range recv.Segments {
		capacity += int(seg.Length)
	}
	if capacity < len(payload) {
		rx.Status = efa.StatusLocalBadLength
		dst.post(rx)
		return efa.StatusRemoteBadLength, 0
	}
	targets := make([][]byte, 0, len(recv.Segments))
	for _, seg := range recv.Segments {
		buf, ok := peer.resolve(seg.LKey, seg.Addr, int(seg.Length))
		if !ok {
			rx.Status = efa.StatusLocalInvalidLKey
			dst.post(rx)
			return efa.StatusRemoteAbort, 0
		}
		targets = append(targets, buf)
	}
	rest := payload
	for _, buf := range targets {
		n := copy(buf, rest)
		rest = rest[n:]
	}

	if ah, known := peer.lookupAH(d.gid); known {
		rx.AH = ah
	} else if dst.cqEntry == efa.RxCompletionWideSize {
		rx.Wide = true
		rx.SrcAddr = d.gid
	}
	rx.Length = uint16(len(payload))
	if req.HasImm {
		rx.HasImm = true
		rx.Imm = req.Imm
	}
	dst.post(rx)
	return efa.StatusOK, len(payload)
}

// takeChain consumes one receive chain. A chain missing its last flag runs to
// the producer index and fails ParseRecv.
func (q *queuePair) takeChain() []efa.RxDesc {
	var descs []efa.RxDesc
	for q.rqHead != q.rqTail {
		var desc efa.RxDesc
		off := int(q.rqHead&(q.rqDepth-1)) * efa.RxDescSize
		copy(desc[:], q.rq[off:off+efa.RxDescSize])
		q.rqHead++
		descs = append(descs, desc)
		if desc.Last() {
			break
		}
	}
	return descs
}

func (q *queuePair) post(c efa.Completion) {
	off := int(q.cqPI&(q.cqDepth-1)) * q.cqEntry
	if err := efa.StoreCompletion(q.cq[off:off+q.cqEntry], c, q.cqPhase); err != nil {
		q.dev.log.Warn("drop completion", zap.Uint16("qpn", q.qpn), zap.Error(err))
		return
	}
	q.cqPI++
	if q.cqPI&(q.cqDepth-1) == 0 {
		q.cqPhase ^= 1
	}
	q.dev.stats.completions.Add(1)
	if c.Status != efa.StatusOK {
		q.dev.stats.errors.Add(1)
	}
}
