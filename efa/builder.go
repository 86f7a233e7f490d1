package efa

import "fmt"

// Segment describes one registered buffer referenced by a descriptor.
type Segment struct {
	Addr   uint64
	Length uint16
	LKey   uint32
}

// SendRequest describes a transmit work request.
type SendRequest struct {
	ReqID  uint16
	DestQP uint16
	AH     uint16
	// QKey is carried in the transport union for UD queue pairs and ignored otherwise.
	QKey uint32
	// Op defaults to OpSend when zero.
	Op     OpType
	HasImm bool
	Imm    uint32
	// Exactly one of Inline or Segments must be supplied.
	Inline              []byte
	Segments            []Segment
	CompletionRequested bool
}

// TotalLength returns the number of payload bytes described by the request.
func (r *SendRequest) TotalLength() int {
	if len(r.Inline) > 0 {
		return len(r.Inline)
	}
	total := 0
	for _, seg := range r.Segments {
		total += int(seg.Length)
	}
	return total
}

// RecvRequest describes a receive work request spread over one or more segments.
type RecvRequest struct {
	ReqID    uint16
	Segments []Segment
}

// BuildSend encodes a transmit WQE stamped with phase. It does not touch any ring.
func BuildSend(req SendRequest, phase uint8) (TxWQE, error) {
	var w TxWQE
	op := req.Op
	if op == OpInvalid {
		op = OpSend
	}
	switch op {
	case OpSend:
	case OpRDMARead, OpRDMAWrite:
		return w, invalidArg("op", "%s is not supported by this device interface", op)
	default:
		return w, invalidArg("op", "unknown op type %d", uint8(op))
	}
	if len(req.Inline) > 0 && len(req.Segments) > 0 {
		return w, invalidArg("payload", "inline data and segments are mutually exclusive")
	}
	if len(req.Inline) > TxInlineMaxSize {
		return w, invalidArg("inline", "%d bytes exceeds the %d byte inline limit", len(req.Inline), TxInlineMaxSize)
	}
	if len(req.Segments) > TxNumBufs {
		return w, invalidArg("segments", "%d segments exceeds the %d buffer limit", len(req.Segments), TxNumBufs)
	}
	for i, seg := range req.Segments {
		if seg.Length == 0 {
			return w, invalidArg("segments", "segment %d has zero length", i)
		}
		if seg.Addr > MaxBufAddr {
			return w, invalidArg("segments", "segment %d address 0x%x exceeds 48 bits", i, seg.Addr)
		}
	}
	if req.TotalLength() == 0 {
		return w, invalidArg("payload", "zero total length")
	}

	phase &= 1
	meta := w.Meta()
	meta.SetReqID(req.ReqID)
	meta.SetOpType(op)
	meta.SetMetaDesc(true)
	meta.SetPhase(phase)
	meta.SetFirst(true)
	meta.SetLast(true)
	meta.SetCompReq(req.CompletionRequested)
	meta.SetDestQP(req.DestQP)
	meta.SetAH(req.AH)
	if req.HasImm {
		meta.SetHasImm(true)
		meta.SetImmData(req.Imm)
	}
	w.SetQKey(req.QKey)

	if len(req.Inline) > 0 {
		meta.SetInlineMsg(true)
		meta.SetLength(uint16(len(req.Inline)))
		copy(w.Inline(), req.Inline)
		return w, nil
	}

	meta.SetLength(uint16(len(req.Segments)))
	for i, seg := range req.Segments {
		buf := w.Buf(i)
		buf.SetLength(seg.Length)
		buf.SetLKey(seg.LKey)
		buf.SetAddr(seg.Addr)
		buf.SetPhase(phase)
		buf.SetLast(i == len(req.Segments)-1)
	}
	return w, nil
}

// ParseSend decodes a transmit WQE and validates the descriptor contract. It
// returns the request and the phase the WQE was stamped with.
func ParseSend(w *TxWQE) (SendRequest, uint8, error) {
	meta := w.Meta()
	phase := meta.Phase()
	if !meta.MetaDesc() {
		return SendRequest{}, phase, malformed("meta descriptor flag clear")
	}
	if meta.MetaExtension() {
		return SendRequest{}, phase, malformed("meta extension set")
	}
	if !meta.First() || !meta.Last() {
		return SendRequest{}, phase, malformed("meta descriptor must be first and last")
	}
	req := SendRequest{
		ReqID:               meta.ReqID(),
		DestQP:              meta.DestQP(),
		AH:                  meta.AH(),
		QKey:                w.QKey(),
		Op:                  meta.OpType(),
		HasImm:              meta.HasImm(),
		CompletionRequested: meta.CompReq(),
	}
	if req.HasImm {
		req.Imm = meta.ImmData()
	}
	n := int(meta.Length())
	if meta.InlineMsg() {
		if n == 0 || n > TxInlineMaxSize {
			return req, phase, malformed("inline length %d", n)
		}
		req.Inline = append([]byte(nil), w.Inline()[:n]...)
		return req, phase, nil
	}
	if n == 0 || n > TxNumBufs {
		return req, phase, malformed("buffer descriptor count %d", n)
	}
	req.Segments = make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		buf := w.Buf(i)
		if buf.MetaDesc() || buf.First() {
			return req, phase, malformed("buffer descriptor %d flagged as meta or first", i)
		}
		if buf.Phase() != phase {
			return req, phase, malformed("buffer descriptor %d phase %d != meta phase %d", i, buf.Phase(), phase)
		}
		if buf.Last() != (i == n-1) {
			return req, phase, malformed("buffer descriptor %d last flag misplaced", i)
		}
		req.Segments = append(req.Segments, Segment{Addr: buf.Addr(), Length: buf.Length(), LKey: buf.LKey()})
	}
	return req, phase, nil
}

// BuildRecv encodes a receive WQE as a descriptor chain. maxSegments bounds
// the chain length when positive.
func BuildRecv(req RecvRequest, maxSegments int) ([]RxDesc, error) {
	if len(req.Segments) == 0 {
		return nil, invalidArg("segments", "receive requires at least one segment")
	}
	if maxSegments > 0 && len(req.Segments) > maxSegments {
		return nil, invalidArg("segments", "%d segments exceeds the %d segment limit", len(req.Segments), maxSegments)
	}
	total := 0
	for i, seg := range req.Segments {
		if seg.LKey > MaxRxLKey {
			return nil, invalidArg("segments", "segment %d lkey 0x%x exceeds 24 bits", i, seg.LKey)
		}
		if seg.Length == 0 {
			return nil, invalidArg("segments", "segment %d has zero length", i)
		}
		total += int(seg.Length)
	}
	if total == 0 {
		return nil, invalidArg("payload", "zero total length")
	}

	descs := make([]RxDesc, len(req.Segments))
	for i, seg := range req.Segments {
		d := &descs[i]
		d.SetAddr(seg.Addr)
		d.SetReqID(req.ReqID)
		d.SetLength(seg.Length)
		d.SetLKey(seg.LKey)
		d.SetFirst(i == 0)
		d.SetLast(i == len(req.Segments)-1)
	}
	return descs, nil
}

// ParseRecv decodes a complete receive descriptor chain.
func ParseRecv(descs []RxDesc) (RecvRequest, error) {
	if len(descs) == 0 {
		return RecvRequest{}, malformed("empty receive chain")
	}
	req := RecvRequest{ReqID: descs[0].ReqID(), Segments: make([]Segment, 0, len(descs))}
	for i := range descs {
		d := &descs[i]
		if d.First() != (i == 0) {
			return req, malformed("receive descriptor %d first flag misplaced", i)
		}
		if d.Last() != (i == len(descs)-1) {
			return req, malformed("receive descriptor %d last flag misplaced", i)
		}
		if d.ReqID() != req.ReqID {
			return req, malformed("receive descriptor %d req_id %d != %d", i, d.ReqID(), req.ReqID)
		}
		req.Segments = append(req.Segments, Segment{Addr: d.Addr(), Length: d.Length(), LKey: d.LKey()})
	}
	return req, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDescriptor, fmt.Sprintf(format, args...))
}
