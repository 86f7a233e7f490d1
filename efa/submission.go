package efa

import (
	"fmt"
	"math/bits"
)

// ring holds the producer bookkeeping shared by submission-side rings. The
// producer counter is monotonic; slot selection masks it with depth-1.
type ring struct {
	mem         []byte
	slotSize    int
	depth       uint32
	mask        uint32
	pc          uint32
	phase       uint8
	outstanding uint32
}

func newRing(kind string, mem []byte, depth, slotSize int) (ring, error) {
	if depth <= 0 || depth > 1<<16 || bits.OnesCount(uint(depth)) != 1 {
		return ring{}, invalidArg("depth", "%s depth %d must be a power of two no larger than 65536", kind, depth)
	}
	if need := depth * slotSize; len(mem) < need {
		return ring{}, invalidArg("memory", "%s needs %d bytes, have %d", kind, need, len(mem))
	}
	return ring{
		mem:      mem[:depth*slotSize],
		slotSize: slotSize,
		depth:    uint32(depth),
		mask:     uint32(depth - 1),
		phase:    1,
	}, nil
}

func (r *ring) slot(i uint32) []byte {
	off := int(i&r.mask) * r.slotSize
	return r.mem[off : off+r.slotSize]
}

// advance moves the producer forward one slot and flips the phase each time
// the index wraps back to slot zero.
func (r *ring) advance() {
	r.pc++
	if r.pc&r.mask == 0 {
		r.phase ^= 1
	}
}

func (r *ring) free() uint32 {
	return r.depth - r.outstanding
}

func (r *ring) retire(n int) error {
	if n < 0 || uint32(n) > r.outstanding {
		return fmt.Errorf("%w: retire %d with %d outstanding", ErrRetireUnderflow, n, r.outstanding)
	}
	r.outstanding -= uint32(n)
	return nil
}

// SubmissionRing is the transmit ring shared with the device. It is not safe
// for concurrent use: callers sharing a queue pair across goroutines must
// serialize Enqueue and Retire.
type SubmissionRing struct {
	ring
}

// NewSubmissionRing wraps mem as a transmit ring of depth 64-byte slots.
func NewSubmissionRing(mem []byte, depth int) (*SubmissionRing, error) {
	r, err := newRing("submission ring", mem, depth, TxWQESize)
	if err != nil {
		return nil, err
	}
	return &SubmissionRing{ring: r}, nil
}

// Phase returns the phase stamped into the next enqueued WQE.
func (s *SubmissionRing) Phase() uint8 { return s.phase }

// ProducerIndex returns the monotonic producer counter published to the doorbell.
func (s *SubmissionRing) ProducerIndex() uint32 { return s.pc }

// Depth returns the ring capacity in WQEs.
func (s *SubmissionRing) Depth() int { return int(s.depth) }

// Outstanding returns the number of enqueued WQEs not yet retired.
func (s *SubmissionRing) Outstanding() int { return int(s.outstanding) }

// Free returns the number of WQEs that can be enqueued before the ring is full.
func (s *SubmissionRing) Free() int { return int(s.free()) }

// Slot returns the memory of slot i (taken modulo depth).
func (s *SubmissionRing) Slot(i uint32) []byte { return s.slot(i) }

// Enqueue stamps the ring's current phase into w and copies it into the next
// slot. It returns the slot index used. The caller rings the doorbell.
func (s *SubmissionRing) Enqueue(w *TxWQE) (int, error) {
	if s.outstanding == s.depth {
		return 0, ErrRingFull
	}
	stampPhase(w, s.phase)
	idx := s.pc & s.mask
	copy(s.slot(idx), w[:])
	s.outstanding++
	s.advance()
	return int(idx), nil
}

// Retire returns n slots to the ring once their completions have been consumed.
func (s *SubmissionRing) Retire(n int) error { return s.retire(n) }

func stampPhase(w *TxWQE, phase uint8) {
	meta := w.Meta()
	txMetaPhase.Clear(meta)
	txMetaPhase.Set(meta, uint32(phase))
	if meta.InlineMsg() {
		return
	}
	n := int(meta.Length())
	if n > TxNumBufs {
		n = TxNumBufs
	}
	for i := 0; i < n; i++ {
		buf := w.Buf(i)
		txBufPhase.Clear(buf)
		txBufPhase.Set(buf, uint32(phase))
	}
}

// ReceiveRing is the receive ring shared with the device. Receive descriptors
// carry no phase bit; the device learns of new descriptors from the doorbell.
// Like SubmissionRing it assumes a single writer.
type ReceiveRing struct {
	ring
}

// NewReceiveRing wraps mem as a receive ring of depth 16-byte descriptor slots.
func NewReceiveRing(mem []byte, depth int) (*ReceiveRing, error) {
	r, err := newRing("receive ring", mem, depth, RxDescSize)
	if err != nil {
		return nil, err
	}
	return &ReceiveRing{ring: r}, nil
}

// ProducerIndex returns the monotonic producer counter published to the doorbell.
func (r *ReceiveRing) ProducerIndex() uint32 { return r.pc }

// Depth returns the ring capacity in descriptors.
func (r *ReceiveRing) Depth() int { return int(r.depth) }

// Outstanding returns the number of posted descriptors not yet retired.
func (r *ReceiveRing) Outstanding() int { return int(r.outstanding) }

// Free returns the number of descriptor slots available.
func (r *ReceiveRing) Free() int { return int(r.free()) }

// Slot returns the memory of slot i (taken modulo depth).
func (r *ReceiveRing) Slot(i uint32) []byte { return r.slot(i) }

// EnqueueChain writes a receive descriptor chain into consecutive slots.
func (r *ReceiveRing) EnqueueChain(chain []RxDesc) (int, error) {
	if len(chain) == 0 {
		return 0, invalidArg("chain", "empty receive chain")
	}
	if uint32(len(chain)) > r.free() {
		return 0, ErrRingFull
	}
	first := int(r.pc & r.mask)
	for i := range chain {
		copy(r.slot(r.pc), chain[i][:])
		r.outstanding++
		r.advance()
	}
	return first, nil
}

// Retire returns n descriptor slots to the ring.
func (r *ReceiveRing) Retire(n int) error { return r.retire(n) }
