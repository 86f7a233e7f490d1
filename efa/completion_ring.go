package efa

import (
	"iter"
	"math/bits"
)

// CompletionRing consumes completion slots written by the device. A slot is
// new when its phase bit equals the ring's expected phase; the expected phase
// starts at 1 and flips every time the read index wraps, so slots left over
// from the previous lap never match. Software never clears slots.
//
// A CompletionRing is not safe for concurrent use.
type CompletionRing struct {
	mem       []byte
	entrySize int
	depth     uint32
	mask      uint32
	ci        uint32
	phase     uint8
}

// NewCompletionRing wraps mem as a completion ring of depth entries of
// entrySize bytes. entrySize selects the completion format the device was
// configured with: 8 (send only), 16 (receive) or 32 (wide receive).
func NewCompletionRing(mem []byte, depth, entrySize int) (*CompletionRing, error) {
	switch entrySize {
	case CompletionCommonSize, RxCompletionSize, RxCompletionWideSize:
	default:
		return nil, invalidArg("entry size", "%d is not one of 8, 16 or 32", entrySize)
	}
	if depth <= 0 || depth > 1<<16 || bits.OnesCount(uint(depth)) != 1 {
		return nil, invalidArg("depth", "completion ring depth %d must be a power of two no larger than 65536", depth)
	}
	if need := depth * entrySize; len(mem) < need {
		return nil, invalidArg("memory", "completion ring needs %d bytes, have %d", need, len(mem))
	}
	if !aligned4(mem) {
		return nil, invalidArg("memory", "completion ring memory must be 4-byte aligned")
	}
	return &CompletionRing{
		mem:       mem[:depth*entrySize],
		entrySize: entrySize,
		depth:     uint32(depth),
		mask:      uint32(depth - 1),
		phase:     1,
	}, nil
}

// Phase returns the phase the next completion must carry.
func (r *CompletionRing) Phase() uint8 { return r.phase }

// ConsumerIndex returns the monotonic count of consumed completions.
func (r *CompletionRing) ConsumerIndex() uint32 { return r.ci }

// Depth returns the ring capacity.
func (r *CompletionRing) Depth() int { return int(r.depth) }

// EntrySize returns the configured completion size in bytes.
func (r *CompletionRing) EntrySize() int { return r.entrySize }

// Slot returns the memory of slot i (taken modulo depth).
func (r *CompletionRing) Slot(i uint32) []byte {
	off := int(i&r.mask) * r.entrySize
	return r.mem[off : off+r.entrySize]
}

func (r *CompletionRing) advance() {
	r.ci++
	if r.ci&r.mask == 0 {
		r.phase ^= 1
	}
}

// next decodes the slot at the read index. ok is false when the slot is not
// ready. A ready slot is consumed even when it fails to decode.
func (r *CompletionRing) next() (c Completion, err error, ok bool) {
	slot := r.Slot(r.ci)
	hdr := loadHeader(slot)
	if uint8(cdescPhase.Get(hdr[:])) != r.phase {
		return Completion{}, nil, false
	}
	c, err = decodeReady(slot)
	r.advance()
	return c, err, true
}

// Poll returns a single non-blocking pass over the completions that are ready
// now, in ring order. Each completion is consumed before it is yielded; a
// slot that fails to decode is yielded with its error and also consumed.
// Stopping the iteration early leaves the remaining completions for the next
// call.
func (r *CompletionRing) Poll() iter.Seq2[Completion, error] {
	return func(yield func(Completion, error) bool) {
		for {
			c, err, ok := r.next()
			if !ok {
				return
			}
			if !yield(c, err) {
				return
			}
		}
	}
}

// PollInto consumes up to len(dst) ready completions into dst and returns the
// number written. It stops at the first decode error, which is returned along
// with the completions preceding it; the failing slot is consumed.
func (r *CompletionRing) PollInto(dst []Completion) (int, error) {
	n := 0
	for n < len(dst) {
		c, err, ok := r.next()
		if !ok {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		dst[n] = c
		n++
	}
	return n, nil
}
