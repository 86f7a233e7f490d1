package efa

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Completion is a decoded completion descriptor.
type Completion struct {
	ReqID     uint16
	Status    Status
	QueueType QueueType
	QPNum     uint16
	Length    uint16

	// Receive completions only.
	HasImm bool
	Imm    uint32
	AH     uint16
	SrcQP  uint16

	// Wide receive completions only.
	Wide    bool
	SrcAddr [16]byte
}

// AHValid reports whether the completion names a sender address handle.
func (c Completion) AHValid() bool {
	return c.QueueType == QueueRecv && c.AH != InvalidAH
}

// EncodedSize returns the number of slot bytes the completion occupies.
func (c Completion) EncodedSize() int {
	switch {
	case c.QueueType != QueueRecv:
		return CompletionCommonSize
	case c.Wide:
		return RxCompletionWideSize
	default:
		return RxCompletionSize
	}
}

// DecodeCompletion decodes a completion slot produced with expectedPhase. It
// returns ErrNotReady when the slot's phase differs, meaning the device has
// not written it during the current lap.
func DecodeCompletion(slot []byte, expectedPhase uint8) (Completion, error) {
	if len(slot) < CompletionCommonSize {
		return Completion{}, fmt.Errorf("%w: slot of %d bytes", ErrTruncatedCompletion, len(slot))
	}
	d := CompletionDesc(slot)
	if d.Phase() != expectedPhase&1 {
		return Completion{}, ErrNotReady
	}
	return decodeReady(slot)
}

func decodeReady(slot []byte) (Completion, error) {
	d := CompletionDesc(slot)
	c := Completion{
		ReqID:     d.ReqID(),
		Status:    d.Status(),
		QueueType: d.QueueType(),
		QPNum:     d.QPNum(),
		Length:    d.Length(),
	}
	switch c.QueueType {
	case QueueSend:
		return c, nil
	case QueueRecv:
	default:
		return c, fmt.Errorf("%w: queue type %d req_id=%d", ErrMalformedCompletion, uint8(c.QueueType), c.ReqID)
	}

	rx, ok := d.Rx()
	if !ok {
		return c, fmt.Errorf("%w: receive completion in %d byte slot", ErrTruncatedCompletion, len(slot))
	}
	c.AH = rx.AH()
	c.SrcQP = rx.SrcQP()
	if d.HasImm() {
		c.HasImm = true
		c.Imm = rx.Imm()
	}
	if !d.WideCompletion() {
		return c, nil
	}
	wide, ok := Wide(slot)
	if !ok {
		return c, fmt.Errorf("%w: wide completion in %d byte slot", ErrTruncatedCompletion, len(slot))
	}
	c.Wide = true
	c.SrcAddr = wide.SrcAddr()
	return c, nil
}

// EncodeCompletion writes c into dst with the given phase, as the device does.
// It fails when dst cannot hold the completion's format.
func EncodeCompletion(dst []byte, c Completion, phase uint8) error {
	var scratch [RxCompletionWideSize]byte
	n, err := encodeCompletion(scratch[:], len(dst), &c, phase)
	if err != nil {
		return err
	}
	copy(dst, scratch[:n])
	return nil
}

// StoreCompletion publishes c into a completion slot shared with a concurrent
// consumer. The body is written first and the header word holding the phase
// bit is stored atomically last, so a consumer that observes the new phase
// also observes the body. slot must be 4-byte aligned.
func StoreCompletion(slot []byte, c Completion, phase uint8) error {
	var scratch [RxCompletionWideSize]byte
	n, err := encodeCompletion(scratch[:], len(slot), &c, phase)
	if err != nil {
		return err
	}
	copy(slot[4:n], scratch[4:n])
	atomic.StoreUint32(headerWord(slot), binary.NativeEndian.Uint32(scratch[:4]))
	return nil
}

func encodeCompletion(scratch []byte, slotSize int, c *Completion, phase uint8) (int, error) {
	n := c.EncodedSize()
	if slotSize < n {
		return 0, fmt.Errorf("%w: %d byte completion into %d byte slot", ErrTruncatedCompletion, n, slotSize)
	}
	binary.LittleEndian.PutUint16(scratch[cdescReqID:], c.ReqID)
	scratch[cdescStatus] = byte(c.Status)
	cdescPhase.Set(scratch, uint32(phase))
	cdescQueueType.Set(scratch, uint32(c.QueueType))
	binary.LittleEndian.PutUint16(scratch[cdescQPNum:], c.QPNum)
	binary.LittleEndian.PutUint16(scratch[cdescLength:], c.Length)
	if c.QueueType != QueueRecv {
		return n, nil
	}
	binary.LittleEndian.PutUint16(scratch[cdescAH:], c.AH)
	binary.LittleEndian.PutUint16(scratch[cdescSrcQPNum:], c.SrcQP)
	if c.HasImm {
		cdescHasImm.Set(scratch, 1)
		binary.LittleEndian.PutUint32(scratch[cdescImm:], c.Imm)
	}
	if c.Wide {
		cdescWideCompletion.Set(scratch, 1)
		copy(scratch[cdescSrcAddr:RxCompletionWideSize], c.SrcAddr[:])
	}
	return n, nil
}

// headerWord returns the first 32-bit word of a completion slot: req_id,
// status and the flags byte holding the phase bit.
func headerWord(slot []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&slot[0]))
}

// loadHeader reads the header word with acquire semantics and returns its
// bytes in memory order.
func loadHeader(slot []byte) [4]byte {
	var hdr [4]byte
	binary.NativeEndian.PutUint32(hdr[:], atomic.LoadUint32(headerWord(slot)))
	return hdr
}

func aligned4(b []byte) bool {
	return len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))%4 == 0
}
