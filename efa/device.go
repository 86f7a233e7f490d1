package efa

// MemoryRegion is a registered buffer as the device addresses it.
type MemoryRegion struct {
	Addr   uint64
	LKey   uint32
	Length int
}

// Segment returns a segment covering length bytes at offset within the region.
func (m MemoryRegion) Segment(offset, length int) Segment {
	return Segment{Addr: m.Addr + uint64(offset), Length: uint16(length), LKey: m.LKey}
}

// Doorbell publishes producer indexes to the device.
type Doorbell interface {
	RingSend(pc uint32) error
	RingRecv(pc uint32) error
}

// QueuePairAttr hands ring memory to the device when a queue pair is created.
// Depths must be powers of two and CompletionEntrySize one of 8, 16 or 32.
type QueuePairAttr struct {
	SendQueue           []byte
	SendDepth           int
	RecvQueue           []byte
	RecvDepth           int
	CompletionQueue     []byte
	CompletionDepth     int
	CompletionEntrySize int
	QKey                uint32
}

// QueuePairHandle identifies a created queue pair.
type QueuePairHandle struct {
	QPN      uint16
	Doorbell Doorbell
}
