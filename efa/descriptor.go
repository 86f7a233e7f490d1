package efa

import "encoding/binary"

// Flag setters on descriptors are additive: they OR bits into a slot that is
// expected to start zeroed, and never clear bits that are already set.

// TxWQE is a transmit work-queue entry: a meta descriptor, a 16-byte
// transport union and either two buffer descriptors or 32 bytes of inline data.
type TxWQE [TxWQESize]byte

// Meta returns a view of the meta descriptor.
func (w *TxWQE) Meta() TxMetaDesc {
	return TxMetaDesc(w[:TxMetaDescSize])
}

// Buf returns a view of buffer descriptor i (0 or 1).
func (w *TxWQE) Buf(i int) TxBufDesc {
	off := txDataOffset + i*TxBufDescSize
	return TxBufDesc(w[off : off+TxBufDescSize])
}

// Inline returns the inline payload area. It aliases the buffer descriptors.
func (w *TxWQE) Inline() []byte {
	return w[txDataOffset:TxWQESize]
}

// QKey returns the UD queue key carried in the transport union.
func (w *TxWQE) QKey() uint32 {
	return binary.LittleEndian.Uint32(w[txUDQKeyOffset:])
}

// SetQKey stores the UD queue key.
func (w *TxWQE) SetQKey(qkey uint32) {
	binary.LittleEndian.PutUint32(w[txUDQKeyOffset:], qkey)
}

// Reset zeroes the entry.
func (w *TxWQE) Reset() {
	*w = TxWQE{}
}

// TxMetaDesc is a byte view of a transmit meta descriptor.
type TxMetaDesc []byte

func (d TxMetaDesc) ReqID() uint16 { return binary.LittleEndian.Uint16(d[txMetaReqID:]) }
func (d TxMetaDesc) SetReqID(id uint16) { binary.LittleEndian.PutUint16(d[txMetaReqID:], id) }
func (d TxMetaDesc) DestQP() uint16 { return binary.LittleEndian.Uint16(d[txMetaDestQP:]) }
func (d TxMetaDesc) SetDestQP(qpn uint16) { binary.LittleEndian.PutUint16(d[txMetaDestQP:], qpn) }
func (d TxMetaDesc) Length() uint16 { return binary.LittleEndian.Uint16(d[txMetaLength:]) }
func (d TxMetaDesc) SetLength(n uint16) { binary.LittleEndian.PutUint16(d[txMetaLength:], n) }
func (d TxMetaDesc) ImmData() uint32 { return binary.LittleEndian.Uint32(d[txMetaImmData:]) }
func (d TxMetaDesc) SetImmData(imm uint32) { binary.LittleEndian.PutUint32(d[txMetaImmData:], imm) }
func (d TxMetaDesc) AH() uint16 { return binary.LittleEndian.Uint16(d[txMetaAH:]) }
func (d TxMetaDesc) SetAH(ah uint16) { binary.LittleEndian.PutUint16(d[txMetaAH:], ah) }

func (d TxMetaDesc) OpType() OpType { return OpType(txMetaOpType.Get(d)) }
func (d TxMetaDesc) SetOpType(op OpType) { txMetaOpType.Set(d, uint32(op)) }
func (d TxMetaDesc) HasImm() bool { return txMetaHasImm.Flag(d) }
func (d TxMetaDesc) SetHasImm(on bool) { txMetaHasImm.SetFlag(d, on) }
func (d TxMetaDesc) InlineMsg() bool { return txMetaInlineMsg.Flag(d) }
func (d TxMetaDesc) SetInlineMsg(on bool) { txMetaInlineMsg.SetFlag(d, on) }
func (d TxMetaDesc) MetaExtension() bool { return txMetaMetaExtension.Flag(d) }
func (d TxMetaDesc) MetaDesc() bool { return txMetaMetaDesc.Flag(d) }
func (d TxMetaDesc) SetMetaDesc(on bool) { txMetaMetaDesc.SetFlag(d, on) }
func (d TxMetaDesc) Phase() uint8 { return uint8(txMetaPhase.Get(d)) }
func (d TxMetaDesc) SetPhase(phase uint8) { txMetaPhase.Set(d, uint32(phase)) }
func (d TxMetaDesc) First() bool { return txMetaFirst.Flag(d) }
func (d TxMetaDesc) SetFirst(on bool) { txMetaFirst.SetFlag(d, on) }
func (d TxMetaDesc) Last() bool { return txMetaLast.Flag(d) }
func (d TxMetaDesc) SetLast(on bool) { txMetaLast.SetFlag(d, on) }
func (d TxMetaDesc) CompReq() bool { return txMetaCompReq.Flag(d) }
func (d TxMetaDesc) SetCompReq(on bool) { txMetaCompReq.SetFlag(d, on) }

// TxBufDesc is a byte view of a transmit buffer descriptor.
type TxBufDesc []byte

func (d TxBufDesc) Length() uint16 { return binary.LittleEndian.Uint16(d[txBufLength:]) }
func (d TxBufDesc) SetLength(n uint16) { binary.LittleEndian.PutUint16(d[txBufLength:], n) }
func (d TxBufDesc) LKey() uint32 { return binary.LittleEndian.Uint32(d[txBufLKey:]) }
func (d TxBufDesc) SetLKey(lkey uint32) { binary.LittleEndian.PutUint32(d[txBufLKey:], lkey) }

func (d TxBufDesc) MetaDesc() bool { return txBufMetaDesc.Flag(d) }
func (d TxBufDesc) Phase() uint8 { return uint8(txBufPhase.Get(d)) }
func (d TxBufDesc) SetPhase(phase uint8) { txBufPhase.Set(d, uint32(phase)) }
func (d TxBufDesc) First() bool { return txBufFirst.Flag(d) }
func (d TxBufDesc) Last() bool { return txBufLast.Flag(d) }
func (d TxBufDesc) SetLast(on bool) { txBufLast.SetFlag(d, on) }

// Addr returns the 48-bit buffer address.
func (d TxBufDesc) Addr() uint64 {
	lo := uint64(binary.LittleEndian.Uint32(d[txBufAddrLo:]))
	return uint64(txBufAddrHiF.Get(d))<<32 | lo
}

// SetAddr stores the buffer address. Bits above 47 are dropped by the hardware field.
func (d TxBufDesc) SetAddr(addr uint64) {
	binary.LittleEndian.PutUint32(d[txBufAddrLo:], uint32(addr))
	txBufAddrHiF.Set(d, uint32(addr>>32))
}

// RxDesc is a receive buffer descriptor. A receive WQE is a chain of one or
// more descriptors delimited by the first and last flags.
type RxDesc [RxDescSize]byte

func (d *RxDesc) ReqID() uint16 { return binary.LittleEndian.Uint16(d[rxDescReqID:]) }
func (d *RxDesc) SetReqID(id uint16) { binary.LittleEndian.PutUint16(d[rxDescReqID:], id) }
func (d *RxDesc) Length() uint16 { return binary.LittleEndian.Uint16(d[rxDescLength:]) }
func (d *RxDesc) SetLength(n uint16) { binary.LittleEndian.PutUint16(d[rxDescLength:], n) }
func (d *RxDesc) LKey() uint32 { return rxDescLKey.Get(d[:]) }
func (d *RxDesc) SetLKey(lkey uint32) { rxDescLKey.Set(d[:], lkey) }
func (d *RxDesc) First() bool { return rxDescFirst.Flag(d[:]) }
func (d *RxDesc) SetFirst(on bool) { rxDescFirst.SetFlag(d[:], on) }
func (d *RxDesc) Last() bool { return rxDescLast.Flag(d[:]) }
func (d *RxDesc) SetLast(on bool) { rxDescLast.SetFlag(d[:], on) }

// Addr returns the 64-bit buffer address.
func (d *RxDesc) Addr() uint64 {
	lo := uint64(binary.LittleEndian.Uint32(d[rxDescAddrLo:]))
	hi := uint64(binary.LittleEndian.Uint32(d[rxDescAddrHi:]))
	return hi<<32 | lo
}

// SetAddr stores the 64-bit buffer address.
func (d *RxDesc) SetAddr(addr uint64) {
	binary.LittleEndian.PutUint32(d[rxDescAddrLo:], uint32(addr))
	binary.LittleEndian.PutUint32(d[rxDescAddrHi:], uint32(addr>>32))
}

// CompletionDesc is a byte view of the common completion header.
type CompletionDesc []byte

func (d CompletionDesc) ReqID() uint16 { return binary.LittleEndian.Uint16(d[cdescReqID:]) }
func (d CompletionDesc) Status() Status { return Status(d[cdescStatus]) }
func (d CompletionDesc) QPNum() uint16 { return binary.LittleEndian.Uint16(d[cdescQPNum:]) }
func (d CompletionDesc) Length() uint16 { return binary.LittleEndian.Uint16(d[cdescLength:]) }
func (d CompletionDesc) Phase() uint8 { return uint8(cdescPhase.Get(d)) }
func (d CompletionDesc) QueueType() QueueType { return QueueType(cdescQueueType.Get(d)) }
func (d CompletionDesc) HasImm() bool { return cdescHasImm.Flag(d) }
func (d CompletionDesc) WideCompletion() bool { return cdescWideCompletion.Flag(d) }

// Rx returns the receive completion view, or false when the slot is too short.
func (d CompletionDesc) Rx() (RxCompletionDesc, bool) {
	if len(d) < RxCompletionSize {
		return nil, false
	}
	return RxCompletionDesc(d[:RxCompletionSize]), true
}

// RxCompletionDesc is the 16-byte receive completion. It deliberately has no
// access to source address words; use Wide for those.
type RxCompletionDesc []byte

func (d RxCompletionDesc) Common() CompletionDesc { return CompletionDesc(d[:CompletionCommonSize]) }
func (d RxCompletionDesc) AH() uint16 { return binary.LittleEndian.Uint16(d[cdescAH:]) }
func (d RxCompletionDesc) SrcQP() uint16 { return binary.LittleEndian.Uint16(d[cdescSrcQPNum:]) }
func (d RxCompletionDesc) Imm() uint32 { return binary.LittleEndian.Uint32(d[cdescImm:]) }

// Wide returns the wide view of a completion from a slot of at least 32 bytes.
// It reports false when the wide flag is clear or the slot cannot hold the
// wide format.
func Wide(slot []byte) (WideRxCompletionDesc, bool) {
	if len(slot) < RxCompletionWideSize || !CompletionDesc(slot).WideCompletion() {
		return nil, false
	}
	return WideRxCompletionDesc(slot[:RxCompletionWideSize]), true
}

// WideRxCompletionDesc is the 32-byte receive completion with the full source address.
type WideRxCompletionDesc []byte

func (d WideRxCompletionDesc) Rx() RxCompletionDesc { return RxCompletionDesc(d[:RxCompletionSize]) }

// SrcAddrWord returns word i (0..3) of the source address.
func (d WideRxCompletionDesc) SrcAddrWord(i int) uint32 {
	return binary.LittleEndian.Uint32(d[cdescSrcAddr+4*i:])
}

// SrcAddr returns the 16-byte source address.
func (d WideRxCompletionDesc) SrcAddr() [16]byte {
	var addr [16]byte
	copy(addr[:], d[cdescSrcAddr:RxCompletionWideSize])
	return addr
}
