package efa

import "github.com/rocketbitz/efa-go/internal/bits"

// Descriptor sizes and limits fixed by the device interface.
const (
	TxMetaDescSize  = 16
	TxBufDescSize   = 16
	TxWQESize       = 64
	TxNumBufs       = 2
	TxInlineMaxSize = 32
	TxImmDataSize   = 4

	RxDescSize = 16

	CompletionCommonSize = 8
	RxCompletionSize     = 16
	RxCompletionWideSize = 32

	// MaxBufAddr is the largest buffer address a tx buffer descriptor can carry (48 bits).
	MaxBufAddr = 1<<48 - 1
	// MaxRxLKey is the largest local key a receive descriptor can carry (24 bits).
	MaxRxLKey = 1<<24 - 1
	// MaxMessageSize is the largest message a completion length can report (16 bits).
	MaxMessageSize = 1<<16 - 1
	// InvalidAH marks a receive completion whose sender has no address handle.
	InvalidAH = 0xffff
)

// Tx WQE sections.
const (
	txUnionOffset  = 16
	txDataOffset   = 32
	txUDQKeyOffset = txUnionOffset
)

// Tx meta descriptor byte offsets.
const (
	txMetaReqID   = 0
	txMetaCtrl1   = 2
	txMetaCtrl2   = 3
	txMetaDestQP  = 4
	txMetaLength  = 6
	txMetaImmData = 8
	txMetaAH      = 12
)

// Tx buffer descriptor byte offsets.
const (
	txBufLength = 0
	txBufCtrl1  = 2
	txBufCtrl   = 3
	txBufLKey   = 4
	txBufAddrLo = 8
	txBufAddrHi = 12
)

// Rx descriptor byte offsets.
const (
	rxDescAddrLo   = 0
	rxDescAddrHi   = 4
	rxDescReqID    = 8
	rxDescLength   = 10
	rxDescLKeyCtrl = 12
)

// Completion descriptor byte offsets.
const (
	cdescReqID    = 0
	cdescStatus   = 2
	cdescFlags    = 3
	cdescQPNum    = 4
	cdescLength   = 6
	cdescAH       = 8
	cdescSrcQPNum = 10
	cdescImm      = 12
	cdescSrcAddr  = 16
)

// Bit fields, one entry per named hardware flag.
var (
	txMetaOpType        = bits.Byte(txMetaCtrl1, 0, 4)
	txMetaHasImm        = bits.Byte(txMetaCtrl1, 4, 1)
	txMetaInlineMsg     = bits.Byte(txMetaCtrl1, 5, 1)
	txMetaMetaExtension = bits.Byte(txMetaCtrl1, 6, 1)
	txMetaMetaDesc      = bits.Byte(txMetaCtrl1, 7, 1)
	txMetaPhase         = bits.Byte(txMetaCtrl2, 0, 1)
	txMetaFirst         = bits.Byte(txMetaCtrl2, 2, 1)
	txMetaLast          = bits.Byte(txMetaCtrl2, 3, 1)
	txMetaCompReq       = bits.Byte(txMetaCtrl2, 4, 1)

	txBufMetaDesc = bits.Byte(txBufCtrl1, 7, 1)
	txBufPhase    = bits.Byte(txBufCtrl, 0, 1)
	txBufFirst    = bits.Byte(txBufCtrl, 2, 1)
	txBufLast     = bits.Byte(txBufCtrl, 3, 1)
	txBufAddrHiF  = bits.Word(txBufAddrHi, 0, 16)

	rxDescLKey  = bits.Word(rxDescLKeyCtrl, 0, 24)
	rxDescFirst = bits.Word(rxDescLKeyCtrl, 30, 1)
	rxDescLast  = bits.Word(rxDescLKeyCtrl, 31, 1)

	cdescPhase          = bits.Byte(cdescFlags, 0, 1)
	cdescQueueType      = bits.Byte(cdescFlags, 1, 2)
	cdescHasImm         = bits.Byte(cdescFlags, 3, 1)
	cdescWideCompletion = bits.Byte(cdescFlags, 4, 1)
)

// QueueType identifies which queue of a queue pair produced a completion.
type QueueType uint8

const (
	QueueSend QueueType = 1
	QueueRecv QueueType = 2
)

func (q QueueType) String() string {
	switch q {
	case QueueSend:
		return "send"
	case QueueRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// OpType is the transmit operation encoded in a meta descriptor.
type OpType uint8

const (
	OpInvalid OpType = 0
	OpSend    OpType = 1
	// OpRDMARead is reserved by the device interface and rejected by the builder.
	OpRDMARead OpType = 2
	// OpRDMAWrite is reserved by the device interface and rejected by the builder.
	OpRDMAWrite OpType = 3
)

func (o OpType) String() string {
	switch o {
	case OpInvalid:
		return "invalid"
	case OpSend:
		return "send"
	case OpRDMARead:
		return "rdma_read"
	case OpRDMAWrite:
		return "rdma_write"
	default:
		return "unknown"
	}
}
