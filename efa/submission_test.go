package efa

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSubmissionRing(t *testing.T, depth int) *SubmissionRing {
	t.Helper()
	sq, err := NewSubmissionRing(make([]byte, depth*TxWQESize), depth)
	if err != nil {
		t.Fatalf("NewSubmissionRing failed: %v", err)
	}
	return sq
}

func TestNewSubmissionRingValidates(t *testing.T) {
	if _, err := NewSubmissionRing(make([]byte, 3*TxWQESize), 3); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for depth 3, got %v", err)
	}
	if _, err := NewSubmissionRing(make([]byte, TxWQESize), 4); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for short memory, got %v", err)
	}
	if _, err := NewReceiveRing(make([]byte, 0), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for depth 0, got %v", err)
	}
}

func TestSubmissionRingPhaseFlipsOnWrap(t *testing.T) {
	sq := newTestSubmissionRing(t, 4)
	if sq.Phase() != 1 {
		t.Fatalf("initial phase: got %d want 1", sq.Phase())
	}

	for lap := 0; lap < 3; lap++ {
		wantPhase := uint8(1)
		if lap%2 == 1 {
			wantPhase = 0
		}
		for i := 0; i < 4; i++ {
			w, err := BuildSend(SendRequest{ReqID: uint16(i), Segments: []Segment{{Addr: 0x1000, Length: 8, LKey: 1}}}, 0)
			if err != nil {
				t.Fatalf("BuildSend failed: %v", err)
			}
			idx, err := sq.Enqueue(&w)
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if idx != i {
				t.Fatalf("lap %d: slot index got %d want %d", lap, idx, i)
			}
			slot := sq.Slot(uint32(idx))
			meta := TxMetaDesc(slot[:TxMetaDescSize])
			if meta.Phase() != wantPhase {
				t.Fatalf("lap %d slot %d: meta phase %d want %d", lap, i, meta.Phase(), wantPhase)
			}
			if TxBufDesc(slot[32:48]).Phase() != wantPhase {
				t.Fatalf("lap %d slot %d: buffer phase mismatch", lap, i)
			}
		}
		if err := sq.Retire(4); err != nil {
			t.Fatalf("Retire failed: %v", err)
		}
	}
	if sq.ProducerIndex() != 12 {
		t.Fatalf("producer index: got %d want 12", sq.ProducerIndex())
	}
}

func TestSubmissionRingFullAndRetire(t *testing.T) {
	sq := newTestSubmissionRing(t, 2)
	w, err := BuildSend(SendRequest{Inline: []byte("x")}, 1)
	if err != nil {
		t.Fatalf("BuildSend failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := sq.Enqueue(&w); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if _, err := sq.Enqueue(&w); !errors.Is(err, ErrRingFull) {
		t.Fatalf("expected ErrRingFull, got %v", err)
	}
	if sq.Free() != 0 || sq.Outstanding() != 2 {
		t.Fatalf("unexpected accounting: free=%d outstanding=%d", sq.Free(), sq.Outstanding())
	}
	if err := sq.Retire(3); !errors.Is(err, ErrRetireUnderflow) {
		t.Fatalf("expected ErrRetireUnderflow, got %v", err)
	}
	if err := sq.Retire(1); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	if _, err := sq.Enqueue(&w); err != nil {
		t.Fatalf("Enqueue after retire failed: %v", err)
	}
}

func TestStampPhaseLeavesInlineBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0xff}, TxInlineMaxSize)
	w, err := BuildSend(SendRequest{Inline: payload}, 1)
	if err != nil {
		t.Fatalf("BuildSend failed: %v", err)
	}
	stampPhase(&w, 0)
	if w.Meta().Phase() != 0 {
		t.Fatalf("meta phase not restamped")
	}
	if !bytes.Equal(w.Inline(), payload) {
		t.Fatal("phase stamping modified inline payload")
	}
}

func TestReceiveRingChain(t *testing.T) {
	rq, err := NewReceiveRing(make([]byte, 4*RxDescSize), 4)
	if err != nil {
		t.Fatalf("NewReceiveRing failed: %v", err)
	}
	chain, err := BuildRecv(RecvRequest{ReqID: 3, Segments: []Segment{{Addr: 1, Length: 1, LKey: 1}, {Addr: 2, Length: 2, LKey: 1}, {Addr: 3, Length: 3, LKey: 1}}}, 0)
	if err != nil {
		t.Fatalf("BuildRecv failed: %v", err)
	}
	first, err := rq.EnqueueChain(chain)
	if err != nil || first != 0 {
		t.Fatalf("EnqueueChain: first=%d err=%v", first, err)
	}
	if _, err := rq.EnqueueChain(chain); !errors.Is(err, ErrRingFull) {
		t.Fatalf("expected ErrRingFull for chain larger than free slots, got %v", err)
	}
	if err := rq.Retire(3); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	first, err = rq.EnqueueChain(chain)
	if err != nil || first != 3 {
		t.Fatalf("EnqueueChain after retire: first=%d err=%v", first, err)
	}
	var d RxDesc
	copy(d[:], rq.Slot(4))
	if d.Length() != 2 || d.ReqID() != 3 {
		t.Fatalf("wrapped slot holds unexpected descriptor: len=%d req=%d", d.Length(), d.ReqID())
	}
}
