package efasim

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/rocketbitz/efa-go/efa"
	"github.com/rocketbitz/efa-go/internal/hostmem"
)

var testPages = hostmem.PageSizes{4096, 2 << 20, 1 << 30}

type testQP struct {
	h  efa.QueuePairHandle
	sq *efa.SubmissionRing
	rq *efa.ReceiveRing
	cq *efa.CompletionRing
}

func newTestDevice(t *testing.T, f *Fabric) *Device {
	t.Helper()
	if f == nil {
		f = NewFabric()
	}
	dev, err := f.NewDevice(Options{PageSizes: testPages, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func newTestQP(t *testing.T, dev *Device, entrySize int) *testQP {
	t.Helper()
	attr := efa.QueuePairAttr{
		SendQueue:           make([]byte, 8*efa.TxWQESize),
		SendDepth:           8,
		RecvQueue:           make([]byte, 8*efa.RxDescSize),
		RecvDepth:           8,
		CompletionQueue:     make([]byte, 16*entrySize),
		CompletionDepth:     16,
		CompletionEntrySize: entrySize,
	}
	h, err := dev.CreateQueuePair(attr)
	if err != nil {
		t.Fatalf("CreateQueuePair failed: %v", err)
	}
	sq, err := efa.NewSubmissionRing(attr.SendQueue, attr.SendDepth)
	if err != nil {
		t.Fatalf("NewSubmissionRing failed: %v", err)
	}
	rq, err := efa.NewReceiveRing(attr.RecvQueue, attr.RecvDepth)
	if err != nil {
		t.Fatalf("NewReceiveRing failed: %v", err)
	}
	cq, err := efa.NewCompletionRing(attr.CompletionQueue, attr.CompletionDepth, entrySize)
	if err != nil {
		t.Fatalf("NewCompletionRing failed: %v", err)
	}
	return &testQP{h: h, sq: sq, rq: rq, cq: cq}
}

func (q *testQP) send(t *testing.T, req efa.SendRequest) {
	t.Helper()
	req.CompletionRequested = true
	w, err := efa.BuildSend(req, q.sq.Phase())
	if err != nil {
		t.Fatalf("BuildSend failed: %v", err)
	}
	if _, err := q.sq.Enqueue(&w); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.h.Doorbell.RingSend(q.sq.ProducerIndex()); err != nil {
		t.Fatalf("RingSend failed: %v", err)
	}
}

func (q *testQP) postRecv(t *testing.T, req efa.RecvRequest) {
	t.Helper()
	descs, err := efa.BuildRecv(req, 0)
	if err != nil {
		t.Fatalf("BuildRecv failed: %v", err)
	}
	if _, err := q.rq.EnqueueChain(descs); err != nil {
		t.Fatalf("EnqueueChain failed: %v", err)
	}
	if err := q.h.Doorbell.RingRecv(q.rq.ProducerIndex()); err != nil {
		t.Fatalf("RingRecv failed: %v", err)
	}
}

func (q *testQP) poll(t *testing.T) []efa.Completion {
	t.Helper()
	var out []efa.Completion
	for c, err := range q.cq.Poll() {
		if err != nil {
			t.Fatalf("poll error: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func register(t *testing.T, dev *Device, n int) ([]byte, efa.MemoryRegion) {
	t.Helper()
	buf := make([]byte, n)
	mr, err := dev.Register(buf)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return buf, mr
}

func TestLoopbackInlineSend(t *testing.T) {
	dev := newTestDevice(t, nil)
	a := newTestQP(t, dev, efa.RxCompletionSize)
	b := newTestQP(t, dev, efa.RxCompletionSize)
	ah, err := dev.CreateAH(dev.GID())
	if err != nil {
		t.Fatalf("CreateAH failed: %v", err)
	}

	recvBuf, mr := register(t, dev, 64)
	b.postRecv(t, efa.RecvRequest{ReqID: 3, Segments: []efa.Segment{mr.Segment(0, 64)}})
	a.send(t, efa.SendRequest{ReqID: 7, DestQP: b.h.QPN, AH: ah, Inline: []byte("PING")})

	sent := a.poll(t)
	if len(sent) != 1 {
		t.Fatalf("expected one send completion, got %d", len(sent))
	}
	want := efa.Completion{ReqID: 7, Status: efa.StatusOK, QueueType: efa.QueueSend, QPNum: a.h.QPN, Length: 4}
	if sent[0] != want {
		t.Fatalf("send completion: got %+v want %+v", sent[0], want)
	}

	recv := b.poll(t)
	if len(recv) != 1 {
		t.Fatalf("expected one receive completion, got %d", len(recv))
	}
	rc := recv[0]
	if rc.ReqID != 3 || rc.Length != 4 || rc.QueueType != efa.QueueRecv || rc.SrcQP != a.h.QPN {
		t.Fatalf("unexpected receive completion: %+v", rc)
	}
	if !rc.AHValid() || rc.AH != ah {
		t.Fatalf("expected sender AH %d, got %d", ah, rc.AH)
	}
	if string(recvBuf[:4]) != "PING" {
		t.Fatalf("payload: got %q", recvBuf[:4])
	}
}

func TestCrossDeviceWideCompletion(t *testing.T) {
	fabric := NewFabric()
	devA := newTestDevice(t, fabric)
	devB := newTestDevice(t, fabric)
	a := newTestQP(t, devA, efa.RxCompletionSize)
	b := newTestQP(t, devB, efa.RxCompletionWideSize)

	ahB, err := devA.CreateAH(devB.GID())
	if err != nil {
		t.Fatalf("CreateAH failed: %v", err)
	}

	src, srcMR := register(t, devA, 300)
	for i := range src {
		src[i] = byte(i)
	}
	dst, dstMR := register(t, devB, 512)
	b.postRecv(t, efa.RecvRequest{ReqID: 1, Segments: []efa.Segment{dstMR.Segment(0, 100), dstMR.Segment(256, 256)}})

	a.send(t, efa.SendRequest{
		ReqID:    2,
		DestQP:   b.h.QPN,
		AH:       ahB,
		HasImm:   true,
		Imm:      0xfeedface,
		Segments: []efa.Segment{srcMR.Segment(0, 200), srcMR.Segment(200, 100)},
	})

	if sent := a.poll(t); len(sent) != 1 || sent[0].Status != efa.StatusOK || sent[0].Length != 300 {
		t.Fatalf("unexpected send completions: %+v", sent)
	}
	recv := b.poll(t)
	if len(recv) != 1 {
		t.Fatalf("expected one receive completion, got %d", len(recv))
	}
	rc := recv[0]
	if !rc.Wide || rc.AHValid() || rc.SrcAddr != devA.GID() {
		t.Fatalf("expected wide completion naming the sender gid: %+v", rc)
	}
	if !rc.HasImm || rc.Imm != 0xfeedface || rc.Length != 300 {
		t.Fatalf("unexpected receive completion: %+v", rc)
	}
	for i := 0; i < 100; i++ {
		if dst[i] != byte(i) {
			t.Fatalf("first segment byte %d: got %d", i, dst[i])
		}
	}
	for i := 0; i < 200; i++ {
		if dst[256+i] != byte(100+i) {
			t.Fatalf("second segment byte %d: got %d", i, dst[256+i])
		}
	}
}

func TestSendErrorStatuses(t *testing.T) {
	dev := newTestDevice(t, nil)
	a := newTestQP(t, dev, efa.RxCompletionSize)
	b := newTestQP(t, dev, efa.RxCompletionSize)
	ah, err := dev.CreateAH(dev.GID())
	if err != nil {
		t.Fatalf("CreateAH failed: %v", err)
	}
	_, mr := register(t, dev, 16)

	cases := []struct {
		name string
		req  efa.SendRequest
		want efa.Status
	}{
		{"no receive posted", efa.SendRequest{DestQP: b.h.QPN, AH: ah, Inline: []byte("x")}, efa.StatusRemoteRNR},
		{"unknown ah", efa.SendRequest{DestQP: b.h.QPN, AH: 99, Inline: []byte("x")}, efa.StatusLocalInvalidAH},
		{"unknown qpn", efa.SendRequest{DestQP: 999, AH: ah, Inline: []byte("x")}, efa.StatusRemoteBadDestQPN},
		{"bad lkey", efa.SendRequest{DestQP: b.h.QPN, AH: ah, Segments: []efa.Segment{{Addr: mr.Addr, Length: 4, LKey: mr.LKey + 1}}}, efa.StatusLocalInvalidLKey},
		{"out of range", efa.SendRequest{DestQP: b.h.QPN, AH: ah, Segments: []efa.Segment{{Addr: mr.Addr + 8, Length: 16, LKey: mr.LKey}}}, efa.StatusLocalInvalidLKey},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.ReqID = uint16(i)
			a.send(t, tc.req)
			got := a.poll(t)
			if len(got) != 1 {
				t.Fatalf("expected one completion, got %d", len(got))
			}
			if got[0].Status != tc.want || got[0].ReqID != uint16(i) {
				t.Fatalf("got %+v want status %s", got[0], tc.want)
			}
			if err := a.sq.Retire(1); err != nil {
				t.Fatalf("Retire failed: %v", err)
			}
		})
	}
	if recv := b.poll(t); len(recv) != 0 {
		t.Fatalf("receiver should see nothing, got %+v", recv)
	}
}

func TestShortReceiveBuffer(t *testing.T) {
	dev := newTestDevice(t, nil)
	a := newTestQP(t, dev, efa.RxCompletionSize)
	b := newTestQP(t, dev, efa.RxCompletionSize)
	ah, _ := dev.CreateAH(dev.GID())
	_, mr := register(t, dev, 8)

	b.postRecv(t, efa.RecvRequest{ReqID: 4, Segments: []efa.Segment{mr.Segment(0, 2)}})
	a.send(t, efa.SendRequest{ReqID: 5, DestQP: b.h.QPN, AH: ah, Inline: []byte("too long")})

	if sent := a.poll(t); len(sent) != 1 || sent[0].Status != efa.StatusRemoteBadLength {
		t.Fatalf("unexpected send completion: %+v", sent)
	}
	recv := b.poll(t)
	if len(recv) != 1 || recv[0].Status != efa.StatusLocalBadLength || recv[0].ReqID != 4 {
		t.Fatalf("unexpected receive completion: %+v", recv)
	}
	if !errors.Is(recv[0].Err(), efa.ErrLocalError) {
		t.Fatalf("expected local error class, got %v", recv[0].Err())
	}
}

func TestSendBeyondMessageLimit(t *testing.T) {
	dev := newTestDevice(t, nil)
	a := newTestQP(t, dev, efa.RxCompletionSize)
	b := newTestQP(t, dev, efa.RxCompletionSize)
	ah, _ := dev.CreateAH(dev.GID())
	_, src := register(t, dev, 80000)
	_, dst := register(t, dev, 120000)

	b.postRecv(t, efa.RecvRequest{ReqID: 1, Segments: []efa.Segment{dst.Segment(0, 60000), dst.Segment(60000, 60000)}})
	a.send(t, efa.SendRequest{ReqID: 2, DestQP: b.h.QPN, AH: ah, Segments: []efa.Segment{src.Segment(0, 40000), src.Segment(40000, 40000)}})

	sent := a.poll(t)
	if len(sent) != 1 || sent[0].Status != efa.StatusLocalBadLength || sent[0].Length != 0 {
		t.Fatalf("unexpected send completion: %+v", sent)
	}
	if recv := b.poll(t); len(recv) != 0 {
		t.Fatalf("oversized message must not reach the receiver, got %+v", recv)
	}
}

func TestInjectStatus(t *testing.T) {
	dev := newTestDevice(t, nil)
	a := newTestQP(t, dev, efa.RxCompletionSize)
	ah, _ := dev.CreateAH(dev.GID())

	if err := dev.InjectStatus(a.h.QPN, efa.StatusRemoteAbort); err != nil {
		t.Fatalf("InjectStatus failed: %v", err)
	}
	if err := dev.InjectStatus(4242, efa.StatusRemoteAbort); !errors.Is(err, ErrUnknownQP) {
		t.Fatalf("expected ErrUnknownQP, got %v", err)
	}
	a.send(t, efa.SendRequest{ReqID: 1, DestQP: a.h.QPN, AH: ah, Inline: []byte("abc")})
	got := a.poll(t)
	if len(got) != 1 || got[0].Status != efa.StatusRemoteAbort || got[0].Length != 3 {
		t.Fatalf("unexpected completion: %+v", got)
	}
	if !errors.Is(got[0].Err(), efa.ErrRemoteError) {
		t.Fatalf("expected remote error class, got %v", got[0].Err())
	}
}

func TestDestroyFlushesReceives(t *testing.T) {
	dev := newTestDevice(t, nil)
	b := newTestQP(t, dev, efa.RxCompletionSize)
	_, mr := register(t, dev, 64)
	b.postRecv(t, efa.RecvRequest{ReqID: 10, Segments: []efa.Segment{mr.Segment(0, 32)}})
	b.postRecv(t, efa.RecvRequest{ReqID: 11, Segments: []efa.Segment{mr.Segment(32, 16), mr.Segment(48, 16)}})

	if err := dev.DestroyQueuePair(b.h.QPN); err != nil {
		t.Fatalf("DestroyQueuePair failed: %v", err)
	}
	got := b.poll(t)
	if len(got) != 2 {
		t.Fatalf("expected 2 flushed completions, got %d", len(got))
	}
	for i, c := range got {
		if c.Status != efa.StatusFlushed || c.ReqID != uint16(10+i) || c.QueueType != efa.QueueRecv {
			t.Fatalf("completion %d: %+v", i, c)
		}
		if !errors.Is(c.Err(), efa.ErrFlushed) {
			t.Fatalf("expected ErrFlushed, got %v", c.Err())
		}
	}
	if err := dev.DestroyQueuePair(b.h.QPN); !errors.Is(err, ErrUnknownQP) {
		t.Fatalf("expected ErrUnknownQP on second destroy, got %v", err)
	}
	if err := b.h.Doorbell.RingSend(1); !errors.Is(err, ErrUnknownQP) {
		t.Fatalf("expected ErrUnknownQP from doorbell, got %v", err)
	}
	if more := b.poll(t); len(more) != 0 {
		t.Fatalf("flush must happen exactly once, got %+v", more)
	}
	if dev.Stats().Flushed != 2 {
		t.Fatalf("flushed counter: got %d", dev.Stats().Flushed)
	}
}

func TestRegisterAssignsDistinctKeys(t *testing.T) {
	dev := newTestDevice(t, nil)
	_, first := register(t, dev, 100)
	_, second := register(t, dev, 5000)
	if first.LKey == second.LKey {
		t.Fatal("keys must be unique")
	}
	if first.Addr%4096 != 0 || second.Addr%4096 != 0 {
		t.Fatalf("addresses must be page aligned: 0x%x 0x%x", first.Addr, second.Addr)
	}
	if second.Addr < first.Addr+4096 {
		t.Fatalf("regions overlap: 0x%x 0x%x", first.Addr, second.Addr)
	}
	if first.Addr > efa.MaxBufAddr || first.LKey > efa.MaxRxLKey {
		t.Fatalf("region does not fit descriptor fields: %+v", first)
	}
	if err := dev.Deregister(first.LKey); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if err := dev.Deregister(first.LKey); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := dev.Register(nil); err == nil {
		t.Fatal("expected error registering empty buffer")
	}
}

func TestCreateQueuePairValidates(t *testing.T) {
	dev := newTestDevice(t, nil)
	_, err := dev.CreateQueuePair(efa.QueuePairAttr{
		SendQueue: make([]byte, 64), SendDepth: 1,
		RecvQueue: make([]byte, 16), RecvDepth: 1,
		CompletionQueue: make([]byte, 8), CompletionDepth: 1, CompletionEntrySize: efa.CompletionCommonSize,
	})
	if err == nil {
		t.Fatal("expected 8 byte completion entries to be rejected")
	}
	_, err = dev.CreateQueuePair(efa.QueuePairAttr{
		SendQueue: make([]byte, 64*3), SendDepth: 3,
		RecvQueue: make([]byte, 16), RecvDepth: 1,
		CompletionQueue: make([]byte, 16), CompletionDepth: 1, CompletionEntrySize: efa.RxCompletionSize,
	})
	if err == nil {
		t.Fatal("expected non power of two depth to be rejected")
	}
}
