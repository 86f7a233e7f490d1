package qp

import (
	"errors"
	"testing"

	"github.com/rocketbitz/efa-go/internal/hostmem"
)

func testPageSizes(t *testing.T) hostmem.PageSizes {
	t.Helper()
	pages, err := hostmem.DetectPageSizes()
	if err != nil {
		t.Fatalf("DetectPageSizes failed: %v", err)
	}
	return pages
}

func TestBufferPoolReuse(t *testing.T) {
	dev := newTestDevice(t, nil)
	pool, err := NewBufferPool(dev, 1000, 1, testPageSizes(t))
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	defer pool.Close()

	b, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(b.Bytes()) != 1000 {
		t.Fatalf("buffer length = %d", len(b.Bytes()))
	}
	seg := b.Segment(10)
	if seg.Length != 10 || seg.LKey != b.Region().LKey || seg.Addr != b.Region().Addr {
		t.Fatalf("unexpected segment %+v for region %+v", seg, b.Region())
	}
	pool.Release(b)

	again, err := pool.Acquire()
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if again != b {
		t.Fatal("expected the idle buffer to be reused")
	}
	other, err := pool.Acquire()
	if err != nil {
		t.Fatalf("third Acquire failed: %v", err)
	}
	if other.Region().LKey == again.Region().LKey {
		t.Fatal("distinct buffers share an lkey")
	}
	pool.Release(again)
	// Beyond capacity: deregistered immediately.
	pool.Release(other)
	if err := dev.Deregister(other.Region().LKey); err == nil {
		t.Fatal("overflow buffer still registered")
	}
}

func TestBufferPoolClose(t *testing.T) {
	dev := newTestDevice(t, nil)
	pool, err := NewBufferPool(dev, 64, 4, testPageSizes(t))
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	b, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(b)
	pool.Close()
	if err := dev.Deregister(b.Region().LKey); err == nil {
		t.Fatal("idle buffer still registered after Close")
	}
	if _, err := pool.Acquire(); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestNewBufferPoolValidation(t *testing.T) {
	dev := newTestDevice(t, nil)
	pages := testPageSizes(t)
	if _, err := NewBufferPool(nil, 64, 1, pages); err == nil {
		t.Fatal("expected error for nil registrar")
	}
	for _, size := range []int{0, -1, 1 << 16} {
		if _, err := NewBufferPool(dev, size, 1, pages); err == nil {
			t.Fatalf("expected error for size %d", size)
		}
	}
	if _, err := NewBufferPool(dev, 64, 1, nil); err == nil {
		t.Fatal("expected error without page sizes")
	}
}
