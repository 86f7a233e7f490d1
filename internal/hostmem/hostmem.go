// Package hostmem allocates and pins the host memory that backs device rings
// and registered buffers.
package hostmem

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotSupported indicates the capability is not built into this binary.
	ErrNotSupported = errors.New("hostmem: not supported on this platform")
	// ErrUnavailable indicates the capability exists but the system refused it at runtime.
	ErrUnavailable = errors.New("hostmem: unavailable")
)

const (
	hugePage2M = 2 << 20
	hugePage1G = 1 << 30
)

// PageSizes lists the page sizes a region may be backed by, smallest first.
type PageSizes []int

// Base returns the smallest page size, or 0 when the list is empty.
func (p PageSizes) Base() int {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// DetectPageSizes reports the system page size followed by the 2 MiB and 1 GiB
// huge page sizes. Callers resolve it once and pass the result down.
func DetectPageSizes() (PageSizes, error) {
	base := systemPageSize()
	if base <= 0 {
		return nil, fmt.Errorf("%w: page size %d", ErrUnavailable, base)
	}
	return PageSizes{base, hugePage2M, hugePage1G}, nil
}

// AlignRange widens [start, start+length) to page granularity: start is
// rounded down and length rounded up to a whole number of pages.
func AlignRange(start, length uint64, pageSize int) (uint64, uint64, error) {
	if pageSize <= 0 {
		return 0, 0, fmt.Errorf("hostmem: invalid page size %d", pageSize)
	}
	ps := uint64(pageSize)
	alignedStart := (start / ps) * ps
	alignedLen := ((length + ps - 1) / ps) * ps
	return alignedStart, alignedLen, nil
}

// Region is a page-rounded block of host memory.
type Region struct {
	mu     sync.Mutex
	buf    []byte
	size   int
	locked bool
	closed bool
}

// Alloc returns a zeroed region of at least size bytes rounded up to the base
// page size of pages.
func Alloc(size int, pages PageSizes) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostmem: invalid allocation size %d", size)
	}
	if len(pages) == 0 {
		return nil, errors.New("hostmem: no page sizes configured")
	}
	_, rounded, err := AlignRange(0, uint64(size), pages.Base())
	if err != nil {
		return nil, err
	}
	buf, err := allocPages(int(rounded))
	if err != nil {
		return nil, err
	}
	return &Region{buf: buf, size: size}, nil
}

// Bytes returns the first size bytes of the region.
func (r *Region) Bytes() []byte {
	return r.buf[:r.size]
}

// Len returns the page-rounded length of the region.
func (r *Region) Len() int {
	return len(r.buf)
}

// Locked reports whether the region is pinned.
func (r *Region) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Lock pins the region in physical memory. It returns an error matching
// ErrNotSupported when pinning is not built in and ErrUnavailable when the
// system refuses, for example because RLIMIT_MEMLOCK is too small.
func (r *Region) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("hostmem: region closed")
	}
	if r.locked {
		return nil
	}
	if err := lockPages(r.buf); err != nil {
		return err
	}
	r.locked = true
	return nil
}

// Close unpins and releases the region.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.locked {
		_ = unlockPages(r.buf)
		r.locked = false
	}
	err := freePages(r.buf)
	r.buf = nil
	r.size = 0
	return err
}
