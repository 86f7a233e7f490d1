//go:build linux

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func systemPageSize() int {
	return unix.Getpagesize()
}

func allocPages(n int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", n, err)
	}
	return buf, nil
}

func freePages(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("hostmem: munmap: %w", err)
	}
	return nil
}

func lockPages(buf []byte) error {
	if err := unix.Mlock(buf); err != nil {
		return fmt.Errorf("%w: mlock: %w", ErrUnavailable, err)
	}
	return nil
}

func unlockPages(buf []byte) error {
	return unix.Munlock(buf)
}
