//go:build !linux

package hostmem

import "os"

func systemPageSize() int {
	return os.Getpagesize()
}

func allocPages(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func freePages([]byte) error {
	return nil
}

func lockPages([]byte) error {
	return ErrNotSupported
}

func unlockPages([]byte) error {
	return nil
}
