//go:build linux

package qmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapThreshold is the pool size above which backing memory comes from an
// anonymous mapping instead of the Go heap.
const mmapThreshold = 1 << 20

func newArena(size uint64) (*arena, error) {
	if size >= mmapThreshold {
		data, err := unix.Mmap(-1, 0, int(size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE)
		if err == nil {
			return &arena{data: data, mapped: true}, nil
		}
		// Fall back to the heap if the mapping is refused.
	}
	return &arena{data: make([]byte, size)}, nil
}

func (a *arena) release() error {
	if !a.mapped {
		a.data = nil
		return nil
	}
	data := a.data
	a.data = nil
	a.mapped = false
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("qmm: munmap: %w", err)
	}
	return nil
}
