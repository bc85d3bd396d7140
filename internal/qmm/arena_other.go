//go:build !linux

package qmm

func newArena(size uint64) (*arena, error) {
	return &arena{data: make([]byte, size)}, nil
}

func (a *arena) release() error {
	a.data = nil
	return nil
}
