package qmm

// arena is the backing byte storage of one pool. On Linux the bytes come
// from an anonymous private mapping so large pools stay out of the Go heap;
// elsewhere a heap slice is used. Both variants satisfy the same contract:
// the slice is zero-filled and its length never changes.

type arena struct {
	data   []byte
	mapped bool
}

func (a *arena) bytes() []byte { return a.data }

func (a *arena) size() uint64 { return uint64(len(a.data)) }
