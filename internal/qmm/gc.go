package qmm

import (
	"sync"
	"time"

	"github.com/quantum-os/qcore/internal/qnum"
)

// CollectorStats is a read-only snapshot of the collector's counters.
type CollectorStats struct {
	Runs             uint64
	ObjectsCollected uint64
	BytesReclaimed   uint64
	LastObjects      uint64
	LastBytes        uint64
	AvgPause         time.Duration
}

// Collector is the reference-tracked collection context. It holds policy
// (threshold, preservation toggles), the explicit root set, and run
// statistics. The sweep itself runs through Manager.Collect so that pool
// and global accounting stay consistent.
type Collector struct {
	mu sync.Mutex

	on bool

	// thresholdPercent triggers background collection once pool usage
	// crosses it. Zero disables threshold-driven collection.
	thresholdPercent uint32

	// Mathematical preservation policy. Proof and computation-context
	// blocks are never reclaimed while the matching toggle is set, even
	// at reference count zero.
	preserveProofs   bool
	preserveContexts bool

	roots map[Ptr]struct{}

	runs             uint64
	objectsCollected uint64
	bytesReclaimed   uint64
	lastObjects      uint64
	lastBytes        uint64
	totalPause       time.Duration
}

func newCollector() *Collector {
	return &Collector{
		on:               true,
		thresholdPercent: 80,
		preserveProofs:   true,
		preserveContexts: true,
		roots:            make(map[Ptr]struct{}),
	}
}

// SetEnabled turns automatic collection on or off. Explicit Collect calls
// still run while disabled state only suppresses the allocation-failure
// retry path.
func (c *Collector) SetEnabled(on bool) {
	c.mu.Lock()
	c.on = on
	c.mu.Unlock()
}

func (c *Collector) enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

// SetThresholdPercent sets the pool usage percentage above which the
// kernel's background sweep kicks in.
func (c *Collector) SetThresholdPercent(pct uint32) {
	c.mu.Lock()
	c.thresholdPercent = pct
	c.mu.Unlock()
}

// ThresholdPercent returns the current trigger threshold.
func (c *Collector) ThresholdPercent() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholdPercent
}

// SetPreserveProofs controls whether proof blocks survive collection
// regardless of reference count.
func (c *Collector) SetPreserveProofs(on bool) {
	c.mu.Lock()
	c.preserveProofs = on
	c.mu.Unlock()
}

// SetPreserveContexts controls whether computation-context blocks survive
// collection regardless of reference count.
func (c *Collector) SetPreserveContexts(on bool) {
	c.mu.Lock()
	c.preserveContexts = on
	c.mu.Unlock()
}

// MarkRoot registers ptr as a collection root. Roots are exempt from
// reclamation until unmarked.
func (c *Collector) MarkRoot(ptr Ptr) {
	c.mu.Lock()
	c.roots[ptr] = struct{}{}
	c.mu.Unlock()
}

// UnmarkRoot removes ptr from the root set. Unknown pointers are ignored.
func (c *Collector) UnmarkRoot(ptr Ptr) {
	c.mu.Lock()
	delete(c.roots, ptr)
	c.mu.Unlock()
}

// forget drops ptr from the root set when its block is freed.
func (c *Collector) forget(ptr Ptr) {
	c.mu.Lock()
	delete(c.roots, ptr)
	c.mu.Unlock()
}

// spare reports whether a block must survive the sweep: it is a root, it
// is still referenced, or the preservation policy shields its type.
func (c *Collector) spare(addr Ptr, typ MathType, refCount uint32) bool {
	if refCount > 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, isRoot := c.roots[addr]; isRoot {
		return true
	}
	if typ == TypeProof && c.preserveProofs {
		return true
	}
	if typ == TypeComputationContext && c.preserveContexts {
		return true
	}
	return false
}

func (c *Collector) record(objects, bytes uint64, pause time.Duration) {
	c.mu.Lock()
	c.runs++
	c.objectsCollected += objects
	c.bytesReclaimed += bytes
	c.lastObjects = objects
	c.lastBytes = bytes
	c.totalPause += pause
	c.mu.Unlock()
}

// Stats returns a snapshot of the collector counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CollectorStats{
		Runs:             c.runs,
		ObjectsCollected: c.objectsCollected,
		BytesReclaimed:   c.bytesReclaimed,
		LastObjects:      c.lastObjects,
		LastBytes:        c.lastBytes,
	}
	if c.runs > 0 {
		s.AvgPause = c.totalPause / time.Duration(c.runs)
	}
	return s
}

// Collect runs one full sweep over every pool and reclaims allocated
// blocks whose reference count has dropped to zero, respecting roots and
// the preservation policy. Finding nothing to reclaim is a normal outcome,
// not an error. Returns the number of objects and bytes reclaimed.
func (m *Manager) Collect() (objects, bytes uint64) {
	start := time.Now()
	now := m.clock()

	m.mu.RLock()
	pools := make([]*Pool, len(m.pools))
	copy(pools, m.pools)
	m.mu.RUnlock()

	type victim struct {
		id  qnum.Number
		typ MathType
		ptr Ptr
	}
	var freed []victim

	for _, p := range pools {
		p.mu.Lock()
		// Snapshot the sweep order first: freeing mutates p.order.
		handles := make([]BlockHandle, len(p.order))
		copy(handles, p.order)
		for _, h := range handles {
			blk := &p.blocks[h]
			if !blk.inUse || blk.free {
				continue
			}
			if m.gc.spare(Ptr(blk.addr), blk.typ, blk.refCount) {
				continue
			}
			id := blk.id
			typ := blk.typ
			addr := blk.addr
			size := blk.size
			if err := p.freeLocked(h, now); err != nil {
				m.logf("qmm: gc failed to reclaim block at %#x: %v", addr, err)
				continue
			}
			freed = append(freed, victim{id: id, typ: typ, ptr: Ptr(addr)})
			objects++
			bytes += size
		}
		p.mu.Unlock()
	}

	for _, v := range freed {
		m.finishFree(v.id, v.typ, v.ptr)
	}

	m.gc.record(objects, bytes, time.Since(start))
	if objects > 0 {
		m.logf("qmm: gc reclaimed %d objects (%d bytes)", objects, bytes)
	}
	return objects, bytes
}

// CollectIfPressured runs a sweep only when overall pool usage exceeds the
// configured threshold. Kernel background maintenance calls this each tick.
func (m *Manager) CollectIfPressured() (objects, bytes uint64) {
	pct := m.gc.ThresholdPercent()
	if pct == 0 || !m.gc.enabled() {
		return 0, 0
	}
	s := m.Stats()
	if s.TotalMemory == 0 {
		return 0, 0
	}
	if s.UsedMemory*100/s.TotalMemory < uint64(pct) {
		return 0, 0
	}
	return m.Collect()
}
