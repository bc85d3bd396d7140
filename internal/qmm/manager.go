package qmm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quantum-os/qcore/internal/qnum"
)

// NumberSize is the storage footprint of one quantum number, in bytes.
const NumberSize = 32

// Per-object size heuristics for the typed convenience allocators.
const (
	symbolicBytesPerUnit = 64  // bytes per complexity unit
	symbolicMinBytes     = 256 // floor for symbolic expressions
	treeNodeBytes        = 128 // estimated bytes per tree node
)

// Statistics is a read-only snapshot of the manager's global counters.
type Statistics struct {
	TotalMemory      uint64
	UsedMemory       uint64
	FreeMemory       uint64
	FragmentedMemory uint64

	TotalPools int

	TotalAllocations   uint64
	TotalDeallocations uint64
	CurrentAllocations uint64
	PeakAllocations    uint64

	LiveObjects map[MathType]uint64

	Collector CollectorStats
}

// Manager owns the typed memory pools and the reference-tracked collector.
// One Manager per kernel instance; no process-wide state.
type Manager struct {
	mu    sync.RWMutex // guards pools, byType, index; read-mostly
	pools []*Pool

	// byType routes allocations to the pool dedicated to the primary
	// mathematical types; everything else lands in the general pool.
	byType map[MathType]*Pool

	nextPoolID uint32
	blockSeq   uint64

	// index resolves block identifiers to addresses for the id-based
	// dependency relations.
	index map[qnum.Number]Ptr

	clock func() uint64
	logf  func(format string, args ...any)

	gc *Collector

	statsMu            sync.Mutex
	totalAllocations   uint64
	totalDeallocations uint64
	currentAllocations uint64
	peakAllocations    uint64
	liveByType         map[MathType]uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the tick source used for block timestamps.
func WithClock(clock func() uint64) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogf routes manager log output.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(m *Manager) { m.logf = logf }
}

// NewManager creates an empty manager. Pools are added with CreatePool or
// InitializePools.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byType:     make(map[MathType]*Pool),
		index:      make(map[qnum.Number]Ptr),
		liveByType: make(map[MathType]uint64),
		clock:      func() uint64 { return 0 },
		logf:       func(string, ...any) {},
	}
	m.gc = newCollector()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitializePools creates the four standard pools (numbers, symbolic
// expressions, tree nodes, general), each a quarter of totalSize.
func (m *Manager) InitializePools(totalSize uint64) error {
	if totalSize < 4*blockHeaderSize {
		return fmt.Errorf("%w: total size %d too small", ErrInvalidParameter, totalSize)
	}
	quarter := totalSize / 4
	for _, typ := range []MathType{TypeNumber, TypeSymbolicExpression, TypeTreeNode, TypeGeneral} {
		if _, err := m.CreatePool(typ, quarter, 0); err != nil {
			return err
		}
	}
	m.logf("qmm: initialized %d bytes across 4 pools", totalSize)
	return nil
}

// CreatePool creates a pool dedicated to typ. A zero alignment selects the
// type's natural alignment. The pool starts as a single free block.
func (m *Manager) CreatePool(typ MathType, size uint64, alignment uint64) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := newPool(m.nextPoolID, typ, size, alignment, &m.blockSeq)
	if err != nil {
		return nil, err
	}
	m.nextPoolID++
	m.pools = append(m.pools, p)
	if _, taken := m.byType[typ]; !taken {
		m.byType[typ] = p
	}
	return p, nil
}

// Shutdown destroys every pool and resets the manager. All outstanding
// blocks are released with their pools.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, p := range m.pools {
		if err := p.destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.pools = nil
	m.byType = make(map[MathType]*Pool)
	m.index = make(map[qnum.Number]Ptr)

	m.statsMu.Lock()
	m.liveByType = make(map[MathType]uint64)
	m.currentAllocations = 0
	m.statsMu.Unlock()

	return firstErr
}

// poolFor routes an allocation type to its dedicated pool, falling back to
// the general pool.
func (m *Manager) poolFor(typ MathType) *Pool {
	if p, ok := m.byType[typ]; ok {
		return p
	}
	return m.byType[TypeGeneral]
}

// Allocate carves size bytes of the given mathematical type out of the
// matching pool. On exhaustion one collection pass runs before the request
// fails with ErrOutOfMemory. Collection is never triggered by Free.
func (m *Manager) Allocate(typ MathType, size uint64, flags AllocFlag) (Ptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", ErrInvalidParameter)
	}

	m.mu.RLock()
	pool := m.poolFor(typ)
	m.mu.RUnlock()
	if pool == nil {
		return 0, fmt.Errorf("%w: no pool for type %s", ErrNotFound, typ)
	}

	ptr, err := m.allocateFrom(pool, typ, size, flags)
	if err == nil {
		return ptr, nil
	}

	// Exactly one collection attempt before surfacing OUT_OF_MEMORY.
	if m.gc.enabled() {
		m.Collect()
		if ptr, err = m.allocateFrom(pool, typ, size, flags); err == nil {
			return ptr, nil
		}
	}
	return 0, err
}

func (m *Manager) allocateFrom(pool *Pool, typ MathType, size uint64, flags AllocFlag) (Ptr, error) {
	now := m.clock()

	pool.mu.Lock()
	h, err := pool.allocateLocked(size, typ, flags, now)
	if err != nil {
		pool.mu.Unlock()
		return 0, err
	}
	blk := &pool.blocks[h]
	ptr := Ptr(blk.addr)
	id := blk.id
	pool.mu.Unlock()

	m.mu.Lock()
	m.index[id] = ptr
	m.mu.Unlock()

	m.statsMu.Lock()
	m.totalAllocations++
	m.currentAllocations++
	if m.currentAllocations > m.peakAllocations {
		m.peakAllocations = m.currentAllocations
	}
	m.liveByType[typ]++
	m.statsMu.Unlock()

	return ptr, nil
}

// AllocNumbers allocates zeroed storage for count quantum numbers.
func (m *Manager) AllocNumbers(count uint64) (Ptr, error) {
	if count == 0 {
		return 0, fmt.Errorf("%w: zero-count number allocation", ErrInvalidParameter)
	}
	return m.Allocate(TypeNumber, count*NumberSize, FlagMathematical|FlagZeroInit)
}

// AllocSymbolicExpression allocates storage sized from a complexity
// estimate, 64 bytes per unit with a 256-byte floor.
func (m *Manager) AllocSymbolicExpression(complexityEstimate uint64) (Ptr, error) {
	size := complexityEstimate * symbolicBytesPerUnit
	if size < symbolicMinBytes {
		size = symbolicMinBytes
	}
	return m.Allocate(TypeSymbolicExpression, size, FlagSymbolic|FlagZeroInit)
}

// AllocTreeNodes allocates storage for count expression tree nodes.
func (m *Manager) AllocTreeNodes(count uint64) (Ptr, error) {
	if count == 0 {
		return 0, fmt.Errorf("%w: zero-count node allocation", ErrInvalidParameter)
	}
	return m.Allocate(TypeTreeNode, count*treeNodeBytes, FlagMathematical|FlagZeroInit)
}

// lookup finds the pool and block handle owning ptr. Caller must hold m.mu
// at least for reading; the returned pool is unlocked.
func (m *Manager) lookupLocked(ptr Ptr) (*Pool, BlockHandle, error) {
	addr := uint64(ptr)
	for _, p := range m.pools {
		if !p.contains(addr) {
			continue
		}
		p.mu.Lock()
		h, ok := p.findByAddr(addr)
		p.mu.Unlock()
		if !ok {
			return nil, noBlock, fmt.Errorf("%w: no block starts at %#x", ErrNotFound, addr)
		}
		return p, h, nil
	}
	return nil, noBlock, fmt.Errorf("%w: pointer %#x outside every pool", ErrInvalidParameter, addr)
}

// Free releases the block starting at ptr. Double frees and corrupted
// blocks are reported as integrity violations and leave counters intact.
func (m *Manager) Free(ptr Ptr) error {
	if ptr == 0 {
		return fmt.Errorf("%w: nil pointer", ErrInvalidParameter)
	}

	m.mu.RLock()
	pool, h, err := m.lookupLocked(ptr)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	pool.mu.Lock()
	blk := &pool.blocks[h]
	id := blk.id
	typ := blk.typ
	err = pool.freeLocked(h, m.clock())
	pool.mu.Unlock()
	if err != nil {
		return err
	}

	m.finishFree(id, typ, ptr)
	return nil
}

// finishFree updates the global accounting shared by Free and the
// collector's sweep.
func (m *Manager) finishFree(id qnum.Number, typ MathType, ptr Ptr) {
	m.mu.Lock()
	delete(m.index, id)
	m.mu.Unlock()

	m.gc.forget(ptr)

	m.statsMu.Lock()
	m.totalDeallocations++
	if m.currentAllocations > 0 {
		m.currentAllocations--
	}
	if m.liveByType[typ] > 0 {
		m.liveByType[typ]--
	}
	m.statsMu.Unlock()
}

// withBlock runs fn on the block owning ptr under the pool lock.
func (m *Manager) withBlock(ptr Ptr, fn func(p *Pool, blk *Block) error) error {
	if ptr == 0 {
		return fmt.Errorf("%w: nil pointer", ErrInvalidParameter)
	}
	m.mu.RLock()
	pool, h, err := m.lookupLocked(ptr)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	blk := &pool.blocks[h]
	if blk.free {
		return fmt.Errorf("%w: block at %#x is free", ErrInvalidParameter, uint64(ptr))
	}
	return fn(pool, blk)
}

// AddRef increments the reference count of the block owning ptr.
func (m *Manager) AddRef(ptr Ptr) error {
	return m.withBlock(ptr, func(_ *Pool, blk *Block) error {
		blk.refCount++
		return nil
	})
}

// Release decrements the reference count. A block whose count reaches zero
// is not freed immediately; it becomes eligible for the next collection.
func (m *Manager) Release(ptr Ptr) error {
	return m.withBlock(ptr, func(_ *Pool, blk *Block) error {
		if blk.refCount == 0 {
			return fmt.Errorf("%w: release below zero at %#x", ErrIntegrityViolation, uint64(ptr))
		}
		blk.refCount--
		return nil
	})
}

// Bytes exposes the byte region backing an allocated block.
func (m *Manager) Bytes(ptr Ptr) ([]byte, error) {
	var region []byte
	err := m.withBlock(ptr, func(p *Pool, blk *Block) error {
		region = p.dataLocked(blk)
		return nil
	})
	return region, err
}

// Touch records an access to the block for usage-pattern statistics.
func (m *Manager) Touch(ptr Ptr) error {
	now := m.clock()
	return m.withBlock(ptr, func(_ *Pool, blk *Block) error {
		blk.lastAccessTick = now
		blk.accessCount++
		return nil
	})
}

// VerifyIntegrity recomputes the block checksum and compares it with the
// stored value.
func (m *Manager) VerifyIntegrity(ptr Ptr) error {
	return m.withBlock(ptr, func(_ *Pool, blk *Block) error {
		if !qnum.Equals(blk.checksum, blockChecksum(blk.addr, blk.size, blk.typ)) {
			return fmt.Errorf("%w: checksum mismatch at %#x", ErrIntegrityViolation, blk.addr)
		}
		return nil
	})
}

// BlockID returns the mathematical identifier of the block owning ptr.
func (m *Manager) BlockID(ptr Ptr) (qnum.Number, error) {
	var id qnum.Number
	err := m.withBlock(ptr, func(_ *Pool, blk *Block) error {
		id = blk.id
		return nil
	})
	return id, err
}

// AddDependency records that the block at dependent requires the block at
// dependency. Relations are stored as identifier lists and resolved through
// the block index; a link that would close a cycle is rejected.
func (m *Manager) AddDependency(dependent, dependency Ptr) error {
	if dependent == dependency {
		return fmt.Errorf("%w: self dependency", ErrDependencyCycle)
	}

	depID, err := m.BlockID(dependency)
	if err != nil {
		return err
	}
	ownID, err := m.BlockID(dependent)
	if err != nil {
		return err
	}

	if m.dependsOn(dependency, ownID, make(map[Ptr]bool)) {
		return fmt.Errorf("%w: %s already depends on %s", ErrDependencyCycle, depID, ownID)
	}

	if err := m.withBlock(dependent, func(_ *Pool, blk *Block) error {
		for _, d := range blk.dependencies {
			if qnum.Equals(d, depID) {
				return nil // already linked
			}
		}
		blk.dependencies = append(blk.dependencies, depID)
		return nil
	}); err != nil {
		return err
	}
	return m.withBlock(dependency, func(_ *Pool, blk *Block) error {
		blk.dependents = append(blk.dependents, ownID)
		return nil
	})
}

// RemoveDependency unlinks a previously recorded relation.
func (m *Manager) RemoveDependency(dependent, dependency Ptr) error {
	depID, err := m.BlockID(dependency)
	if err != nil {
		return err
	}
	ownID, err := m.BlockID(dependent)
	if err != nil {
		return err
	}
	if err := m.withBlock(dependent, func(_ *Pool, blk *Block) error {
		blk.dependencies = removeID(blk.dependencies, depID)
		return nil
	}); err != nil {
		return err
	}
	return m.withBlock(dependency, func(_ *Pool, blk *Block) error {
		blk.dependents = removeID(blk.dependents, ownID)
		return nil
	})
}

// Dependencies returns the identifier list of the blocks ptr depends on.
func (m *Manager) Dependencies(ptr Ptr) ([]qnum.Number, error) {
	var out []qnum.Number
	err := m.withBlock(ptr, func(_ *Pool, blk *Block) error {
		out = append(out, blk.dependencies...)
		return nil
	})
	return out, err
}

// dependsOn walks the dependency relation from start looking for target.
func (m *Manager) dependsOn(start Ptr, target qnum.Number, seen map[Ptr]bool) bool {
	if seen[start] {
		return false
	}
	seen[start] = true

	deps, err := m.Dependencies(start)
	if err != nil {
		return false
	}
	for _, d := range deps {
		if qnum.Equals(d, target) {
			return true
		}
		m.mu.RLock()
		next, ok := m.index[d]
		m.mu.RUnlock()
		if ok && m.dependsOn(next, target, seen) {
			return true
		}
	}
	return false
}

func removeID(ids []qnum.Number, id qnum.Number) []qnum.Number {
	for i, d := range ids {
		if qnum.Equals(d, id) {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Collector returns the collector context for configuration and root
// registration.
func (m *Manager) Collector() *Collector { return m.gc }

// Stats assembles a global statistics snapshot across all pools.
func (m *Manager) Stats() Statistics {
	m.mu.RLock()
	pools := make([]*Pool, len(m.pools))
	copy(pools, m.pools)
	m.mu.RUnlock()

	var s Statistics
	var totalFree, largestFree uint64
	for _, p := range pools {
		ps := p.Stats()
		s.TotalMemory += ps.TotalSize
		s.UsedMemory += ps.UsedSize
		totalFree += ps.FreeSize
		if ps.LargestFree > largestFree {
			largestFree = ps.LargestFree
		}
	}
	s.FreeMemory = totalFree
	if totalFree > 0 {
		s.FragmentedMemory = totalFree - largestFree
	}
	s.TotalPools = len(pools)

	m.statsMu.Lock()
	s.TotalAllocations = m.totalAllocations
	s.TotalDeallocations = m.totalDeallocations
	s.CurrentAllocations = m.currentAllocations
	s.PeakAllocations = m.peakAllocations
	s.LiveObjects = make(map[MathType]uint64, len(m.liveByType))
	for t, n := range m.liveByType {
		s.LiveObjects[t] = n
	}
	m.statsMu.Unlock()

	s.Collector = m.gc.Stats()
	return s
}

// MemoryMap renders a human-readable dump of every pool and its blocks.
func (m *Manager) MemoryMap() string {
	m.mu.RLock()
	pools := make([]*Pool, len(m.pools))
	copy(pools, m.pools)
	m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("=== Mathematical Memory Map ===\n")
	for _, p := range pools {
		p.mu.Lock()
		fmt.Fprintf(&b, "pool %d type=%s base=%#x size=%d used=%d free=%d blocks=%d\n",
			p.id, p.typ, p.base, p.arena.size(), p.usedSize, p.freeSize, len(p.order))
		handles := make([]BlockHandle, len(p.order))
		copy(handles, p.order)
		sort.Slice(handles, func(i, j int) bool {
			return p.blocks[handles[i]].addr < p.blocks[handles[j]].addr
		})
		for _, h := range handles {
			blk := &p.blocks[h]
			state := "alloc"
			if blk.free {
				state = "free "
			}
			fmt.Fprintf(&b, "  [%#x..%#x) %s %s rc=%d\n",
				blk.addr, blk.addr+blk.size, state, blk.typ, blk.refCount)
		}
		p.mu.Unlock()
	}
	return b.String()
}
