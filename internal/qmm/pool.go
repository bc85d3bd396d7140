package qmm

import (
	"fmt"
	"sync"

	"github.com/quantum-os/qcore/internal/qnum"
)

// MathType identifies the mathematical object class a pool or block is
// dedicated to. Values are bit flags so callers can express combined
// capabilities in allocation requests.
type MathType uint32

const (
	TypeNumber             MathType = 0x01 // fixed-width quantum numbers
	TypeSymbolicExpression MathType = 0x02 // symbolic expression storage
	TypeTreeNode           MathType = 0x04 // expression tree nodes
	TypeMatrix             MathType = 0x08
	TypeComputationContext MathType = 0x10
	TypeDeferredEvaluation MathType = 0x20
	TypeProof              MathType = 0x40
	TypeRelationshipGraph  MathType = 0x80
	TypeGeneral            MathType = 0x100
)

// String returns the display name of a mathematical type.
func (t MathType) String() string {
	switch t {
	case TypeNumber:
		return "Number"
	case TypeSymbolicExpression:
		return "SymbolicExpression"
	case TypeTreeNode:
		return "TreeNode"
	case TypeMatrix:
		return "Matrix"
	case TypeComputationContext:
		return "ComputationContext"
	case TypeDeferredEvaluation:
		return "DeferredEvaluation"
	case TypeProof:
		return "Proof"
	case TypeRelationshipGraph:
		return "RelationshipGraph"
	case TypeGeneral:
		return "General"
	default:
		return "Unknown"
	}
}

// Alignment requirements per mathematical type, in bytes.
const (
	AlignNumber   = 32 // 256-bit quantum number alignment
	AlignSymbolic = 16
	AlignTreeNode = 8
	AlignDefault  = 4
)

// TypeAlignment returns the natural alignment for a mathematical type.
func TypeAlignment(t MathType) uint64 {
	switch t {
	case TypeNumber:
		return AlignNumber
	case TypeSymbolicExpression:
		return AlignSymbolic
	case TypeTreeNode:
		return AlignTreeNode
	default:
		return AlignDefault
	}
}

// AllocFlag modifies allocation behaviour.
type AllocFlag uint32

const (
	FlagZeroInit AllocFlag = 1 << iota // zero-fill the returned region
	FlagMathematical
	FlagSymbolic
	FlagPersistent
	FlagCacheable
	FlagAtomic
	FlagImmutable
	FlagShared
)

// Ptr is an address inside one of the manager's pools. The zero value is
// the null pointer.
type Ptr uint64

// BlockHandle indexes a pool's block arena. Handles replace the raw
// next/prev block pointers of a classical free-list implementation;
// splitting and merging become index-list manipulation.
type BlockHandle int32

const noBlock BlockHandle = -1

// blockHeaderSize is the bookkeeping overhead charged to every block. A
// split that would leave a tail smaller than this is skipped and the whole
// block is handed out instead.
const blockHeaderSize = 64

// Block is a contiguous sub-range of a pool, either free or allocated.
type Block struct {
	addr uint64
	size uint64
	free bool
	typ  MathType

	id       qnum.Number // unique mathematical identifier
	refCount uint32
	props    AllocFlag

	// Relationship tracking, by identifier rather than owning pointer.
	dependencies []qnum.Number
	dependents   []qnum.Number

	createdTick    uint64
	lastAccessTick uint64
	accessCount    uint32

	checksum qnum.Number

	inUse bool // slot occupancy in the block arena
}

// Addr returns the block's address.
func (b *Block) Addr() Ptr { return Ptr(b.addr) }

// Size returns the block's size in bytes.
func (b *Block) Size() uint64 { return b.size }

// Free reports whether the block is on the free list.
func (b *Block) Free() bool { return b.free }

// Type returns the block's mathematical type tag.
func (b *Block) Type() MathType { return b.typ }

// RefCount returns the block's current reference count.
func (b *Block) RefCount() uint32 { return b.refCount }

// ID returns the block's mathematical identifier.
func (b *Block) ID() qnum.Number { return b.id }

// blockChecksum derives the integrity checksum for a block from its
// immutable placement. Any drift between the stored and recomputed value
// indicates metadata corruption.
func blockChecksum(addr, size uint64, typ MathType) qnum.Number {
	return qnum.FromUint64(addr ^ (size * 0x9E3779B1) ^ uint64(typ)<<44)
}

// Pool is an arena of memory dedicated to one declared mathematical type.
// Blocks are kept in strict address order; the invariant that no two
// address-adjacent free blocks coexist is restored on every free.
type Pool struct {
	mu sync.Mutex

	id        uint32
	typ       MathType
	alignment uint64
	base      uint64
	arena     *arena

	blocks    []Block
	freeSlots []BlockHandle
	order     []BlockHandle // handles in ascending address order

	usedSize uint64
	freeSize uint64

	allocCount   uint64
	deallocCount uint64

	nextBlockSeq *uint64 // shared with the owning manager
}

// PoolStats is a point-in-time snapshot of one pool.
type PoolStats struct {
	Type          MathType
	TotalSize     uint64
	UsedSize      uint64
	FreeSize      uint64
	BlockCount    int
	AllocCount    uint64
	DeallocCount  uint64
	LargestFree   uint64
	Fragmentation uint64 // total free minus largest free run
}

func newPool(id uint32, typ MathType, size uint64, alignment uint64, seq *uint64) (*Pool, error) {
	if size == 0 || size < blockHeaderSize {
		return nil, fmt.Errorf("%w: pool size %d below minimum %d", ErrInvalidParameter, size, blockHeaderSize)
	}
	if alignment == 0 {
		alignment = TypeAlignment(typ)
	}
	// alignUp relies on power-of-two masks.
	if alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidParameter, alignment)
	}

	a, err := newArena(size)
	if err != nil {
		return nil, fmt.Errorf("qmm: pool backing: %w", err)
	}

	p := &Pool{
		id:           id,
		typ:          typ,
		alignment:    alignment,
		base:         uint64(id+1) << 32,
		arena:        a,
		freeSize:     size,
		nextBlockSeq: seq,
	}

	// One block spans the whole range at creation.
	h := p.newBlock(p.base, size, typ, 0)
	p.blocks[h].free = true
	p.order = append(p.order, h)

	return p, nil
}

// newBlock claims a slot in the block arena and initialises its metadata.
// The caller links the handle into the address-order list.
func (p *Pool) newBlock(addr, size uint64, typ MathType, now uint64) BlockHandle {
	var h BlockHandle
	if n := len(p.freeSlots); n > 0 {
		h = p.freeSlots[n-1]
		p.freeSlots = p.freeSlots[:n-1]
	} else {
		p.blocks = append(p.blocks, Block{})
		h = BlockHandle(len(p.blocks) - 1)
	}
	*p.nextBlockSeq++
	p.blocks[h] = Block{
		addr:           addr,
		size:           size,
		typ:            typ,
		id:             qnum.FromUint64(*p.nextBlockSeq),
		createdTick:    now,
		lastAccessTick: now,
		checksum:       blockChecksum(addr, size, typ),
		inUse:          true,
	}
	return h
}

// releaseBlock returns a block slot to the free-slot list after a merge.
func (p *Pool) releaseBlock(h BlockHandle) {
	p.blocks[h] = Block{}
	p.freeSlots = append(p.freeSlots, h)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// allocateLocked performs a first-fit scan over the address-ordered block
// list. Called with p.mu held.
func (p *Pool) allocateLocked(size uint64, typ MathType, flags AllocFlag, now uint64) (BlockHandle, error) {
	if size == 0 {
		return noBlock, fmt.Errorf("%w: zero-size allocation", ErrInvalidParameter)
	}
	aligned := alignUp(size, p.alignment)

	for i, h := range p.order {
		blk := &p.blocks[h]
		if !blk.free || blk.size < aligned {
			continue
		}

		// Split unless the remainder would be smaller than a header.
		if blk.size >= aligned+blockHeaderSize {
			tail := p.newBlock(blk.addr+aligned, blk.size-aligned, p.typ, now)
			p.blocks[tail].free = true
			blk = &p.blocks[h] // newBlock may have grown the slice
			blk.size = aligned
			blk.checksum = blockChecksum(blk.addr, blk.size, blk.typ)
			// Insert the free tail immediately after in address order.
			p.order = append(p.order, noBlock)
			copy(p.order[i+2:], p.order[i+1:])
			p.order[i+1] = tail
		}

		blk.free = false
		blk.typ = typ
		blk.props = flags
		blk.refCount = 1
		blk.lastAccessTick = now
		blk.accessCount = 1
		blk.checksum = blockChecksum(blk.addr, blk.size, blk.typ)

		p.usedSize += blk.size
		p.freeSize -= blk.size
		p.allocCount++

		if flags&FlagZeroInit != 0 {
			region := p.dataLocked(blk)
			for j := range region {
				region[j] = 0
			}
		}
		return h, nil
	}

	return noBlock, fmt.Errorf("%w: pool %s cannot fit %d bytes", ErrOutOfMemory, p.typ, aligned)
}

// freeLocked releases an allocated block and restores the coalescing
// invariant. Called with p.mu held.
func (p *Pool) freeLocked(h BlockHandle, now uint64) error {
	blk := &p.blocks[h]
	if blk.free {
		return fmt.Errorf("%w: double free of block at %#x", ErrIntegrityViolation, blk.addr)
	}
	if !qnum.Equals(blk.checksum, blockChecksum(blk.addr, blk.size, blk.typ)) {
		return fmt.Errorf("%w: corrupted checksum on block at %#x", ErrIntegrityViolation, blk.addr)
	}

	blk.free = true
	blk.lastAccessTick = now
	blk.dependencies = nil
	blk.dependents = nil

	p.usedSize -= blk.size
	p.freeSize += blk.size
	p.deallocCount++

	p.coalesceLocked(h)
	return nil
}

// coalesceLocked merges the freed block with its address-adjacent free
// neighbours on both sides so no two adjacent free blocks persist.
func (p *Pool) coalesceLocked(h BlockHandle) {
	idx := p.orderIndex(h)
	if idx < 0 {
		return
	}

	// Merge forward while the successor is free and adjacent.
	for idx+1 < len(p.order) {
		cur := &p.blocks[p.order[idx]]
		next := &p.blocks[p.order[idx+1]]
		if !cur.free || !next.free || cur.addr+cur.size != next.addr {
			break
		}
		cur.size += next.size
		cur.checksum = blockChecksum(cur.addr, cur.size, cur.typ)
		p.releaseBlock(p.order[idx+1])
		p.order = append(p.order[:idx+1], p.order[idx+2:]...)
	}

	// Merge backward once; the predecessor cannot itself have a free
	// predecessor or the invariant was already broken.
	if idx > 0 {
		prev := &p.blocks[p.order[idx-1]]
		cur := &p.blocks[p.order[idx]]
		if prev.free && cur.free && prev.addr+prev.size == cur.addr {
			prev.size += cur.size
			prev.checksum = blockChecksum(prev.addr, prev.size, prev.typ)
			p.releaseBlock(p.order[idx])
			p.order = append(p.order[:idx], p.order[idx+1:]...)
		}
	}
}

func (p *Pool) orderIndex(h BlockHandle) int {
	for i, o := range p.order {
		if o == h {
			return i
		}
	}
	return -1
}

// findByAddr locates the block starting at addr via binary search over the
// address-ordered handle list.
func (p *Pool) findByAddr(addr uint64) (BlockHandle, bool) {
	lo, hi := 0, len(p.order)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		blk := &p.blocks[p.order[mid]]
		switch {
		case addr < blk.addr:
			hi = mid - 1
		case addr >= blk.addr+blk.size:
			lo = mid + 1
		default:
			if blk.addr != addr {
				// Interior pointer; frees must target block starts.
				return noBlock, false
			}
			return p.order[mid], true
		}
	}
	return noBlock, false
}

// contains reports whether addr falls inside the pool's address range.
func (p *Pool) contains(addr uint64) bool {
	return addr >= p.base && addr < p.base+p.arena.size()
}

// dataLocked returns the byte region backing an allocated block.
func (p *Pool) dataLocked(blk *Block) []byte {
	off := blk.addr - p.base
	return p.arena.bytes()[off : off+blk.size]
}

// statsLocked assembles a PoolStats snapshot. Called with p.mu held.
func (p *Pool) statsLocked() PoolStats {
	var largest uint64
	count := 0
	for _, h := range p.order {
		blk := &p.blocks[h]
		count++
		if blk.free && blk.size > largest {
			largest = blk.size
		}
	}
	return PoolStats{
		Type:          p.typ,
		TotalSize:     p.arena.size(),
		UsedSize:      p.usedSize,
		FreeSize:      p.freeSize,
		BlockCount:    count,
		AllocCount:    p.allocCount,
		DeallocCount:  p.deallocCount,
		LargestFree:   largest,
		Fragmentation: p.freeSize - largest,
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// destroy releases the pool's backing memory. All blocks die with it.
func (p *Pool) destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = nil
	p.order = nil
	p.freeSlots = nil
	p.usedSize = 0
	p.freeSize = 0
	return p.arena.release()
}
