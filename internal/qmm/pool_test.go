package qmm

import (
	"errors"
	"testing"

	"github.com/quantum-os/qcore/internal/qnum"
)

func newTestPool(t *testing.T, typ MathType, size uint64) *Pool {
	t.Helper()
	var seq uint64
	p, err := newPool(0, typ, size, 0, &seq)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	return p
}

// checkAccounting verifies the pool-level conservation invariant: every
// byte is in exactly one block, and used plus free covers the pool.
func checkAccounting(t *testing.T, p *Pool) {
	t.Helper()
	var used, free uint64
	prevEnd := p.base
	for _, h := range p.order {
		blk := &p.blocks[h]
		if blk.addr != prevEnd {
			t.Fatalf("gap or overlap: block at %#x, previous region ends at %#x", blk.addr, prevEnd)
		}
		prevEnd = blk.addr + blk.size
		if blk.free {
			free += blk.size
		} else {
			used += blk.size
		}
	}
	if prevEnd != p.base+p.arena.size() {
		t.Fatalf("blocks cover [%#x, %#x), want end %#x", p.base, prevEnd, p.base+p.arena.size())
	}
	if used != p.usedSize || free != p.freeSize {
		t.Fatalf("counters used=%d free=%d, walk found used=%d free=%d", p.usedSize, p.freeSize, used, free)
	}
}

func TestPoolAllocateFree(t *testing.T) {
	t.Run("SplitAndAccounting", func(t *testing.T) {
		p := newTestPool(t, TypeGeneral, 1024)

		h, err := p.allocateLocked(100, TypeGeneral, 0, 1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got := p.blocks[h].size; got != 100 {
			t.Fatalf("block size = %d, want 100", got)
		}
		if len(p.order) != 2 {
			t.Fatalf("order has %d blocks after split, want 2", len(p.order))
		}
		checkAccounting(t, p)

		if err := p.freeLocked(h, 2); err != nil {
			t.Fatalf("free: %v", err)
		}
		if len(p.order) != 1 {
			t.Fatalf("order has %d blocks after coalesce, want 1", len(p.order))
		}
		if p.usedSize != 0 || p.freeSize != 1024 {
			t.Fatalf("used=%d free=%d after full free", p.usedSize, p.freeSize)
		}
		checkAccounting(t, p)
	})

	t.Run("NoSplitBelowHeaderRemainder", func(t *testing.T) {
		p := newTestPool(t, TypeGeneral, 256)

		// Remainder would be 256-224 = 32 < 64: hand out the whole block.
		h, err := p.allocateLocked(224, TypeGeneral, 0, 1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got := p.blocks[h].size; got != 256 {
			t.Fatalf("block size = %d, want whole 256", got)
		}
		if len(p.order) != 1 {
			t.Fatalf("order has %d blocks, want 1 (no split)", len(p.order))
		}
	})

	t.Run("AlignmentRoundsRequest", func(t *testing.T) {
		p := newTestPool(t, TypeNumber, 1024)
		h, err := p.allocateLocked(1, TypeNumber, 0, 1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got := p.blocks[h].size; got != AlignNumber {
			t.Fatalf("block size = %d, want %d (number alignment)", got, AlignNumber)
		}
	})

	t.Run("DoubleFree", func(t *testing.T) {
		p := newTestPool(t, TypeGeneral, 512)
		h, err := p.allocateLocked(64, TypeGeneral, 0, 1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if err := p.freeLocked(h, 2); err != nil {
			t.Fatalf("first free: %v", err)
		}
		if err := p.freeLocked(h, 3); !errors.Is(err, ErrIntegrityViolation) {
			t.Fatalf("second free = %v, want ErrIntegrityViolation", err)
		}
	})

	t.Run("CorruptedChecksum", func(t *testing.T) {
		p := newTestPool(t, TypeGeneral, 512)
		h, err := p.allocateLocked(64, TypeGeneral, 0, 1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		p.blocks[h].checksum = qnum.FromUint64(0xDEAD)
		if err := p.freeLocked(h, 2); !errors.Is(err, ErrIntegrityViolation) {
			t.Fatalf("free of corrupted block = %v, want ErrIntegrityViolation", err)
		}
	})
}

func TestPoolCoalescing(t *testing.T) {
	t.Run("MiddleThenNeighbours", func(t *testing.T) {
		p := newTestPool(t, TypeGeneral, 4096)

		var handles []BlockHandle
		for i := 0; i < 3; i++ {
			h, err := p.allocateLocked(512, TypeGeneral, 0, 1)
			if err != nil {
				t.Fatalf("allocate %d: %v", i, err)
			}
			handles = append(handles, h)
		}

		// Free the middle block first, then its neighbours. Every free
		// must leave no pair of adjacent free blocks.
		for _, h := range []BlockHandle{handles[1], handles[0], handles[2]} {
			if err := p.freeLocked(h, 2); err != nil {
				t.Fatalf("free: %v", err)
			}
			checkAccounting(t, p)
			for i := 0; i+1 < len(p.order); i++ {
				a := &p.blocks[p.order[i]]
				b := &p.blocks[p.order[i+1]]
				if a.free && b.free {
					t.Fatalf("adjacent free blocks at %#x and %#x", a.addr, b.addr)
				}
			}
		}

		if len(p.order) != 1 || !p.blocks[p.order[0]].free {
			t.Fatalf("pool did not coalesce to a single free block (%d blocks)", len(p.order))
		}
		if got := p.blocks[p.order[0]].size; got != 4096 {
			t.Fatalf("coalesced size = %d, want 4096", got)
		}
	})

	t.Run("InterleavedReuse", func(t *testing.T) {
		p := newTestPool(t, TypeGeneral, 8192)

		var live []BlockHandle
		for round := 0; round < 8; round++ {
			for i := 0; i < 4; i++ {
				h, err := p.allocateLocked(uint64(128+64*i), TypeGeneral, 0, 1)
				if err != nil {
					t.Fatalf("round %d alloc %d: %v", round, i, err)
				}
				live = append(live, h)
			}
			// Free every other live block.
			var kept []BlockHandle
			for i, h := range live {
				if i%2 == 0 {
					if err := p.freeLocked(h, 2); err != nil {
						t.Fatalf("round %d free: %v", round, err)
					}
				} else {
					kept = append(kept, h)
				}
			}
			live = kept
			checkAccounting(t, p)
		}
	})
}

func TestPoolFindByAddr(t *testing.T) {
	p := newTestPool(t, TypeGeneral, 1024)
	h, err := p.allocateLocked(128, TypeGeneral, 0, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	addr := p.blocks[h].addr

	if got, ok := p.findByAddr(addr); !ok || got != h {
		t.Fatalf("findByAddr(start) = (%d, %v), want (%d, true)", got, ok, h)
	}
	// Interior pointers do not resolve to a block.
	if _, ok := p.findByAddr(addr + 8); ok {
		t.Fatal("findByAddr resolved an interior pointer")
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := newTestPool(t, TypeGeneral, 256)
	if _, err := p.allocateLocked(512, TypeGeneral, 0, 1); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("oversized allocate = %v, want ErrOutOfMemory", err)
	}
}
