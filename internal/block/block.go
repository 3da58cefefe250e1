// Package block implements paged KV-cache bookkeeping: a LIFO free-pool
// allocator and the per-sequence block table it backs.
//
// Grounded on the free-list bookkeeping of the teacher's
// sim/kvcache.go (KVCacheState), simplified from its LRU doubly-linked
// list plus prefix-hash reuse to the plain LIFO stack the core spec
// requires (blocks are interchangeable; no cross-sequence sharing).
package block

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/batchserve/engine/internal/errs"
)

// SeqID identifies a sequence owning a block table entry.
type SeqID uint64

// Manager allocates and reclaims KV block ids, and owns the block
// table (SeqID -> ordered block ids).
//
// Allocation policy is a stack (LIFO) over the free pool: popping
// recently-freed blocks maximizes cache warmth on the device. The
// allocator never fragments — blocks are interchangeable.
type Manager struct {
	blockSize int // B: tokens per block
	total     int
	free      []int // LIFO stack of free block ids
	table     map[SeqID][]int
}

// NewManager creates a Manager with totalBlocks blocks of blockSize
// tokens each, all initially free.
func NewManager(totalBlocks, blockSize int) *Manager {
	free := make([]int, totalBlocks)
	for i := range free {
		free[i] = i
	}
	return &Manager{
		blockSize: blockSize,
		total:     totalBlocks,
		free:      free,
		table:     make(map[SeqID][]int),
	}
}

// BlockSize returns B, the number of tokens held per block.
func (m *Manager) BlockSize() int { return m.blockSize }

// TotalBlocks returns the total block count (used + free).
func (m *Manager) TotalBlocks() int { return m.total }

// FreeCount returns the number of currently unallocated blocks.
func (m *Manager) FreeCount() int { return len(m.free) }

// CanAllocate reports whether n more blocks can be allocated right now.
func (m *Manager) CanAllocate(n int) bool {
	return len(m.free) >= n
}

// Allocate reserves n blocks for seqID, appending them to its block
// table. Returns ErrOutOfBlocks if the free pool can't satisfy n; on
// failure the table and free pool are left unchanged (no partial
// allocation).
func (m *Manager) Allocate(seqID SeqID, n int) error {
	if n == 0 {
		return nil
	}
	if !m.CanAllocate(n) {
		return fmt.Errorf("allocate %d blocks for seq %d: %w", n, seqID, errs.ErrOutOfBlocks)
	}
	popped := m.popN(n)
	m.table[seqID] = append(m.table[seqID], popped...)
	return nil
}

// AppendSlot ensures seqID's last block has room for one more token.
// If the last block is full (or the sequence owns no blocks yet), it
// allocates exactly one additional block. Returns ErrOutOfBlocks if no
// free block is available.
//
// seqLenBeforeAppend is the caller-tracked number of tokens the
// sequence already has stored in its blocks; the block manager itself
// does not track per-block fill level (it only tracks ownership), so a
// new block is needed exactly when seqLenBeforeAppend is a multiple of
// the block size.
func (m *Manager) AppendSlot(seqID SeqID, seqLenBeforeAppend int) error {
	owned := m.table[seqID]
	needsNewBlock := len(owned) == 0 || seqLenBeforeAppend%m.blockSize == 0
	if !needsNewBlock {
		return nil
	}
	if len(m.free) == 0 {
		return fmt.Errorf("append slot for seq %d: %w", seqID, errs.ErrOutOfBlocks)
	}
	blk := m.popN(1)[0]
	m.table[seqID] = append(m.table[seqID], blk)
	return nil
}

// Free returns every block owned by seqID to the free pool. Idempotent:
// freeing a sequence with no (or already-freed) blocks is a no-op, not
// an error.
func (m *Manager) Free(seqID SeqID) {
	owned, ok := m.table[seqID]
	if !ok || len(owned) == 0 {
		return
	}
	delete(m.table, seqID)
	// Push back in reverse order so the sequence's first-allocated
	// block ends up on top of the stack and is the first one popped
	// next. The order is purely a warmth heuristic, since the core
	// never reuses block *contents*.
	for i := len(owned) - 1; i >= 0; i-- {
		m.free = append(m.free, owned[i])
	}
	logrus.Debugf("block manager: freed %d blocks for seq %d", len(owned), seqID)
}

// BlocksOf returns the current block list for seqID, in allocation
// order. The returned slice must not be mutated by the caller.
func (m *Manager) BlocksOf(seqID SeqID) []int {
	return m.table[seqID]
}

// NumBlocksOwned sums the block count across every tracked sequence.
// Used by conservation-invariant tests: NumBlocksOwned + FreeCount ==
// TotalBlocks always.
func (m *Manager) NumBlocksOwned() int {
	total := 0
	for _, blocks := range m.table {
		total += len(blocks)
	}
	return total
}

// NumBlocksNeeded returns ceil(numTokens / B), the block count a
// sequence of that many tokens requires.
func (m *Manager) NumBlocksNeeded(numTokens int) int {
	if numTokens <= 0 {
		return 0
	}
	return (numTokens + m.blockSize - 1) / m.blockSize
}

func (m *Manager) popN(n int) []int {
	start := len(m.free) - n
	popped := append([]int(nil), m.free[start:]...)
	m.free = m.free[:start]
	return popped
}
