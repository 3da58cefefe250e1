package block

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batchserve/engine/internal/errs"
)

func TestManager_AllocateFreeRoundTrip(t *testing.T) {
	m := NewManager(10, 4)
	assert.True(t, m.CanAllocate(5))

	assert.NoError(t, m.Allocate(SeqID(1), 5))
	assert.Equal(t, 5, m.FreeCount())
	assert.True(t, m.CanAllocate(5))
	assert.False(t, m.CanAllocate(6))

	m.Free(SeqID(1))
	assert.Equal(t, 10, m.FreeCount())
	assert.True(t, m.CanAllocate(6))

	// allocate(n); free(seq); allocate(n) succeeds iff the original did.
	assert.NoError(t, m.Allocate(SeqID(2), 6))
}

func TestManager_FreeIsIdempotent(t *testing.T) {
	m := NewManager(4, 4)
	assert.NoError(t, m.Allocate(SeqID(1), 2))
	m.Free(SeqID(1))
	assert.Equal(t, 4, m.FreeCount())
	m.Free(SeqID(1)) // no-op, not an error
	assert.Equal(t, 4, m.FreeCount())
	m.Free(SeqID(999)) // never allocated
	assert.Equal(t, 4, m.FreeCount())
}

func TestManager_OutOfBlocks(t *testing.T) {
	m := NewManager(2, 4)
	err := m.Allocate(SeqID(1), 3)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrOutOfBlocks))
	// failed allocation must not partially mutate state
	assert.Equal(t, 2, m.FreeCount())
	assert.Nil(t, m.BlocksOf(SeqID(1)))
}

func TestManager_AppendSlot_AllocatesOnlyWhenBlockFull(t *testing.T) {
	m := NewManager(4, 4)
	assert.NoError(t, m.Allocate(SeqID(1), 1)) // 1 block, room for 4 tokens total

	// seq currently has 1 token in its (size-4) block: no new block needed
	assert.NoError(t, m.AppendSlot(SeqID(1), 1))
	assert.Len(t, m.BlocksOf(SeqID(1)), 1)

	// seq now has exactly 4 tokens (block full): next append needs a new block
	assert.NoError(t, m.AppendSlot(SeqID(1), 4))
	assert.Len(t, m.BlocksOf(SeqID(1)), 2)
}

func TestManager_Conservation(t *testing.T) {
	m := NewManager(16, 4)
	assert.NoError(t, m.Allocate(SeqID(1), 3))
	assert.NoError(t, m.Allocate(SeqID(2), 5))
	assert.Equal(t, 16, m.NumBlocksOwned()+m.FreeCount())

	m.Free(SeqID(1))
	assert.Equal(t, 16, m.NumBlocksOwned()+m.FreeCount())
}

func TestManager_NoSharedBlockIDs(t *testing.T) {
	m := NewManager(16, 4)
	assert.NoError(t, m.Allocate(SeqID(1), 4))
	assert.NoError(t, m.Allocate(SeqID(2), 4))

	seen := map[int]SeqID{}
	for seqID, blocks := range m.table {
		for _, b := range blocks {
			if owner, ok := seen[b]; ok {
				t.Fatalf("block %d shared between seq %d and seq %d", b, owner, seqID)
			}
			seen[b] = seqID
		}
	}
}

func TestManager_NumBlocksNeeded(t *testing.T) {
	m := NewManager(16, 4)
	assert.Equal(t, 0, m.NumBlocksNeeded(0))
	assert.Equal(t, 1, m.NumBlocksNeeded(1))
	assert.Equal(t, 1, m.NumBlocksNeeded(4))
	assert.Equal(t, 2, m.NumBlocksNeeded(5))
}
