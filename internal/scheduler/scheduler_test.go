package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batchserve/engine/internal/block"
	"github.com/batchserve/engine/internal/sequence"
)

func newGroup(id uint64, requestID string, promptLen int, arrival int64) *sequence.Group {
	tokens := make([]int, promptLen)
	for i := range tokens {
		tokens[i] = i + 1
	}
	seq := sequence.New(id, "prompt", tokens, nil)
	return sequence.NewGroup(requestID, arrival, seq)
}

func TestScheduler_PrefillSchedulesInIsolation(t *testing.T) {
	// Boundary: a prompt of length exactly max_num_batched_tokens schedules
	// alone on a tick where running was empty.
	bm := block.NewManager(64, 16)
	s := New(Limits{MaxNumBatchedTokens: 64, MaxNumSeqs: 8}, bm, nil)
	s.AddRequest(newGroup(1, "r1", 64, 0))

	batch := s.Step()
	assert.Len(t, batch.Entries, 1)
	assert.Equal(t, Prefill, batch.Entries[0].Kind)
	assert.Equal(t, 64, batch.Entries[0].NumTokens)
	assert.Equal(t, 1, s.NumRunning())
	assert.Equal(t, 0, s.NumWaiting())
}

func TestScheduler_MaxNumSeqsBlocksPrefillEvenWithTokenBudget(t *testing.T) {
	bm := block.NewManager(64, 16)
	s := New(Limits{MaxNumBatchedTokens: 128, MaxNumSeqs: 1}, bm, nil)
	s.AddRequest(newGroup(1, "r1", 16, 0))
	s.AddRequest(newGroup(2, "r2", 16, 1))

	batch := s.Step()
	assert.Len(t, batch.Entries, 1, "only one seq admitted: max_num_seqs=1")
	assert.Equal(t, 1, s.NumRunning())
	assert.Equal(t, 1, s.NumWaiting())
}

func TestScheduler_TwoRequestInterleave(t *testing.T) {
	// S2: prefill A, prefill B, then decode both simultaneously.
	bm := block.NewManager(64, 16)
	s := New(Limits{MaxNumBatchedTokens: 128, MaxNumSeqs: 2}, bm, nil)
	s.AddRequest(newGroup(1, "A", 10, 0))
	s.AddRequest(newGroup(2, "B", 10, 1))

	tick1 := s.Step()
	assert.Len(t, tick1.Entries, 2, "both prompts fit the token budget in one tick")
	for _, e := range tick1.Entries {
		assert.Equal(t, Prefill, e.Kind)
	}

	tick2 := s.Step()
	assert.Len(t, tick2.Entries, 2)
	for _, e := range tick2.Entries {
		assert.Equal(t, Decode, e.Kind)
	}
}

func TestScheduler_PreemptionUnderPressure(t *testing.T) {
	// S3: num_blocks=4, B=16, four prompts of length 16 each consume all
	// blocks. A later decode that needs a new block preempts the
	// youngest running group (D, the most recently admitted), not
	// whichever group's AppendSlot happens to fail first in the FIFO
	// walk (A).
	bm := block.NewManager(4, 16)
	s := New(Limits{MaxNumBatchedTokens: 1024, MaxNumSeqs: 4}, bm, nil)
	for i := 0; i < 4; i++ {
		s.AddRequest(newGroup(uint64(i+1), string(rune('A'+i)), 16, int64(i)))
	}

	prefillBatch := s.Step()
	assert.Len(t, prefillBatch.Entries, 4)
	assert.Equal(t, 0, bm.FreeCount(), "all 4 blocks consumed by 4 full-length prompts")

	// The engine appends one sampled token per prefilled sequence before
	// the next tick; storing it (position 16) needs a second block.
	for _, e := range prefillBatch.Entries {
		e.Group.Seq().AppendToken(1)
	}

	decodeBatch := s.Step()
	assert.Len(t, decodeBatch.Entries, 0, "A's append fails, D is preempted, and the preempting tick schedules nothing else")
	for _, e := range decodeBatch.Entries {
		assert.NotEqual(t, "D", e.Group.RequestID, "D is the youngest running group and must be the one preempted")
	}
	assert.Equal(t, 1, s.NumWaiting(), "preempted group re-queued to waiting")
	assert.Equal(t, "D", s.waiting[0].RequestID, "preempted group re-queued at the front of waiting")
	assert.Equal(t, 3, s.NumRunning(), "A, B, C remain running")
}

func TestScheduler_HeadOfLineBlockingOnOutOfBlocks(t *testing.T) {
	bm := block.NewManager(1, 16) // only 1 block total
	s := New(Limits{MaxNumBatchedTokens: 1024, MaxNumSeqs: 8}, bm, nil)
	s.AddRequest(newGroup(1, "big", 32, 0)) // needs 2 blocks, can't fit
	s.AddRequest(newGroup(2, "small", 8, 1))

	batch := s.Step()
	assert.True(t, batch.Empty(), "head request can't allocate; head-of-line blocking defers the whole tick")
	assert.Equal(t, 2, s.NumWaiting())
}

func TestValidatePrompt_TooLong(t *testing.T) {
	err := ValidatePrompt(65, 64)
	assert.Error(t, err)
	err = ValidatePrompt(64, 64)
	assert.NoError(t, err)
}

type fakeKVFreer struct {
	freed [][]int
}

func (f *fakeKVFreer) FreeSequence(blockIDs []int) {
	f.freed = append(f.freed, append([]int{}, blockIDs...))
}

func TestScheduler_DrainFinishedNotifiesKVFreerBeforeRecyclingBlocks(t *testing.T) {
	bm := block.NewManager(4, 16)
	s := New(Limits{MaxNumBatchedTokens: 1024, MaxNumSeqs: 4}, bm, nil)
	freer := &fakeKVFreer{}
	s.SetKVFreer(freer)

	g := newGroup(1, "r1", 16, 0)
	s.AddRequest(g)
	s.Step() // prefill, allocates blocks

	g.Seq().SetStatus(sequence.Finished)
	s.Step() // drainFinished should notify the freer with the owned block ids

	assert.Len(t, freer.freed, 1)
	assert.NotEmpty(t, freer.freed[0], "freer must see the block ids before they're recycled")
}

func TestScheduler_DrainsFinishedAndFreesBlocks(t *testing.T) {
	bm := block.NewManager(4, 16)
	s := New(Limits{MaxNumBatchedTokens: 1024, MaxNumSeqs: 4}, bm, nil)
	g := newGroup(1, "r1", 16, 0)
	s.AddRequest(g)
	s.Step() // prefill
	assert.Equal(t, 3, bm.FreeCount())

	g.Seq().SetStatus(sequence.Finished)
	s.Step() // should drain g and free its block before trying anything else
	assert.Equal(t, 4, bm.FreeCount())
	assert.Equal(t, 0, s.NumRunning())
}
