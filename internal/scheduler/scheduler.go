// Package scheduler forms each step's batch out of a mixed population
// of prefill and decode work, admits new requests under token and
// sequence-count budgets, and preempts running sequences under memory
// pressure.
//
// Grounded on the three-phase batch construction of the teacher's
// sim/simulator.go (makeRunningBatch) and sim/batch_formation.go
// (VLLMBatchFormation.FormBatch), simplified to the core spec's
// one-token-per-decode-step, no-chunked-prefill, no-prefix-cache
// contract, and cross-checked against the scheduling loop of
// unixsysdev/nano-go-vllm's internal/engine/scheduler.go.
package scheduler

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/batchserve/engine/internal/block"
	"github.com/batchserve/engine/internal/errs"
	"github.com/batchserve/engine/internal/sequence"
)

// EntryKind distinguishes a prefill step from a decode step within a
// scheduled batch entry.
type EntryKind int

const (
	Prefill EntryKind = iota
	Decode
)

// Entry is one scheduled group's contribution to a Batch.
type Entry struct {
	Group     *sequence.Group
	Kind      EntryKind
	BlockIDs  []int // the group's block table slice, for the executor
	StartPos  int   // starting position within the full sequence
	NumTokens int   // tokens consumed this step (full prompt on prefill, 1 on decode)
}

// Batch is the scheduler's per-tick output: every group scheduled this
// tick, with enough metadata for the executor to prepare its forward
// pass inputs.
type Batch struct {
	Entries []Entry
}

func (b *Batch) Empty() bool { return len(b.Entries) == 0 }

// Limits bounds a single scheduling tick.
type Limits struct {
	MaxNumBatchedTokens int
	MaxNumSeqs          int
}

// KVFreer releases an executor's paged KV storage for a finished
// sequence's blocks, ahead of the block IDs themselves being recycled.
type KVFreer interface {
	FreeSequence(blockIDs []int)
}

// Scheduler owns the waiting/running FIFO queues and drives admission,
// batching, and preemption policy for one engine.
type Scheduler struct {
	limits  Limits
	blocks  *block.Manager
	orderer QueueOrderer
	kvFreer KVFreer // optional; notified before a finished group's blocks are recycled

	waiting []*sequence.Group // FIFO; preempted groups re-enter at index 0
	running []*sequence.Group // FIFO
}

// New creates a Scheduler over the given block manager. A nil orderer
// defaults to FCFS (the exact waiting-queue behavior).
func New(limits Limits, blocks *block.Manager, orderer QueueOrderer) *Scheduler {
	if orderer == nil {
		orderer = FCFS{}
	}
	return &Scheduler{limits: limits, blocks: blocks, orderer: orderer}
}

// SetKVFreer registers the executor's KV-cache cleanup hook, called for
// each sequence drainFinished reclaims blocks from. Optional: a
// Scheduler with no registered freer just skips the notification.
func (s *Scheduler) SetKVFreer(freer KVFreer) {
	s.kvFreer = freer
}

// AddRequest enqueues a newly admitted group at the tail of waiting.
func (s *Scheduler) AddRequest(g *sequence.Group) {
	s.waiting = append(s.waiting, g)
}

// NumWaiting and NumRunning expose queue depth for metrics/tests.
func (s *Scheduler) NumWaiting() int { return len(s.waiting) }
func (s *Scheduler) NumRunning() int { return len(s.running) }

func seqBlockID(seq *sequence.Sequence) block.SeqID { return block.SeqID(seq.ID) }

// Step runs the three scheduling phases, in the load-bearing order the
// spec mandates: drain finished running groups, decode phase (with
// preemption), then prefill phase (with head-of-line blocking).
func (s *Scheduler) Step() Batch {
	s.drainFinished()

	var batch Batch
	tokenBudget := s.limits.MaxNumBatchedTokens

	tokenBudget = s.decodePhase(&batch, tokenBudget)
	s.orderer.OrderWaiting(s.waiting)
	s.prefillPhase(&batch, tokenBudget)

	return batch
}

// drainFinished removes any group whose sequences are all Finished,
// releasing their KV blocks. Phase 1.
func (s *Scheduler) drainFinished() {
	remaining := s.running[:0:0]
	for _, g := range s.running {
		if g.IsFinished() {
			for _, seq := range g.Sequences {
				id := seqBlockID(seq)
				if s.kvFreer != nil {
					s.kvFreer.FreeSequence(s.blocks.BlocksOf(id))
				}
				s.blocks.Free(id)
			}
			continue
		}
		remaining = append(remaining, g)
	}
	s.running = remaining
}

// decodePhase walks running in FIFO order, appending one decode slot
// per running sequence while the token budget allows. On OutOfBlocks it
// preempts the youngest running group — not necessarily the one whose
// AppendSlot failed — freeing its blocks and re-queuing it at the front
// of waiting, and stops admitting further work this tick (decode and
// prefill alike, so the victim is not re-admitted into the blocks it
// just released), prioritizing freeing memory over scheduling more
// work. Phase 2.
func (s *Scheduler) decodePhase(batch *Batch, tokenBudget int) int {
	kept := s.running[:0:0]

	for i, g := range s.running {
		if tokenBudget <= 0 {
			logrus.Warn("scheduler: token budget exhausted in decode phase, deferring remaining running groups")
			kept = append(kept, s.running[i:]...)
			break
		}

		seq := g.Seq()
		// The most recently sampled token is counted in Len() but not yet
		// stored in the KV cache; this step writes it at position Len()-1.
		lenBefore := seq.Len() - 1
		if err := s.blocks.AppendSlot(seqBlockID(seq), lenBefore); err != nil {
			victim := s.running[len(s.running)-1]
			logrus.Warnf("scheduler: preempting youngest running group %s (out of blocks appending a decode slot for %s)",
				victim.RequestID, g.RequestID)
			s.preempt(victim)
			// Every group from g onward stays running except victim,
			// which is always the tail of s.running.
			kept = append(kept, s.running[i:]...)
			kept = kept[:len(kept)-1]
			tokenBudget = 0 // no prefill admission on a preempting tick
			break
		}

		batch.Entries = append(batch.Entries, Entry{
			Group:     g,
			Kind:      Decode,
			BlockIDs:  s.blocks.BlocksOf(seqBlockID(seq)),
			StartPos:  lenBefore,
			NumTokens: 1,
		})
		tokenBudget--
		kept = append(kept, g)
	}

	s.running = kept
	return tokenBudget
}

// preempt transitions g to Waiting, releases its blocks, and re-queues
// it at the front of waiting so it keeps priority over never-started
// requests.
func (s *Scheduler) preempt(g *sequence.Group) {
	for _, seq := range g.Sequences {
		seq.SetStatus(sequence.Waiting)
		s.blocks.Free(seqBlockID(seq))
	}
	s.waiting = append([]*sequence.Group{g}, s.waiting...)
}

// prefillPhase admits groups from waiting while there is room in
// running and token budget remaining, stopping (head-of-line blocking)
// on the first group that doesn't fit — guaranteeing starvation-freedom
// of the oldest waiting request. Phase 3.
func (s *Scheduler) prefillPhase(batch *Batch, tokenBudget int) {
	for len(s.waiting) > 0 && len(s.running) < s.limits.MaxNumSeqs && tokenBudget > 0 {
		head := s.waiting[0]
		promptLen := head.TotalLen()

		if promptLen > s.limits.MaxNumBatchedTokens {
			// PromptTooLong is terminal; the caller (engine) is
			// expected to have already rejected this at add_request
			// time, but a defensive check here keeps the scheduler
			// correct even if called directly.
			logrus.Errorf("scheduler: prompt for group %s (%d tokens) exceeds max_num_batched_tokens (%d)",
				head.RequestID, promptLen, s.limits.MaxNumBatchedTokens)
			s.waiting = s.waiting[1:]
			continue
		}
		if promptLen > tokenBudget {
			break
		}

		seq := head.Seq()
		numBlocks := s.blocks.NumBlocksNeeded(promptLen)
		if err := s.blocks.Allocate(seqBlockID(seq), numBlocks); err != nil {
			break // OutOfBlocks during prefill: stop, retry next tick
		}

		s.waiting = s.waiting[1:]
		seq.SetStatus(sequence.Running)
		s.running = append(s.running, head)

		batch.Entries = append(batch.Entries, Entry{
			Group:     head,
			Kind:      Prefill,
			BlockIDs:  s.blocks.BlocksOf(seqBlockID(seq)),
			StartPos:  0,
			NumTokens: promptLen,
		})
		tokenBudget -= promptLen
	}
}

// ValidatePrompt returns ErrPromptTooLong if promptLen alone exceeds
// maxNumBatchedTokens — a terminal failure for the offending request
// rather than one merely deferred.
func ValidatePrompt(promptLen, maxNumBatchedTokens int) error {
	if promptLen > maxNumBatchedTokens {
		return fmt.Errorf("prompt length %d exceeds max_num_batched_tokens %d: %w",
			promptLen, maxNumBatchedTokens, errs.ErrPromptTooLong)
	}
	return nil
}
