// Package engine glues the sequence model, block allocator, scheduler,
// model executor, and sampler into a single step() loop, plus
// add_request admission.
//
// Grounded on unixsysdev/nano-go-vllm's internal/engine/llm_engine.go
// (mutex scope around Step/AddRequest, tokenize-then-enqueue admission
// shape) and 7blacky7-ollama-reverse's runner/llamarunner batch loop
// (per-step stop-condition evaluation and streaming). A single lock
// guards scheduler/queue mutation but is never held across the
// executor forward pass.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/batchserve/engine/internal/admission"
	"github.com/batchserve/engine/internal/block"
	"github.com/batchserve/engine/internal/errs"
	"github.com/batchserve/engine/internal/executor"
	"github.com/batchserve/engine/internal/sampler"
	"github.com/batchserve/engine/internal/scheduler"
	"github.com/batchserve/engine/internal/sequence"
	"github.com/batchserve/engine/internal/tokenizer"
)

// Config bundles the engine-level limits Engine needs beyond its
// collaborators' own construction.
type Config struct {
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
}

// Engine owns the whole request lifecycle: admission, the step loop,
// detokenization, and stream delivery.
type Engine struct {
	cfg       Config
	tokenizer tokenizer.Tokenizer
	blocks    *block.Manager
	scheduler *scheduler.Scheduler
	executor  executor.Executor
	sampler   *sampler.Sampler
	admission admission.Policy
	samplerParams sampler.Params

	mu     sync.Mutex
	closed bool
	nextID atomic.Uint64
}

// New builds an Engine over already-constructed collaborators. blocks
// and sched must share compatible block sizes; exec is whatever
// implements executor.Executor (TransformerExecutor or a test mock).
func New(cfg Config, tok tokenizer.Tokenizer, blocks *block.Manager, sched *scheduler.Scheduler, exec executor.Executor, samp *sampler.Sampler, admit admission.Policy, samplerParams sampler.Params) *Engine {
	if admit == nil {
		admit = admission.AlwaysAdmit{}
	}
	return &Engine{
		cfg:           cfg,
		tokenizer:     tok,
		blocks:        blocks,
		scheduler:     sched,
		executor:      exec,
		sampler:       samp,
		admission:     admit,
		samplerParams: samplerParams,
	}
}

// AddRequest tokenizes prompt, allocates a monotonic request id,
// constructs a Sequence/Group in Waiting state, and enqueues it.
// clockMicros is passed to the admission policy for rate limiting.
func (e *Engine) AddRequest(prompt string, sink sequence.Sink, clockMicros int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", errs.ErrEngineClosed
	}

	tokenIDs, err := e.tokenizer.Encode(prompt)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, errs.ErrTokenizerError)
	}

	if admitted, reason := e.admission.Admit(len(tokenIDs), clockMicros); !admitted {
		return "", fmt.Errorf("rejected by admission policy: %s: %w", reason, errs.ErrCapacityExhausted)
	}

	if len(tokenIDs) > e.cfg.MaxModelLen {
		return "", fmt.Errorf("prompt has %d tokens, exceeds max_model_len %d: %w",
			len(tokenIDs), e.cfg.MaxModelLen, errs.ErrPromptTooLong)
	}
	if err := scheduler.ValidatePrompt(len(tokenIDs), e.cfg.MaxNumBatchedTokens); err != nil {
		return "", err
	}

	id := e.nextID.Add(1)
	requestID := fmt.Sprintf("req-%d", id)
	seq := sequence.New(id, prompt, tokenIDs, sink)
	group := sequence.NewGroup(requestID, clockMicros, seq)

	e.scheduler.AddRequest(group)
	return requestID, nil
}

// Step advances the whole system by one tick: schedule a batch, run
// the executor once, sample a next token per entry, append/detokenize/
// stream in batch order, then evaluate stop conditions.
//
// The scheduler lock is held only for the queue-manipulation portion
// (Step's internal admission/preemption bookkeeping); it is released
// before the executor forward pass and reacquired only for the final
// append/stream bookkeeping. The lock must never be held across the
// executor forward pass.
func (e *Engine) Step() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errs.ErrEngineClosed
	}
	batch := e.scheduler.Step()
	e.mu.Unlock()

	if batch.Empty() {
		return nil
	}

	logitsPerEntry, err := e.executor.Run(&batch)
	if err != nil {
		logrus.Errorf("engine: executor error, failing batch of %d entries: %v", len(batch.Entries), err)
		e.mu.Lock()
		for _, entry := range batch.Entries {
			e.failEntry(entry, errs.ErrExecutorError)
		}
		e.mu.Unlock()
		return nil // batch-scoped error; engine continues
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, entry := range batch.Entries {
		e.advanceOne(entry, logitsPerEntry[i])
	}
	return nil
}

// advanceOne samples the next token for one scheduled entry, appends
// it, streams the incremental delta, and evaluates stop conditions.
func (e *Engine) advanceOne(entry scheduler.Entry, logits []float32) {
	seq := entry.Group.Seq()
	tokenID := e.sampler.Sample(logits, e.samplerParams)

	prevText := seq.OutputText
	seq.AppendToken(tokenID)

	fullText, err := e.tokenizer.Decode(seq.OutputTokenIDs)
	if err != nil {
		logrus.Warnf("engine: detokenize failed for %s: %v", entry.Group.RequestID, err)
		seq.Stream("</error/>")
		seq.SetStatus(sequence.Finished)
		seq.CloseSink()
		return
	}

	delta := deltaSuffix(prevText, fullText)
	seq.OutputText = fullText
	seq.Stream(delta)

	if e.checkStop(seq, tokenID) {
		seq.SetStatus(sequence.Finished)
		seq.CloseSink()
	}
}

// checkStop evaluates the stop conditions in order: EOS,
// then max_model_len.
func (e *Engine) checkStop(seq *sequence.Sequence, tokenID int) bool {
	if e.tokenizer.IsEOS(tokenID) {
		return true
	}
	if seq.Len() >= e.cfg.MaxModelLen {
		return true
	}
	return false
}

// failEntry closes a batch-failed entry's sink with an error marker and
// marks it finished, without releasing its blocks here — the scheduler
// reclaims blocks for Finished groups on its next drainFinished pass.
func (e *Engine) failEntry(entry scheduler.Entry, cause error) {
	seq := entry.Group.Seq()
	logrus.Warnf("engine: request %s terminated by batch failure: %v", entry.Group.RequestID, cause)
	seq.Stream("</error/>")
	seq.SetStatus(sequence.Finished)
	seq.CloseSink()
}

// Close marks the engine closed; further AddRequest calls fail with
// EngineClosed. In-flight sequences are left to finish naturally.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// deltaSuffix returns the suffix of full beyond prev, the incremental
// text the sink receives this tick (the streaming contract).
func deltaSuffix(prev, full string) string {
	if strings.HasPrefix(full, prev) {
		return full[len(prev):]
	}
	// Tokenizer re-segmentation changed the earlier text's rendering;
	// stream the whole current text rather than nothing, since the
	// streaming contract only promises "concatenating all sends yields
	// the full generated text" relative to this call's own deltas.
	return full
}
