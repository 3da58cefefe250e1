package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/batchserve/engine/internal/admission"
	"github.com/batchserve/engine/internal/block"
	"github.com/batchserve/engine/internal/errs"
	"github.com/batchserve/engine/internal/executor"
	"github.com/batchserve/engine/internal/sampler"
	"github.com/batchserve/engine/internal/scheduler"
	"github.com/batchserve/engine/internal/tokenizer"
)

type collectingSink struct {
	deltas []string
	closed bool
}

func (s *collectingSink) Send(text string) bool {
	s.deltas = append(s.deltas, text)
	return true
}
func (s *collectingSink) Close() { s.closed = true }

func (s *collectingSink) full() string {
	out := ""
	for _, d := range s.deltas {
		out += d
	}
	return out
}

func newTestEngine(t *testing.T, fixedToken int) (*Engine, *tokenizer.WordTokenizer) {
	t.Helper()
	tok := tokenizer.NewWordTokenizer()
	blocks := block.NewManager(64, 16)
	sched := scheduler.New(scheduler.Limits{MaxNumBatchedTokens: 128, MaxNumSeqs: 8}, blocks, nil)
	exec := &executor.MockExecutor{VocabSize: 100, FixedTokenID: fixedToken}
	samp := sampler.New(1)
	eng := New(Config{MaxNumBatchedTokens: 128, MaxNumSeqs: 8, MaxModelLen: 20}, tok, blocks, sched, exec, samp, admission.AlwaysAdmit{}, sampler.Params{Temperature: 0})
	return eng, tok
}

func TestEngine_AddRequestAndStepStreamsDelta(t *testing.T) {
	eng, tok := newTestEngine(t, 1)
	// Pre-register "the" and "end" so Decode can render the sampled token id.
	tok.Encode("the end")

	sink := &collectingSink{}
	reqID, err := eng.AddRequest("hello world", sink, 0)
	assert.NoError(t, err)
	assert.NotEmpty(t, reqID)

	assert.NoError(t, eng.Step()) // prefill
	assert.NoError(t, eng.Step()) // decode: samples fixed token id 1 ("the", the first word registered above)

	assert.NotEmpty(t, sink.deltas)
}

func TestEngine_PromptTooLongRejected(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	sink := &collectingSink{}
	longPrompt := ""
	for i := 0; i < 30; i++ {
		longPrompt += "word "
	}
	_, err := eng.AddRequest(longPrompt, sink, 0)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrPromptTooLong))
}

func TestEngine_EOSFinishesSequenceAndClosesSink(t *testing.T) {
	// The mock always spikes at tokenizer.DefaultEOSTokenID, so the very
	// first sampled token is EOS and must finish the sequence.
	eng, _ := newTestEngine(t, tokenizer.DefaultEOSTokenID)
	sink := &collectingSink{}
	_, err := eng.AddRequest("hi", sink, 0)
	assert.NoError(t, err)

	assert.NoError(t, eng.Step())
	assert.True(t, sink.closed, "sequence must finish and close its sink once EOS is sampled")
}

func TestEngine_MaxModelLenFinishesSequenceAndClosesSink(t *testing.T) {
	// Fixed token id 1 is a real (non-EOS) vocabulary entry, so the
	// sequence must instead run until it hits max_model_len.
	eng, _ := newTestEngine(t, 1)
	sink := &collectingSink{}
	_, err := eng.AddRequest("hi", sink, 0)
	assert.NoError(t, err)

	for i := 0; i < 25 && !sink.closed; i++ {
		assert.NoError(t, eng.Step())
	}
	assert.True(t, sink.closed, "sequence must finish and close its sink once max_model_len is reached")
}

func TestEngine_ClosedEngineRejectsAddRequest(t *testing.T) {
	eng, _ := newTestEngine(t, 0)
	eng.Close()
	_, err := eng.AddRequest("hi", &collectingSink{}, 0)
	assert.True(t, errors.Is(err, errs.ErrEngineClosed))
}

func TestEngine_ExecutorErrorFailsBatchNotEngine(t *testing.T) {
	tok := tokenizer.NewWordTokenizer()
	blocks := block.NewManager(64, 16)
	sched := scheduler.New(scheduler.Limits{MaxNumBatchedTokens: 128, MaxNumSeqs: 8}, blocks, nil)

	samp := sampler.New(1)
	eng := New(Config{MaxNumBatchedTokens: 128, MaxNumSeqs: 8, MaxModelLen: 20}, tok, blocks, sched, &erroringExecutor{}, samp, admission.AlwaysAdmit{}, sampler.Params{Temperature: 0})

	sink := &collectingSink{}
	_, err := eng.AddRequest("hi there", sink, 0)
	assert.NoError(t, err)

	assert.NoError(t, eng.Step()) // prefill triggers the erroring executor
	assert.True(t, sink.closed, "batch failure must close the sink with an error marker")

	// engine itself must still accept new requests after a batch failure
	sink2 := &collectingSink{}
	_, err = eng.AddRequest("still alive", sink2, 1)
	assert.NoError(t, err)
}

type erroringExecutor struct{}

func (e *erroringExecutor) Run(_ *scheduler.Batch) ([][]float32, error) {
	return nil, errs.ErrExecutorError
}

func TestDeltaSuffix(t *testing.T) {
	assert.Equal(t, " world", deltaSuffix("hello", "hello world"))
	assert.Equal(t, "", deltaSuffix("hello", "hello"))
}
