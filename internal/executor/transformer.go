package executor

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/batchserve/engine/internal/errs"
	"github.com/batchserve/engine/internal/modelconfig"
	"github.com/batchserve/engine/internal/scheduler"
)

// Executor is the model-executor capability contract: a single-step
// forward of a scheduled Batch, returning one logits vector (length
// vocab_size) per batch entry, in batch order.
type Executor interface {
	Run(batch *scheduler.Batch) ([][]float32, error)
}

// TransformerExecutor runs a dense or AWQ-quantized decoder-only
// transformer with RoPE, RMSNorm, a gated MLP, and paged causal
// attention. Grounded on bolt-xl's model_executor.rs (one forward per
// sequence, last-token logits concatenated across the batch) and
// attention.rs (GQA head repetition, causal masking, optional logit
// softcapping).
type TransformerExecutor struct {
	cfg     *modelconfig.ModelConfig
	weights *Weights
	kv      []*pagedKV // one paged cache per layer
	rope    *ropeTable
}

// NewTransformerExecutor builds an executor for the given config and
// weights, with a fresh KV cache sized to blockSize.
func NewTransformerExecutor(cfg *modelconfig.ModelConfig, weights *Weights, blockSize int) *TransformerExecutor {
	kvDim := cfg.NumKeyValueHeads * cfg.HeadDim
	kv := make([]*pagedKV, cfg.NumHiddenLayers)
	for i := range kv {
		kv[i] = newPagedKV(blockSize, kvDim)
	}
	return &TransformerExecutor{
		cfg:     cfg,
		weights: weights,
		kv:      kv,
		rope:    newRopeTable(cfg.HeadDim, cfg.MaxPositionEmbed, cfg.RopeTheta),
	}
}

// FreeSequence releases every layer's paged KV storage for blockIDs.
// It implements scheduler.KVFreer: the scheduler's drainFinished calls
// it for a finished sequence just before returning its blocks to the
// block manager.
func (e *TransformerExecutor) FreeSequence(blockIDs []int) {
	for _, layer := range e.kv {
		layer.free(blockIDs)
	}
}

func (e *TransformerExecutor) Run(batch *scheduler.Batch) ([][]float32, error) {
	out := make([][]float32, len(batch.Entries))
	for i, entry := range batch.Entries {
		logits, err := e.runOne(entry)
		if err != nil {
			return nil, err
		}
		out[i] = logits
	}
	return out, nil
}

// tokenIDsFor returns the entry's new input token ids: on a prefill
// step the whole sequence so far (the prompt plus any tokens generated
// before a preemption), on a decode step the single most recently
// sampled token.
func tokenIDsFor(entry scheduler.Entry) []int {
	seq := entry.Group.Seq()
	if entry.Kind == scheduler.Prefill {
		return append(append([]int{}, seq.PromptTokenIDs...), seq.OutputTokenIDs...)
	}
	last := seq.OutputTokenIDs[len(seq.OutputTokenIDs)-1]
	return []int{last}
}

func (e *TransformerExecutor) runOne(entry scheduler.Entry) ([]float32, error) {
	tokenIDs := tokenIDsFor(entry)
	n := len(tokenIDs)
	hidden := e.cfg.HiddenSize

	h := mat.NewDense(n, hidden, nil)
	for i, tok := range tokenIDs {
		if tok < 0 || tok >= e.cfg.VocabSize {
			return nil, errs.ErrExecutorError
		}
		for c := 0; c < hidden; c++ {
			h.Set(i, c, e.weights.TokEmbedding.At(tok, c))
		}
	}

	for layerIdx := range e.weights.Layers {
		h = e.layerForward(layerIdx, h, entry, n)
	}

	rmsNormInPlace(h, e.weights.FinalNorm, e.cfg.RMSNormEps)

	lastRow := mat.NewDense(1, hidden, nil)
	lastRow.SetRow(0, h.RawRowView(n-1))

	var logitsDense *mat.Dense
	if e.cfg.TieWordEmbeddings || e.weights.TieEmbeddings || e.weights.LMHead == nil {
		logitsDense = mat.NewDense(1, e.cfg.VocabSize, nil)
		logitsDense.Mul(lastRow, e.weights.TokEmbedding.T())
	} else {
		logitsDense = e.weights.LMHead.Forward(lastRow)
	}

	logits := make([]float32, e.cfg.VocabSize)
	for c := 0; c < e.cfg.VocabSize; c++ {
		v := logitsDense.At(0, c)
		if e.cfg.FinalLogitSoftcap > 0 {
			v = softcap(v, e.cfg.FinalLogitSoftcap)
		}
		logits[c] = float32(v)
	}
	return logits, nil
}

func (e *TransformerExecutor) layerForward(layerIdx int, h *mat.Dense, entry scheduler.Entry, n int) *mat.Dense {
	lw := e.weights.Layers[layerIdx]
	hidden := e.cfg.HiddenSize

	normed := cloneDense(h)
	rmsNormInPlace(normed, lw.InputNorm, e.cfg.RMSNormEps)

	q := lw.Q.Forward(normed)
	k := lw.K.Forward(normed)
	v := lw.V.Forward(normed)

	e.rope.apply(q, e.cfg.NumAttentionHeads, e.cfg.HeadDim, entry.StartPos)
	e.rope.apply(k, e.cfg.NumKeyValueHeads, e.cfg.HeadDim, entry.StartPos)

	seqLen := entry.StartPos + n
	cache := e.kv[layerIdx]
	for i := 0; i < n; i++ {
		pos := entry.StartPos + i
		cache.writeSlot(entry.BlockIDs, pos, k.RawRowView(i), v.RawRowView(i))
	}
	kAll, vAll := cache.readSeq(entry.BlockIDs, seqLen)

	attnOut := causalAttention(q, kAll, vAll, e.cfg.NumAttentionHeads, e.cfg.NumKeyValueHeads, e.cfg.HeadDim, entry.StartPos, e.cfg.AttnLogitSoftcap)

	projected := lw.O.Forward(attnOut)
	residual1 := mat.NewDense(n, hidden, nil)
	residual1.Add(h, projected)

	normed2 := cloneDense(residual1)
	rmsNormInPlace(normed2, lw.PostAttnNorm, e.cfg.RMSNormEps)

	gate := lw.Gate.Forward(normed2)
	up := lw.Up.Forward(normed2)
	applySiLU(up)
	gate.MulElem(gate, up)
	down := lw.Down.Forward(gate)

	out := mat.NewDense(n, hidden, nil)
	out.Add(residual1, down)
	return out
}

func cloneDense(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Copy(m)
	return out
}

func rmsNormInPlace(m *mat.Dense, weight []float64, eps float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		sumSq := 0.0
		for _, v := range row {
			sumSq += v * v
		}
		scale := 1.0 / math.Sqrt(sumSq/float64(c)+eps)
		for j := range row {
			row[j] = row[j] * scale * weight[j]
		}
	}
}

func applySiLU(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			x := row[j]
			row[j] = x / (1 + math.Exp(-x))
		}
	}
}

func softcap(x, v float64) float64 {
	return v * math.Tanh(x/v)
}
