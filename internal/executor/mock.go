package executor

import "github.com/batchserve/engine/internal/scheduler"

// MockExecutor returns deterministic, caller-supplied logits without
// running any model math. Grounded on the teacher's convention (see
// sim/policy) of pluggable interfaces with trivial test doubles; used
// by scheduler/engine tests that need a fast, fully predictable
// stand-in for the real TransformerExecutor (the determinism
// property is most directly tested against a mock, not a full model).
type MockExecutor struct {
	// NextLogits, if set, is called once per batch entry and its
	// result used verbatim. If nil, VocabSize zeroed logits with a
	// single spike at FixedTokenID are returned.
	NextLogits   func(entry scheduler.Entry) []float32
	VocabSize    int
	FixedTokenID int
}

func (m *MockExecutor) Run(batch *scheduler.Batch) ([][]float32, error) {
	out := make([][]float32, len(batch.Entries))
	for i, entry := range batch.Entries {
		if m.NextLogits != nil {
			out[i] = m.NextLogits(entry)
			continue
		}
		logits := make([]float32, m.VocabSize)
		if m.FixedTokenID >= 0 && m.FixedTokenID < m.VocabSize {
			logits[m.FixedTokenID] = 1.0
		}
		out[i] = logits
	}
	return out, nil
}
