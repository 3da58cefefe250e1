package executor

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// LayerWeights holds one decoder layer's parameters, named after the
// gated-MLP / pre-norm transformer block the executor contract
// describes (RMSNorm, QKV+RoPE, causal attention, output projection,
// residual, RMSNorm, gated MLP, residual).
type LayerWeights struct {
	InputNorm     []float64 // RMSNorm weight, len hidden
	Q, K, V, O    Linear
	PostAttnNorm  []float64 // RMSNorm weight, len hidden
	Gate, Up, Down Linear
}

// Weights is the full set of parameters for one model, however the
// underlying Linear layers were constructed (Dense or AWQLinear).
type Weights struct {
	TokEmbedding *mat.Dense // [vocab, hidden]
	Layers       []LayerWeights
	FinalNorm    []float64
	LMHead       Linear // nil if TieEmbeddings
	TieEmbeddings bool
}

// RandomWeights builds a Weights instance with independently-seeded
// random Dense layers. Used by tests and by examples that need a
// complete, runnable model without a real checkpoint — weight
// acquisition is an external collaborator, out of scope for the core's
// tests.
func RandomWeights(seed int64, numLayers, hidden, numHeads, numKVHeads, headDim, intermediate, vocab int) *Weights {
	rng := rand.New(rand.NewSource(seed))
	randMatrix := func(rows, cols int) [][]float64 {
		m := make([][]float64, rows)
		for r := range m {
			m[r] = make([]float64, cols)
			for c := range m[r] {
				m[r][c] = (rng.Float64()*2 - 1) * 0.02
			}
		}
		return m
	}
	randVec := func(n int) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = 1.0
		}
		return v
	}

	qDim := numHeads * headDim
	kvDim := numKVHeads * headDim

	layers := make([]LayerWeights, numLayers)
	for l := range layers {
		layers[l] = LayerWeights{
			InputNorm:    randVec(hidden),
			Q:            NewDense(randMatrix(qDim, hidden), nil),
			K:            NewDense(randMatrix(kvDim, hidden), nil),
			V:            NewDense(randMatrix(kvDim, hidden), nil),
			O:            NewDense(randMatrix(hidden, qDim), nil),
			PostAttnNorm: randVec(hidden),
			Gate:         NewDense(randMatrix(intermediate, hidden), nil),
			Up:           NewDense(randMatrix(intermediate, hidden), nil),
			Down:         NewDense(randMatrix(hidden, intermediate), nil),
		}
	}

	embData := make([]float64, vocab*hidden)
	for i := range embData {
		embData[i] = (rng.Float64()*2 - 1) * 0.02
	}

	return &Weights{
		TokEmbedding:  mat.NewDense(vocab, hidden, embData),
		Layers:        layers,
		FinalNorm:     randVec(hidden),
		TieEmbeddings: true,
	}
}
