package executor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// causalAttention computes scaled dot-product attention for n new
// query rows (q) against the full key/value history (kAll/vAll,
// length seqLen), with grouped-query-attention head repetition and an
// optional logit softcap. startPos is the absolute position of q's
// first row, used to derive the causal boundary per query row.
//
// Grounded on bolt-xl/src/layers/attention.rs's forward_cpu: per-head
// loop, GQA repetition by head-group, causal mask derived from
// (seqLen - n + i), softmax, weighted sum over values.
func causalAttention(q *mat.Dense, kAll, vAll [][]float64, numHeads, numKVHeads, headDim, startPos int, softcapV float64) *mat.Dense {
	n, _ := q.Dims()
	scale := 1.0 / math.Sqrt(float64(headDim))
	groupSize := numHeads / numKVHeads

	out := mat.NewDense(n, numHeads*headDim, nil)

	for hIdx := 0; hIdx < numHeads; hIdx++ {
		kvHead := hIdx / groupSize
		qBase := hIdx * headDim
		kvBase := kvHead * headDim

		for i := 0; i < n; i++ {
			qRow := q.RawRowView(i)[qBase : qBase+headDim]
			maxPos := startPos + i // causal boundary: can attend to kv positions [0, maxPos]

			scores := make([]float64, maxPos+1)
			maxScore := math.Inf(-1)
			for t := 0; t <= maxPos; t++ {
				kRow := kAll[t][kvBase : kvBase+headDim]
				dot := 0.0
				for d := 0; d < headDim; d++ {
					dot += qRow[d] * kRow[d]
				}
				s := dot * scale
				if softcapV > 0 {
					s = softcap(s, softcapV)
				}
				scores[t] = s
				if s > maxScore {
					maxScore = s
				}
			}

			sum := 0.0
			for t := range scores {
				scores[t] = math.Exp(scores[t] - maxScore)
				sum += scores[t]
			}

			outRow := out.RawRowView(i)[qBase : qBase+headDim]
			for t := 0; t <= maxPos; t++ {
				weight := scores[t] / sum
				vRow := vAll[t][kvBase : kvBase+headDim]
				for d := 0; d < headDim; d++ {
					outRow[d] += weight * vRow[d]
				}
			}
		}
	}

	return out
}
